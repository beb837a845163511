// Package reconciler implements Reconciler (§4.5): the single-threaded loop
// that diffs desired inventory state against the Pool's observed index and
// drives create/redump/ignore/noop decisions. Grounded on the teacher's
// top-level build orchestration loop (cmd/build's "resolve, then run each
// stage, tolerating and reporting per-stage failure") generalized from "one
// build, many stages" to "many instances, one pass, repeated forever".
package reconciler

import (
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/pathwar/pathwar-hypervisor/internal/driver"
	"github.com/pathwar/pathwar-hypervisor/internal/inventory"
	"github.com/pathwar/pathwar-hypervisor/internal/model"
	"github.com/pathwar/pathwar-hypervisor/internal/pool"
	"github.com/pathwar/pathwar-hypervisor/internal/sink"
	"github.com/pathwar/pathwar-hypervisor/internal/utils"
)

// ErrInstanceNotDesired is raised by ForceRedump when the given id is not
// present in the current desired set, per §4.5/§6.
var ErrInstanceNotDesired = errors.New("instance not found in desired set")

// Clock abstracts time.Now so redump-by-age decisions are testable.
type Clock func() time.Time

// Reconciler owns one pass-loop over one Pool, driven by one InventoryClient.
type Reconciler struct {
	pool          *pool.Pool
	inventory     *inventory.Client
	sink          sink.Sink
	logger        hclog.Logger
	refreshRate   time.Duration
	httpLevelPort int
	now           Clock
}

// Options configures a Reconciler.
type Options struct {
	RefreshRateSeconds int
	HTTPLevelPort      int
	Now                Clock // optional, defaults to time.Now
}

// New constructs a Reconciler.
func New(p *pool.Pool, inv *inventory.Client, errSink sink.Sink, opts Options, logger hclog.Logger) *Reconciler {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Reconciler{
		pool:          p,
		inventory:     inv,
		sink:          errSink,
		logger:        logger.Named("reconciler"),
		refreshRate:   time.Duration(opts.RefreshRateSeconds) * time.Second,
		httpLevelPort: opts.HTTPLevelPort,
		now:           now,
	}
}

// action is the decision made for one desired instance, per §4.5's state
// machine.
type action int

const (
	actionIgnore action = iota
	actionNoop
	actionCreate
	actionRedump
)

// Run loops forever: fetch desired, reconcile once, sleep. It returns only
// if ctx-like cancellation were added (none in the core, per §5); as
// specified, it runs until the process is killed.
func (r *Reconciler) Run() {
	for {
		passID := utils.RandStringWithDigitsBytes(6)
		count := r.ReconcileOnce()
		if count == 0 {
			r.logger.Info("reconcile pass complete, nothing to do", "pass", passID)
		} else {
			r.logger.Info("reconcile pass complete", "pass", passID, "instances_reconciled", count)
		}
		time.Sleep(r.refreshRate)
	}
}

// ReconcileOnce runs a single pass over the desired list and returns the
// number of instances that were created or redumped and then patched
// successfully; instances whose create, redump or PATCH failed are not
// counted.
func (r *Reconciler) ReconcileOnce() int {
	desired, err := r.inventory.FetchDesired()
	if err != nil {
		r.logger.Warn("failed fetching desired instances, skipping this pass", "reason", err)
		r.sink.Report(err, map[string]interface{}{"stage": "fetch_desired"})
		return 0
	}

	reconciled := 0
	for _, instance := range desired {
		if r.reconcileInstance(instance) {
			reconciled++
		}
	}
	return reconciled
}

func (r *Reconciler) reconcileInstance(instance model.DesiredInstance) bool {
	logger := r.logger.With("instance", instance.ID)

	act := r.decide(instance)
	switch act {
	case actionIgnore:
		logger.Debug("ignoring instance", "active", instance.Active, "has_url", instance.HasURL())
		return false
	case actionNoop:
		return false
	}

	var level model.Level
	var err error
	switch act {
	case actionCreate:
		level, err = r.pool.Create(instance.ID, instance.Level.URL)
	case actionRedump:
		r.pool.Destroy(instance.ID)
		level, err = r.pool.Create(instance.ID, instance.Level.URL)
	}
	if err != nil {
		logger.Warn("failed reconciling instance", "action", act, "reason", err)
		r.sink.Report(err, map[string]interface{}{"stage": "reconcile", "instance": instance.ID})
		return false
	}

	if err := r.inventory.PatchObserved(instance, level, r.httpLevelPort); err != nil {
		logger.Warn("failed patching observed state", "reason", err)
		r.sink.Report(err, map[string]interface{}{"stage": "patch_observed", "instance": instance.ID})
		return false
	}
	return true
}

// decide implements §4.5's per-instance decision.
func (r *Reconciler) decide(instance model.DesiredInstance) action {
	if !instance.Active || !instance.HasURL() {
		return actionIgnore
	}

	level, observed := r.pool.Get(instance.ID)
	if !observed {
		return actionCreate
	}

	if level.Source != driver.Fingerprint(instance.Level.URL) {
		return actionRedump
	}

	redumpAt := level.DumpedAt.Add(time.Duration(instance.Level.Defaults.RedumpSeconds) * time.Second)
	if !r.now().Before(redumpAt) {
		return actionRedump
	}

	return actionNoop
}

// ForceRedump implements the secondary entry point of §4.5: locate the
// desired instance by id, blind-destroy it on every host (the in-memory
// index may be stale after an operator intervention), recreate it and
// PATCH. It errors if id is not in the desired set.
func (r *Reconciler) ForceRedump(id string) error {
	desired, err := r.inventory.FetchDesired()
	if err != nil {
		return errors.Wrap(err, "failed fetching desired instances")
	}

	var target *model.DesiredInstance
	for i := range desired {
		if desired[i].ID == id {
			target = &desired[i]
			break
		}
	}
	if target == nil {
		return ErrInstanceNotDesired
	}

	r.pool.DestroyBlind(id)
	level, err := r.pool.Create(id, target.Level.URL)
	if err != nil {
		return errors.Wrapf(err, "failed recreating instance %s", id)
	}
	return r.inventory.PatchObserved(*target, level, r.httpLevelPort)
}
