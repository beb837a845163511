// Package pool implements Pool (§4.3): the ordered set of HostDrivers and
// the in-memory ObservedIndex that maps instance ids to the Level/host pair
// that realizes them. Grounded on the teacher's pkg/containers registry
// pattern (an index keyed by id, populated at startup, consulted and
// repaired by the caller) generalized from "containers on this machine" to
// "levels across a pool of remote hosts".
package pool

import (
	"math/rand"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/pathwar/pathwar-hypervisor/internal/driver"
	"github.com/pathwar/pathwar-hypervisor/internal/model"
)

// entry is the ObservedIndex value: a Level plus the id of the host that
// owns it. The HostDriver itself is never stored here (§9 "Cyclic / back
// references") — only its id, resolved back through hosts on lookup.
type entry struct {
	level  model.Level
	hostID int
}

// Pool owns an ordered list of HostDrivers and the ObservedIndex.
type Pool struct {
	logger hclog.Logger
	hosts  []*driver.HostDriver
	index  map[string]entry
	rand   *rand.Rand
}

// New constructs a Pool over the given, already-bootstrapped HostDrivers.
// The index starts empty; call Load to populate it from host state.
func New(hosts []*driver.HostDriver, logger hclog.Logger) *Pool {
	return &Pool{
		logger: logger.Named("pool"),
		hosts:  hosts,
		index:  map[string]entry{},
		rand:   rand.New(rand.NewSource(1)),
	}
}

// Load populates the ObservedIndex by asking every host for its currently
// running level ids and inspecting each, per §4.2/§4.3. Called once at
// startup; not re-run.
func (p *Pool) Load() error {
	for hostID, h := range p.hosts {
		ids, err := h.ListRunningIDs()
		if err != nil {
			return errors.Wrapf(err, "failed listing running ids on host %s", h.Host().HostString)
		}
		for id := range ids {
			level, err := h.Inspect(id)
			if err != nil {
				p.logger.Warn("failed inspecting instance during load, skipping", "instance", id, "host", h.Host().HostString, "reason", err)
				continue
			}
			p.index[id] = entry{level: level, hostID: hostID}
		}
	}
	p.logger.Info("pool loaded", "instances", len(p.index), "hosts", len(p.hosts))
	return nil
}

// PickHost returns a uniformly random host from the pool.
func (p *Pool) PickHost() (*driver.HostDriver, error) {
	if len(p.hosts) == 0 {
		return nil, errors.New("no hosts configured")
	}
	return p.hosts[p.rand.Intn(len(p.hosts))], nil
}

// Get returns the observed Level for id, if any.
func (p *Pool) Get(id string) (model.Level, bool) {
	e, ok := p.index[id]
	if !ok {
		return model.Level{}, false
	}
	return e.level, true
}

// Create picks a host, delegates provisioning to it, inspects the result
// and inserts it into the index, per §4.3.
func (p *Pool) Create(id, url string) (model.Level, error) {
	host, err := p.PickHost()
	if err != nil {
		return model.Level{}, err
	}
	hostID := p.indexOf(host)

	if _, err := host.Create(id, url); err != nil {
		return model.Level{}, errors.Wrapf(err, "failed creating instance %s on host %s", id, host.Host().HostString)
	}
	level, err := host.Inspect(id)
	if err != nil {
		return model.Level{}, errors.Wrapf(err, "failed inspecting instance %s after create", id)
	}
	p.index[id] = entry{level: level, hostID: hostID}
	return level, nil
}

// Destroy tears down id on the host the index says owns it, and removes it
// from the index. A no-op if id is not present.
func (p *Pool) Destroy(id string) {
	e, ok := p.index[id]
	if !ok {
		return
	}
	p.hosts[e.hostID].Destroy(id)
	delete(p.index, id)
}

// DestroyBlind calls Destroy on every host (recovery path for a suspected
// stale index, per §4.3) and removes id from the index regardless of prior
// membership.
func (p *Pool) DestroyBlind(id string) {
	for _, h := range p.hosts {
		h.Destroy(id)
	}
	delete(p.index, id)
}

// GetLevelType delegates to a randomly picked host. Per §4.3/§9, this is a
// known weakness: if the picked host does not own the instance, its compose
// file is absent and the call fails. Callers that can, should resolve the
// owning host through the index first instead of calling this.
func (p *Pool) GetLevelType(id string) (string, error) {
	host, err := p.PickHost()
	if err != nil {
		return "", err
	}
	return host.GetLevelType(id)
}

func (p *Pool) indexOf(h *driver.HostDriver) int {
	for i, candidate := range p.hosts {
		if candidate == h {
			return i
		}
	}
	return -1
}
