package reconciler

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pathwar/pathwar-hypervisor/internal/driver"
	"github.com/pathwar/pathwar-hypervisor/internal/inventory"
	"github.com/pathwar/pathwar-hypervisor/internal/model"
	"github.com/pathwar/pathwar-hypervisor/internal/pool"
	"github.com/pathwar/pathwar-hypervisor/internal/sink"
	"github.com/pathwar/pathwar-hypervisor/internal/sshtransport"
)

const fixedID = "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"

// scriptedTransport answers exact command strings from a table, and any
// other command with a bare success. It lets a test plant a specific
// observed Level (source, dumped_at) without touching a network.
type scriptedTransport struct {
	responses map[string]sshtransport.Result
}

func (s *scriptedTransport) Run(cmd string) (sshtransport.Result, error) {
	if r, ok := s.responses[cmd]; ok {
		return r, nil
	}
	return sshtransport.Result{Status: 0}, nil
}

func (s *scriptedTransport) RunChecked(cmd string) (sshtransport.Result, error) {
	return s.Run(cmd)
}
func (s *scriptedTransport) Upload(localPath, remotePath string) error { return nil }
func (s *scriptedTransport) Close() error                              { return nil }

func poolWithObservedInstance(t *testing.T, source string, startedAt time.Time) *pool.Pool {
	t.Helper()
	levelDir := "levels/" + fixedID

	transport := &scriptedTransport{responses: map[string]sshtransport.Result{
		"docker ps --format '{{.Names}}'": {
			Status: 0,
			Stdout: "aaaaaaaabbbbccccddddeeeeeeeeeeee_web_1\n",
		},
		"cat '" + levelDir + "/source'": {Status: 0, Stdout: source},
		"cd '" + levelDir + "' && docker-compose ps -q": {
			Status: 0,
			Stdout: "c1\n",
		},
		"docker inspect 'c1'": {
			Status: 0,
			Stdout: `[{"State":{"StartedAt":"` + startedAt.UTC().Format(time.RFC3339Nano) + `"}}]`,
		},
	}}

	host := model.NewHost("core@10.0.0.9")
	d := driver.New(host, transport, driver.Options{IngressHTTPPort: 8080, AuthProxyIP: "1.2.3.4"}, hclog.NewNullLogger())
	p := pool.New([]*driver.HostDriver{d}, hclog.NewNullLogger())
	require.NoError(t, p.Load())
	return p
}

func newTestReconciler(t *testing.T, p *pool.Pool, now time.Time) *Reconciler {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"_items":[]}`))
	}))
	t.Cleanup(srv.Close)
	inv := inventory.New(srv.URL, hclog.NewNullLogger())
	errSink, err := sink.New("", hclog.NewNullLogger())
	require.NoError(t, err)
	return New(p, inv, errSink, Options{RefreshRateSeconds: 1, HTTPLevelPort: 9000, Now: func() time.Time { return now }}, hclog.NewNullLogger())
}

func TestDecide_IgnoresInactiveInstance(t *testing.T) {
	p := pool.New(nil, hclog.NewNullLogger())
	r := newTestReconciler(t, p, time.Now())

	instance := model.DesiredInstance{ID: fixedID, Active: false, Level: model.DesiredLevel{URL: "http://store/x.tar"}}
	assert.Equal(t, actionIgnore, r.decide(instance))
}

func TestDecide_IgnoresMissingURL(t *testing.T) {
	p := pool.New(nil, hclog.NewNullLogger())
	r := newTestReconciler(t, p, time.Now())

	instance := model.DesiredInstance{ID: fixedID, Active: true}
	assert.Equal(t, actionIgnore, r.decide(instance))
}

func TestDecide_CreatesWhenNotObserved(t *testing.T) {
	p := pool.New(nil, hclog.NewNullLogger())
	r := newTestReconciler(t, p, time.Now())

	instance := model.DesiredInstance{ID: fixedID, Active: true, Level: model.DesiredLevel{URL: "http://store/x.tar"}}
	assert.Equal(t, actionCreate, r.decide(instance))
}

func TestDecide_NoopWithinRedumpWindow(t *testing.T) {
	url := "http://store/x.tar"
	startedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := poolWithObservedInstance(t, driver.Fingerprint(url), startedAt)

	now := startedAt.Add(10 * time.Second)
	r := newTestReconciler(t, p, now)

	instance := model.DesiredInstance{ID: fixedID, Active: true, Level: model.DesiredLevel{URL: url, Defaults: model.LevelDefaults{RedumpSeconds: 3600}}}
	assert.Equal(t, actionNoop, r.decide(instance))
}

func TestDecide_RedumpsAtAgeBoundary(t *testing.T) {
	url := "http://store/x.tar"
	startedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := poolWithObservedInstance(t, driver.Fingerprint(url), startedAt)

	now := startedAt.Add(3600 * time.Second)
	r := newTestReconciler(t, p, now)

	instance := model.DesiredInstance{ID: fixedID, Active: true, Level: model.DesiredLevel{URL: url, Defaults: model.LevelDefaults{RedumpSeconds: 3600}}}
	assert.Equal(t, actionRedump, r.decide(instance))
}

func TestDecide_RedumpsOnURLChange(t *testing.T) {
	startedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := poolWithObservedInstance(t, driver.Fingerprint("http://store/x.tar"), startedAt)

	now := startedAt.Add(10 * time.Second)
	r := newTestReconciler(t, p, now)

	instance := model.DesiredInstance{ID: fixedID, Active: true, Level: model.DesiredLevel{URL: "http://store/y.tar", Defaults: model.LevelDefaults{RedumpSeconds: 3600}}}
	assert.Equal(t, actionRedump, r.decide(instance))
}

func TestForceRedump_ErrorsWhenIDNotDesired(t *testing.T) {
	p := pool.New(nil, hclog.NewNullLogger())
	r := newTestReconciler(t, p, time.Now())

	err := r.ForceRedump("not-a-known-id")
	assert.True(t, errors.Is(err, ErrInstanceNotDesired))
}
