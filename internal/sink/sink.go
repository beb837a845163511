// Package sink reports per-instance hard and transient errors (§7) to an
// external error-tracking service, so operators see reconcile failures
// without tailing logs.
package sink

import (
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/hashicorp/go-hclog"
)

const flushTimeout = 2 * time.Second

// Sink reports errors with contextual fields. Report returns nothing and
// never fails the caller.
type Sink interface {
	Report(err error, fields map[string]interface{})
	Close()
}

// New returns a Sink backed by Sentry when dsn is non-empty, or a no-op
// Sink when it is empty, per §6 ("empty string disables").
func New(dsn string, logger hclog.Logger) (Sink, error) {
	if dsn == "" {
		return &noopSink{logger: logger}, nil
	}
	if err := sentry.Init(sentry.ClientOptions{Dsn: dsn}); err != nil {
		return nil, err
	}
	return &sentrySink{logger: logger}, nil
}

type sentrySink struct {
	logger hclog.Logger
}

func (s *sentrySink) Report(err error, fields map[string]interface{}) {
	sentry.WithScope(func(scope *sentry.Scope) {
		for k, v := range fields {
			scope.SetExtra(k, v)
		}
		sentry.CaptureException(err)
	})
}

func (s *sentrySink) Close() {
	sentry.Flush(flushTimeout)
}

type noopSink struct {
	logger hclog.Logger
}

func (s *noopSink) Report(err error, fields map[string]interface{}) {
	s.logger.Debug("error sink disabled, dropping report", "reason", err)
}

func (s *noopSink) Close() {}
