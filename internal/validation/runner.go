package validation

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/roach88/graphsync/internal/supervisor"
)

// Runner executes validations fire-and-forget, one at a time.
type Runner struct {
	svc     Service
	sup     *supervisor.Supervisor
	log     *zap.SugaredLogger
	timeout time.Duration
	sem     *semaphore.Weighted

	mu   sync.Mutex
	last *Report
}

// NewRunner returns a runner that reports failures (including ErrTimeout)
// through sup.
func NewRunner(svc Service, sup *supervisor.Supervisor, timeout time.Duration, log *zap.SugaredLogger) *Runner {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{
		svc:     svc,
		sup:     sup,
		log:     log,
		timeout: timeout,
		sem:     semaphore.NewWeighted(1),
	}
}

// Trigger starts a validation of req in the background and returns
// immediately. It returns ErrBusy, without starting anything, while another
// run is in flight.
func (r *Runner) Trigger(req Request) error {
	if !r.sem.TryAcquire(1) {
		r.log.Debugw("validation skipped; previous run still in flight", "ruleset", req.Ruleset)
		return ErrBusy
	}

	r.sup.Go("validation", func() error {
		defer r.sem.Release(1)

		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		report, err := r.svc.Validate(ctx, req)
		if err != nil {
			r.log.Warnw("validation abandoned", "ruleset", req.Ruleset, "error", err)
			return err
		}

		r.mu.Lock()
		r.last = &report
		r.mu.Unlock()

		r.log.Infow("validation finished",
			"job_id", report.JobID,
			"worst", report.Worst.String(),
			"affected", len(report.Affected),
		)
		return nil
	})
	return nil
}

// Last returns the most recent successful report.
func (r *Runner) Last() (Report, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return Report{}, false
	}
	return *r.last, true
}
