// Package supervisor runs background tasks whose failures must be observable.
//
// A failed or panicking task is logged, optionally reported to Sentry, and
// delivered on the Errors channel so callers (and tests) can react to it.
package supervisor

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

// DefaultBuffer is the capacity of the Errors channel.
const DefaultBuffer = 64

// TaskError is a failure of one supervised task.
type TaskError struct {
	Task string
	Err  error
}

func (e *TaskError) Error() string { return fmt.Sprintf("%s: %v", e.Task, e.Err) }

func (e *TaskError) Unwrap() error { return e.Err }

// Supervisor tracks background goroutines and aggregates their errors.
type Supervisor struct {
	log *zap.SugaredLogger
	hub *sentry.Hub

	wg      sync.WaitGroup
	errs    chan error
	dropped atomic.Int64
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithSentry reports every task failure to hub.
func WithSentry(hub *sentry.Hub) Option {
	return func(s *Supervisor) { s.hub = hub }
}

// WithBuffer sets the Errors channel capacity.
func WithBuffer(n int) Option {
	return func(s *Supervisor) { s.errs = make(chan error, n) }
}

// New creates a supervisor.
func New(log *zap.SugaredLogger, opts ...Option) *Supervisor {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Supervisor{log: log}
	for _, opt := range opts {
		opt(s)
	}
	if s.errs == nil {
		s.errs = make(chan error, DefaultBuffer)
	}
	return s
}

// NewSentryHub builds a hub with its own client, leaving the global hub
// untouched. An empty dsn yields a hub whose events go nowhere.
func NewSentryHub(dsn, release string) (*sentry.Hub, error) {
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:     dsn,
		Release: release,
	})
	if err != nil {
		return nil, fmt.Errorf("init sentry: %w", err)
	}
	return sentry.NewHub(client, sentry.NewScope()), nil
}

// Go runs fn in a goroutine. A non-nil return or a panic is reported under
// name.
func (s *Supervisor) Go(name string, fn func() error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Errorw("task panicked", "task", name, "panic", r, "stack", string(debug.Stack()))
				s.Report(name, fmt.Errorf("panic: %v", r))
			}
		}()
		if err := fn(); err != nil {
			s.Report(name, err)
		}
	}()
}

// Report records a failure that happened outside Go, e.g. in a callback.
// When the Errors channel is full the error is logged and counted as dropped.
func (s *Supervisor) Report(name string, err error) {
	if err == nil {
		return
	}
	te := &TaskError{Task: name, Err: err}
	s.log.Errorw("background task failed", "task", name, "error", err)

	if s.hub != nil {
		s.hub.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("task", name)
			s.hub.CaptureException(te)
		})
	}

	select {
	case s.errs <- te:
	default:
		s.dropped.Add(1)
		s.log.Warnw("error channel full; dropping", "task", name)
	}
}

// Errors delivers every reported failure.
func (s *Supervisor) Errors() <-chan error { return s.errs }

// Dropped returns how many failures did not fit in the Errors channel.
func (s *Supervisor) Dropped() int64 { return s.dropped.Load() }

// Wait blocks until every task started with Go has returned.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}
