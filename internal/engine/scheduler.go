package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultBatchWindow is the quiet period that coalesces a burst of
	// change events into one pull.
	DefaultBatchWindow = 2 * time.Second
	// DefaultMinPullInterval is the minimum spacing between automatic pulls.
	DefaultMinPullInterval = 5 * time.Second
)

// AutoPullScheduler turns change events into pulls.
//
// Each event for the scheduler's session (re)starts a batch-window timer, so
// a burst produces a single pull once events stop arriving. The restart never
// moves the pull past the first unserved event plus the larger of the batch
// window and the minimum interval, so a steady stream of events still pulls.
// A pull that would start less than the minimum interval after the previous
// one is pushed back until the interval has passed.
//
// Pulls run on the timer's goroutine with a context that Close does not
// cancel: Close stops anything not yet started and lets a running pull
// finish.
type AutoPullScheduler struct {
	sessionID   string
	clock       Clock
	batch       time.Duration
	minInterval time.Duration
	pull        func(ctx context.Context) error
	onError     func(error)
	log         *zap.SugaredLogger

	mu           sync.Mutex
	gen          uint64
	stop         func() bool
	lastPull     time.Time
	pendingSince time.Time // first event not yet served by a pull
	pulls        int
	closed       bool
}

// NewAutoPullScheduler creates a scheduler. Zero durations select the
// defaults. onError receives pull failures other than MODEL_BUSY, which is
// expected and only logged.
func NewAutoPullScheduler(sessionID string, clock Clock, batch, minInterval time.Duration, pull func(context.Context) error, onError func(error), log *zap.SugaredLogger) *AutoPullScheduler {
	if batch <= 0 {
		batch = DefaultBatchWindow
	}
	if minInterval <= 0 {
		minInterval = DefaultMinPullInterval
	}
	if onError == nil {
		onError = func(error) {}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &AutoPullScheduler{
		sessionID:   sessionID,
		clock:       clock,
		batch:       batch,
		minInterval: minInterval,
		pull:        pull,
		onError:     onError,
		log:         log,
	}
}

// OnChangeDetected schedules a pull after the batch window, replacing any
// pull already scheduled, but no later than the deadline set by the first
// unserved event. Events for other sessions are ignored.
func (s *AutoPullScheduler) OnChangeDetected(ev ChangeEvent) {
	if ev.SessionID != s.sessionID {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	now := s.clock.Now()
	if s.pendingSince.IsZero() {
		s.pendingSince = now
	}
	d := s.batch
	if left := s.pendingSince.Add(s.maxWait()).Sub(now); left < d {
		d = max(left, 0)
	}
	s.scheduleLocked(d)
}

// maxWait bounds how long an event may wait for its pull.
func (s *AutoPullScheduler) maxWait() time.Duration {
	return max(s.batch, s.minInterval)
}

// Pulls returns how many pulls the scheduler has started.
func (s *AutoPullScheduler) Pulls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pulls
}

// Close cancels any scheduled pull. Idempotent.
func (s *AutoPullScheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.gen++
	if s.stop != nil {
		s.stop()
		s.stop = nil
	}
}

func (s *AutoPullScheduler) scheduleLocked(d time.Duration) {
	if s.stop != nil {
		s.stop()
	}
	s.gen++
	gen := s.gen
	s.stop = s.clock.AfterFunc(d, func() { s.fire(gen) })
}

func (s *AutoPullScheduler) fire(gen uint64) {
	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.stop = nil

	now := s.clock.Now()
	if !s.lastPull.IsZero() {
		if wait := s.minInterval - now.Sub(s.lastPull); wait > 0 {
			s.log.Debugw("auto-pull deferred by rate limit", "wait", wait)
			s.scheduleLocked(wait)
			s.mu.Unlock()
			return
		}
	}
	s.lastPull = now
	s.pendingSince = time.Time{}
	s.pulls++
	s.mu.Unlock()

	err := s.pull(context.Background())
	switch {
	case err == nil:
	case IsModelBusy(err):
		s.log.Debugw("auto-pull skipped; model busy")
	default:
		s.onError(err)
	}
}
