// Package dispatch marshals work onto the goroutine that owns the local model.
//
// The host starts Run on its model goroutine. Any other goroutine that needs
// exclusive model access calls Post, which enqueues the task and blocks until
// the model goroutine has executed it.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrClosed is returned by Post after Close, and to tasks still queued when
// Run stops.
var ErrClosed = errors.New("dispatcher closed")

// Task is a unit of work executed on the model goroutine.
type Task func(ctx context.Context) error

type job struct {
	ctx  context.Context
	fn   Task
	done chan error // buffered, size 1
}

// Dispatcher is a single-consumer FIFO of tasks.
//
// Thread-safety model:
//   - Post(): safe from any goroutine except the one running Run
//   - Run(): must be called from exactly ONE goroutine (the model owner)
type Dispatcher struct {
	log *zap.SugaredLogger

	mu     sync.Mutex
	jobs   []job
	closed bool
	signal chan struct{} // signals job availability (buffered, size 1)
}

// New creates an idle dispatcher. Nothing executes until Run is called.
func New(log *zap.SugaredLogger) *Dispatcher {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Dispatcher{
		log:    log,
		jobs:   make([]job, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Post enqueues fn and waits for the model goroutine to run it, returning
// fn's error. If ctx ends first, Post returns ctx.Err() and the task is
// skipped if it has not started yet.
func (d *Dispatcher) Post(ctx context.Context, fn Task) error {
	j := job{ctx: ctx, fn: fn, done: make(chan error, 1)}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.jobs = append(d.jobs, j)
	select {
	case d.signal <- struct{}{}:
	default:
	}
	d.mu.Unlock()

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes posted tasks in FIFO order until ctx is cancelled or Close is
// called. After Close, tasks already queued are still executed before Run
// returns nil. On cancellation, queued tasks fail with ErrClosed.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			d.Close()
			d.failPending()
			return ctx.Err()
		}

		if j, ok := d.tryDequeue(); ok {
			d.execute(j)
			continue
		}

		select {
		case <-ctx.Done():
			d.Close()
			d.failPending()
			return ctx.Err()

		case _, open := <-d.signal:
			if !open && d.Len() == 0 {
				return nil
			}
		}
	}
}

// Close stops accepting new tasks. Idempotent.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	d.closed = true
	close(d.signal)
}

// Len returns the number of queued tasks.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.jobs)
}

func (d *Dispatcher) tryDequeue() (job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.jobs) == 0 {
		return job{}, false
	}
	j := d.jobs[0]
	d.jobs[0] = job{}
	if len(d.jobs) == 1 {
		d.jobs = d.jobs[:0]
	} else {
		d.jobs = d.jobs[1:]
	}
	return j, true
}

func (d *Dispatcher) execute(j job) {
	if err := j.ctx.Err(); err != nil {
		j.done <- err
		return
	}

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("dispatch: task panicked: %v", r)
				d.log.Errorw("model task panicked", "panic", r)
			}
		}()
		err = j.fn(j.ctx)
	}()
	j.done <- err
}

func (d *Dispatcher) failPending() {
	for {
		j, ok := d.tryDequeue()
		if !ok {
			return
		}
		j.done <- ErrClosed
	}
}
