package engine

import (
	"sync/atomic"

	"github.com/roach88/graphsync/internal/ir"
)

// CommandQueue buffers outgoing commands for the current session.
//
// Producers (edit hooks on arbitrary goroutines) call Enqueue, which never
// blocks or takes a lock: it is a CAS push onto a Treiber stack. The single
// consumer (the push pipeline) calls DrainAll, which detaches the whole stack
// with one atomic swap and reverses it into arrival order.
//
// Thread-safety model:
//   - Enqueue(), Snapshot(), Len(): safe from any goroutine
//   - DrainAll(): any goroutine, but only the push pipeline calls it
type CommandQueue struct {
	head atomic.Pointer[node]
	size atomic.Int64
}

type node struct {
	cmd  ir.ChangeCommand
	next *node
}

// NewCommandQueue creates an empty queue.
func NewCommandQueue() *CommandQueue {
	return &CommandQueue{}
}

// Enqueue appends cmd. Lock-free.
func (q *CommandQueue) Enqueue(cmd ir.ChangeCommand) {
	n := &node{cmd: cmd}
	for {
		old := q.head.Load()
		n.next = old
		if q.head.CompareAndSwap(old, n) {
			q.size.Add(1)
			return
		}
	}
}

// DrainAll atomically empties the queue and returns its commands in arrival
// order. Returns nil when the queue is empty.
func (q *CommandQueue) DrainAll() []ir.ChangeCommand {
	top := q.head.Swap(nil)
	if top == nil {
		return nil
	}
	cmds := collect(top)
	q.size.Add(-int64(len(cmds)))
	return cmds
}

// Snapshot returns the queued commands in arrival order without removing
// them.
func (q *CommandQueue) Snapshot() []ir.ChangeCommand {
	return collect(q.head.Load())
}

// Len returns the approximate number of queued commands.
func (q *CommandQueue) Len() int {
	n := q.size.Load()
	if n < 0 {
		return 0
	}
	return int(n)
}

// collect walks an immutable stack segment and returns it oldest first.
func collect(top *node) []ir.ChangeCommand {
	var cmds []ir.ChangeCommand
	for n := top; n != nil; n = n.next {
		cmds = append(cmds, n.cmd)
	}
	for i, j := 0, len(cmds)-1; i < j; i, j = i+1, j-1 {
		cmds[i], cmds[j] = cmds[j], cmds[i]
	}
	return cmds
}
