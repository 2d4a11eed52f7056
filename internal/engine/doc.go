// Package engine implements the graphsync change-synchronization engine.
//
// One Engine serves one editing session. It owns the session's outgoing
// command queue and moves changes between the local model and the central
// store.
//
// ARCHITECTURE:
//
// Outgoing changes:
// 1. Edit hooks call Submit from any goroutine (lock-free enqueue)
// 2. Push drains the queue, stages every command in the change cache
// 3. One central transaction executes the mutations and writes the
//    change-log entries, entity touches and container links
// 4. Commit, then watermark advance and retention GC
//
// Incoming changes:
// 1. ChangeNotifier polls the change log for recent remote entries
// 2. AutoPullScheduler coalesces bursts (batch window) and rate-limits pulls
// 3. Pull reads entities modified since the watermark and applies them in
//    one local transaction on the model goroutine (via dispatch)
//
// CRITICAL PATTERNS:
//
// Fail-fast push:
// A failing command aborts the whole batch. Nothing is re-enqueued; the
// cache keeps the records (state failed) for Replay.
//
// Single-flight:
// At most one push and one pull run at a time. A trigger arriving while one
// is active is dropped; the next natural trigger picks up the remaining work.
//
// Explicit metadata:
// Change type and target id travel in ChangeCommand fields. The mutation
// payload is never parsed to recover them.
//
// Time:
// Every timestamp comes from the injected Clock.
package engine
