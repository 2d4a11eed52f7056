// Package cache implements the durable local staging area for outgoing
// changes.
//
// Every command drained from the command queue is written here before the
// central store is contacted. Records live in a Pebble database keyed by
// session id and a ULID, so iteration order is staging order. Each record
// carries an xxhash digest of its payload, checked before a replay re-enqueues
// it.
//
// Record lifecycle:
//
//	staged -> committed            (push succeeded)
//	staged -> failed               (push aborted; kept for replay/audit)
//	failed -> replayed -> committed | failed
package cache
