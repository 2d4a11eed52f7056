// Package store provides the SQLite-backed central property-graph store that
// every editing session synchronizes through.
//
// The store holds four kinds of records:
//   - Nodes: domain entities (category, properties, tombstone flag,
//     last_modified_utc)
//   - Edges: structural containment links (child -> container)
//   - Sessions: one row per live editor instance with its sync watermark
//   - Change log: one audit/notification entry per pushed mutation
//
// # Change-log semantics
//
// Insert entries are merged per (session_id, target_entity_id) through a
// partial UNIQUE index and ON CONFLICT DO UPDATE. Modify and Delete entries
// are appended on every change so the log keeps a full audit trail.
//
// # Transactions
//
// Push pipelines open one Tx, execute every mutation plus its bookkeeping, and
// commit once. Any failure rolls the whole batch back.
//
// # Deterministic reads
//
// Every list query orders by (timestamp, id) or (last_modified_utc, id) so that
// two reads of the same state return identical slices.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON
package store
