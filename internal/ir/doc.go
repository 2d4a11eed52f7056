// Package ir defines the data model shared by every graphsync package.
//
// This package contains type definitions and small codecs only. All other
// internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - Change metadata (target entity id, change type) is carried in explicit
//     fields, never recovered from a mutation payload.
//   - Mutation payloads are opaque to the change-log layer; only the central
//     store decodes them when executing.
//   - All timestamps are UTC. The store persists them as unix nanoseconds.
//   - All JSON tags use snake_case.
package ir
