// Package harness runs multi-session sync scenarios against real engines.
//
// Every scenario gets a fresh central store, one engine per session and a
// manual clock shared by all of them. Steps run in order; after each step the
// clock moves by the scenario tick so entries and watermarks get distinct
// timestamps, and the package principles are checked.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	sessions: [alice, bob]
//	tick: 10ms          # optional
//	cache: true         # optional, enables replay
//	steps:
//	  - session: alice
//	    op: submit
//	    changes:
//	      - { type: insert, id: "123", category: wall, properties: { name: W1 } }
//	  - session: alice
//	    op: push
//	    expect: { outcome: ok, watermark: advanced }
//	  - op: advance
//	    duration: 3s
//	assertions:
//	  - type: change_log
//	    session: alice
//	    count: 1
//	  - type: entity
//	    session: bob
//	    id: "123"
//	    expect: { name: W1 }
//
// # Operations
//
//   - submit: queue changes (raw injects an undecodable payload)
//   - push, pull, replay: run the engine operation
//   - status: run a consistency check
//   - gc: run retention garbage collection
//   - ack: acknowledge remote entries (all, or the listed entries)
//   - notify: poll the change notifier once
//   - advance: move the clock, firing scheduled automatic pulls
//   - hold, release: lock and unlock the session's local model
//
// # Assertion Types
//
//   - change_log: count central entries by session, entity and change type
//   - sessions: count central session records
//   - entity: check a local model entity (or its absence)
//   - watermark: check a session's watermark offset from the start
//   - auto_pulls: count pulls started by the auto-pull scheduler
//   - cache_state: count change-cache records in a state
//
// # Golden Traces
//
// Each step renders as one line:
//
//	[2] +10ms alice push ok commands=1 entries=1 watermark=advanced
//
// RunWithGolden compares the rendered trace with testdata/golden/<name>.golden.
package harness
