package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/graphsync/internal/ir"
)

// RelContainedIn is the edge type linking a node to its structural container.
const RelContainedIn = "CONTAINED_IN"

// Tx is one central-store transaction. A push batch runs entirely inside a
// single Tx; nothing is visible to other sessions until Commit.
type Tx struct {
	tx *sql.Tx
}

// Begin opens a transaction against the central store.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Rollback aborts the transaction. It is a no-op after Commit, so callers
// can always defer it.
func (t *Tx) Rollback() error {
	err := t.tx.Rollback()
	if err == sql.ErrTxDone {
		return nil
	}
	return err
}

// UpsertSession records a heartbeat for the session (last_update = now).
// A new session row takes lastSync as its initial watermark; an existing
// row keeps its watermark.
func (t *Tx) UpsertSession(ctx context.Context, id string, lastSync, now time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sessions (id, last_sync, last_update)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET last_update = MAX(sessions.last_update, excluded.last_update)
	`, id, toNanos(lastSync), toNanos(now))
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", id, err)
	}
	return nil
}

// SetLastSync advances the session's central watermark. The stored value
// never decreases.
func (t *Tx) SetLastSync(ctx context.Context, id string, at time.Time) error {
	return setLastSync(ctx, t.tx, id, at)
}

// SetLastSync advances the session's central watermark outside a push/pull
// transaction. The stored value never decreases.
func (s *Store) SetLastSync(ctx context.Context, id string, at time.Time) error {
	return setLastSync(ctx, s.db, id, at)
}

func setLastSync(ctx context.Context, db execer, id string, at time.Time) error {
	n := toNanos(at)
	_, err := db.ExecContext(ctx, `
		INSERT INTO sessions (id, last_sync, last_update)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_sync = MAX(sessions.last_sync, excluded.last_sync),
			last_update = MAX(sessions.last_update, excluded.last_update)
	`, id, n, n)
	if err != nil {
		return fmt.Errorf("set last sync %s: %w", id, err)
	}
	return nil
}

// ExecMutation decodes payload and applies it to the node targetID.
// It returns the decoded mutation so callers can act on structural fields
// (container links) without inspecting the payload themselves.
//
// Upserts replace category and properties and clear any tombstone.
// Deletes tombstone the node (creating a tombstone if the node was never
// seen) and drop its containment edge.
func (t *Tx) ExecMutation(ctx context.Context, targetID string, payload []byte) (ir.Mutation, error) {
	m, err := ir.DecodeMutation(payload)
	if err != nil {
		return ir.Mutation{}, fmt.Errorf("exec mutation %s: %w", targetID, err)
	}

	switch m.Op {
	case ir.OpUpsert:
		props, err := ir.MarshalProperties(m.Properties)
		if err != nil {
			return ir.Mutation{}, fmt.Errorf("exec mutation %s: %w", targetID, err)
		}
		_, err = t.tx.ExecContext(ctx, `
			INSERT INTO nodes (id, category, properties, deleted)
			VALUES (?, ?, ?, 0)
			ON CONFLICT(id) DO UPDATE SET
				category = excluded.category,
				properties = excluded.properties,
				deleted = 0
		`, targetID, m.Category, props)
		if err != nil {
			return ir.Mutation{}, fmt.Errorf("exec mutation %s: upsert node: %w", targetID, err)
		}

	case ir.OpDelete:
		_, err = t.tx.ExecContext(ctx, `
			INSERT INTO nodes (id, category, deleted)
			VALUES (?, '', 1)
			ON CONFLICT(id) DO UPDATE SET deleted = 1
		`, targetID)
		if err != nil {
			return ir.Mutation{}, fmt.Errorf("exec mutation %s: tombstone node: %w", targetID, err)
		}
		_, err = t.tx.ExecContext(ctx, `DELETE FROM edges WHERE src = ?`, targetID)
		if err != nil {
			return ir.Mutation{}, fmt.Errorf("exec mutation %s: drop edges: %w", targetID, err)
		}
	}

	return m, nil
}

// AppendChangeLog writes the change-log entry for one mutation and returns
// its id.
//
// Insert entries merge on (session_id, target_entity_id): a second Insert for
// the same target refreshes timestamp and cache_ref and resets the
// acknowledged flag instead of adding a row. Modify and Delete always append.
func (t *Tx) AppendChangeLog(ctx context.Context, e ir.ChangeLogEntry) (int64, error) {
	if !e.ChangeType.Valid() {
		return 0, fmt.Errorf("append change log: invalid change type %q", e.ChangeType)
	}

	query := `
		INSERT INTO change_log (session_id, target_entity_id, change_type, timestamp, acknowledged, cache_ref)
		VALUES (?, ?, ?, ?, 0, ?)
		RETURNING id
	`
	if e.ChangeType == ir.ChangeInsert {
		query = `
			INSERT INTO change_log (session_id, target_entity_id, change_type, timestamp, acknowledged, cache_ref)
			VALUES (?, ?, ?, ?, 0, ?)
			ON CONFLICT(session_id, target_entity_id) WHERE change_type = 'Insert'
			DO UPDATE SET
				timestamp = excluded.timestamp,
				acknowledged = 0,
				cache_ref = excluded.cache_ref
			RETURNING id
		`
	}

	var id int64
	err := t.tx.QueryRowContext(ctx, query,
		e.SessionID,
		e.TargetEntityID,
		string(e.ChangeType),
		toNanos(e.Timestamp),
		e.CacheRef,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("append change log %s/%s: %w", e.SessionID, e.TargetEntityID, err)
	}
	return id, nil
}

// TouchEntity sets the node's last_modified_utc to now. The stored value never
// decreases. Returns ErrNotFound if the node does not exist.
func (t *Tx) TouchEntity(ctx context.Context, id string, now time.Time) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE nodes SET last_modified_utc = MAX(last_modified_utc, ?)
		WHERE id = ?
	`, toNanos(now), id)
	if err != nil {
		return fmt.Errorf("touch entity %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch entity %s: rows affected: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("touch entity %s: %w", id, ErrNotFound)
	}
	return nil
}

// LinkContainer points the child's containment edge at containerID,
// replacing any previous container.
func (t *Tx) LinkContainer(ctx context.Context, childID, containerID string) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO edges (src, rel, dst)
		VALUES (?, ?, ?)
		ON CONFLICT(src, rel) DO UPDATE SET dst = excluded.dst
	`, childID, RelContainedIn, containerID)
	if err != nil {
		return fmt.Errorf("link %s to container %s: %w", childID, containerID, err)
	}
	return nil
}

// Acknowledge marks change-log entries acknowledged inside this transaction.
func (t *Tx) Acknowledge(ctx context.Context, req AckRequest) (int64, error) {
	return acknowledge(ctx, t.tx, req)
}
