package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RetentionCutoff returns min(last_sync) over all sessions.
// ok is false when there are no sessions.
func (s *Store) RetentionCutoff(ctx context.Context) (cutoff time.Time, ok bool, err error) {
	var minSync sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MIN(last_sync) FROM sessions`).Scan(&minSync); err != nil {
		return time.Time{}, false, fmt.Errorf("retention cutoff: %w", err)
	}
	if !minSync.Valid {
		return time.Time{}, false, nil
	}
	return fromNanos(minSync.Int64), true, nil
}

// DeleteStaleSessions removes sessions whose latest heartbeat, the later of
// last_sync and last_update, is strictly older than olderThan and returns how
// many were removed. A session that pushes with a held-back watermark keeps
// its row and keeps pinning the cutoff.
func (s *Store) DeleteStaleSessions(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE MAX(last_sync, last_update) < ?`, toNanos(olderThan))
	if err != nil {
		return 0, fmt.Errorf("delete stale sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete stale sessions: rows affected: %w", err)
	}
	return n, nil
}

// DeleteChangeLogBefore removes every change-log entry with timestamp
// strictly before cutoff and returns how many were removed.
func (s *Store) DeleteChangeLogBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM change_log WHERE timestamp < ?`, toNanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete change log: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete change log: rows affected: %w", err)
	}
	return n, nil
}

// AckRequest selects change-log entries to acknowledge.
//
// SessionID is the acknowledging session; its own entries are never touched.
// An empty EntryIDs selects every unacknowledged remote entry; a non-empty
// EntryIDs restricts the operation to those ids. A non-zero Before further
// restricts to entries with timestamp <= Before.
type AckRequest struct {
	SessionID string
	EntryIDs  []int64
	Before    time.Time
}

// Acknowledge marks the selected entries acknowledged and returns how many
// changed state.
func (s *Store) Acknowledge(ctx context.Context, req AckRequest) (int64, error) {
	return acknowledge(ctx, s.db, req)
}

func acknowledge(ctx context.Context, db execer, req AckRequest) (int64, error) {
	query := `UPDATE change_log SET acknowledged = 1 WHERE acknowledged = 0 AND session_id != ?`
	args := []any{req.SessionID}
	if !req.Before.IsZero() {
		query += ` AND timestamp <= ?`
		args = append(args, toNanos(req.Before))
	}
	if len(req.EntryIDs) > 0 {
		placeholders, ids := inClause(req.EntryIDs)
		query += ` AND id IN (` + placeholders + `)`
		args = append(args, ids...)
	}

	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("acknowledge: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("acknowledge: rows affected: %w", err)
	}
	return n, nil
}
