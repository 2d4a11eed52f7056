package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/graphsync/internal/ir"
)

const changeLogColumns = `id, session_id, target_entity_id, change_type, timestamp, acknowledged, cache_ref`

// ReadSession retrieves a single session by id.
// Returns ErrNotFound if the session does not exist.
func (s *Store) ReadSession(ctx context.Context, id string) (ir.Session, error) {
	var sess ir.Session
	var lastSync, lastUpdate int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, last_sync, last_update FROM sessions WHERE id = ?
	`, id).Scan(&sess.ID, &lastSync, &lastUpdate)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return ir.Session{}, fmt.Errorf("read session %s: %w", id, err)
	}
	sess.LastSyncTime = fromNanos(lastSync)
	sess.LastUpdateTime = fromNanos(lastUpdate)
	return sess, nil
}

// ListSessions returns all sessions ordered by id.
func (s *Store) ListSessions(ctx context.Context) ([]ir.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, last_sync, last_update FROM sessions ORDER BY id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []ir.Session{}
	for rows.Next() {
		var sess ir.Session
		var lastSync, lastUpdate int64
		if err := rows.Scan(&sess.ID, &lastSync, &lastUpdate); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.LastSyncTime = fromNanos(lastSync)
		sess.LastUpdateTime = fromNanos(lastUpdate)
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// PendingChangeLog returns every unacknowledged entry that did not originate
// from sessionID, oldest first.
func (s *Store) PendingChangeLog(ctx context.Context, sessionID string) ([]ir.ChangeLogEntry, error) {
	return s.queryChangeLog(ctx, `
		SELECT `+changeLogColumns+` FROM change_log
		WHERE acknowledged = 0 AND session_id != ?
		ORDER BY timestamp ASC, id ASC
	`, sessionID)
}

// RecentChangeLog returns unacknowledged entries from other sessions whose
// timestamp is at or after since.
func (s *Store) RecentChangeLog(ctx context.Context, sessionID string, since time.Time) ([]ir.ChangeLogEntry, error) {
	return s.queryChangeLog(ctx, `
		SELECT `+changeLogColumns+` FROM change_log
		WHERE acknowledged = 0 AND session_id != ? AND timestamp >= ?
		ORDER BY timestamp ASC, id ASC
	`, sessionID, toNanos(since))
}

// ChangeLogFilter narrows ReadChangeLog. Empty fields match everything.
type ChangeLogFilter struct {
	SessionID      string
	TargetEntityID string
	ChangeType     ir.ChangeType
}

// ReadChangeLog returns entries matching filter, oldest first.
func (s *Store) ReadChangeLog(ctx context.Context, filter ChangeLogFilter) ([]ir.ChangeLogEntry, error) {
	var where []string
	var args []any
	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.TargetEntityID != "" {
		where = append(where, "target_entity_id = ?")
		args = append(args, filter.TargetEntityID)
	}
	if filter.ChangeType != "" {
		where = append(where, "change_type = ?")
		args = append(args, string(filter.ChangeType))
	}

	query := `SELECT ` + changeLogColumns + ` FROM change_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp ASC, id ASC"

	return s.queryChangeLog(ctx, query, args...)
}

func (s *Store) queryChangeLog(ctx context.Context, query string, args ...any) ([]ir.ChangeLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query change log: %w", err)
	}
	defer rows.Close()

	entries := []ir.ChangeLogEntry{}
	for rows.Next() {
		e, err := scanChangeLogEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate change log: %w", err)
	}
	return entries, nil
}

func scanChangeLogEntry(rows *sql.Rows) (ir.ChangeLogEntry, error) {
	var e ir.ChangeLogEntry
	var changeType string
	var ts int64
	var acked int
	if err := rows.Scan(&e.ID, &e.SessionID, &e.TargetEntityID, &changeType, &ts, &acked, &e.CacheRef); err != nil {
		return ir.ChangeLogEntry{}, fmt.Errorf("scan change log entry: %w", err)
	}
	e.ChangeType = ir.ChangeType(changeType)
	e.Timestamp = fromNanos(ts)
	e.Acknowledged = acked != 0
	return e, nil
}

const entityQuery = `
	SELECT n.id, n.category, n.properties, n.deleted, n.last_modified_utc, COALESCE(e.dst, '')
	FROM nodes n
	LEFT JOIN edges e ON e.src = n.id AND e.rel = '` + RelContainedIn + `'
`

// EntitiesModifiedSince returns every node of category whose
// last_modified_utc is strictly after since, tombstones included.
// Results are ordered by (last_modified_utc, id).
func (s *Store) EntitiesModifiedSince(ctx context.Context, category string, since time.Time) ([]ir.Entity, error) {
	return s.queryEntities(ctx, entityQuery+`
		WHERE n.category = ? AND n.last_modified_utc > ?
		ORDER BY n.last_modified_utc ASC, n.id COLLATE BINARY ASC
	`, category, toNanos(since))
}

// ReadEntity retrieves one node by id. Returns ErrNotFound if absent.
func (s *Store) ReadEntity(ctx context.Context, id string) (ir.Entity, error) {
	entities, err := s.ReadEntities(ctx, []string{id})
	if err != nil {
		return ir.Entity{}, err
	}
	if len(entities) == 0 {
		return ir.Entity{}, fmt.Errorf("entity %s: %w", id, ErrNotFound)
	}
	return entities[0], nil
}

// ReadEntities retrieves the nodes with the given ids. Missing ids are skipped.
func (s *Store) ReadEntities(ctx context.Context, ids []string) ([]ir.Entity, error) {
	if len(ids) == 0 {
		return []ir.Entity{}, nil
	}
	placeholders, args := inClause(ids)
	return s.queryEntities(ctx, entityQuery+`
		WHERE n.id IN (`+placeholders+`)
		ORDER BY n.id COLLATE BINARY ASC
	`, args...)
}

// Categories returns every non-empty category present in the store.
func (s *Store) Categories(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT category FROM nodes WHERE category != '' ORDER BY category ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query categories: %w", err)
	}
	defer rows.Close()

	categories := []string{}
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		categories = append(categories, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate categories: %w", err)
	}
	return categories, nil
}

// ModifiedSinceExcluding counts nodes modified in (since, until] whose id is
// not in exclude. The push pipeline uses it to decide whether advancing the
// watermark would skip changes this session has not incorporated yet.
func (s *Store) ModifiedSinceExcluding(ctx context.Context, since, until time.Time, exclude []string) (int, error) {
	query := `SELECT COUNT(*) FROM nodes WHERE last_modified_utc > ? AND last_modified_utc <= ?`
	args := []any{toNanos(since), toNanos(until)}
	if len(exclude) > 0 {
		placeholders, ids := inClause(exclude)
		query += ` AND id NOT IN (` + placeholders + `)`
		args = append(args, ids...)
	}

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count modified nodes: %w", err)
	}
	return n, nil
}

func (s *Store) queryEntities(ctx context.Context, query string, args ...any) ([]ir.Entity, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close()

	entities := []ir.Entity{}
	for rows.Next() {
		var e ir.Entity
		var props string
		var deleted int
		var modified int64
		if err := rows.Scan(&e.ID, &e.Category, &props, &deleted, &modified, &e.ContainerID); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		e.Properties, err = ir.UnmarshalProperties(props)
		if err != nil {
			return nil, fmt.Errorf("entity %s: %w", e.ID, err)
		}
		e.Deleted = deleted != 0
		e.LastModifiedUTC = fromNanos(modified)
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entities: %w", err)
	}
	return entities, nil
}

// inClause builds "?, ?, ?" and the matching argument slice.
func inClause[T any](values []T) (string, []any) {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", "), args
}
