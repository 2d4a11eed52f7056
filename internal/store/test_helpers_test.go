package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/graphsync/internal/ir"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// createTestStore creates a new file-backed store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func upsertPayload(t *testing.T, category string, props ir.Properties, container string) []byte {
	t.Helper()
	p, err := ir.UpsertPayload(ir.Entity{Category: category, Properties: props, ContainerID: container})
	if err != nil {
		t.Fatalf("UpsertPayload() failed: %v", err)
	}
	return p
}

func deletePayload(t *testing.T) []byte {
	t.Helper()
	p, err := ir.DeletePayload()
	if err != nil {
		t.Fatalf("DeletePayload() failed: %v", err)
	}
	return p
}

// applyChange runs one full push step (mutation, log entry, touch, link) in
// its own transaction and returns the change-log id.
func applyChange(t *testing.T, s *Store, sessionID, entityID string, ct ir.ChangeType, payload []byte, at time.Time) int64 {
	t.Helper()
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() failed: %v", err)
	}
	defer tx.Rollback()

	if err := tx.UpsertSession(ctx, sessionID, at, at); err != nil {
		t.Fatalf("UpsertSession() failed: %v", err)
	}
	m, err := tx.ExecMutation(ctx, entityID, payload)
	if err != nil {
		t.Fatalf("ExecMutation() failed: %v", err)
	}
	id, err := tx.AppendChangeLog(ctx, ir.ChangeLogEntry{
		SessionID:      sessionID,
		TargetEntityID: entityID,
		ChangeType:     ct,
		Timestamp:      at,
	})
	if err != nil {
		t.Fatalf("AppendChangeLog() failed: %v", err)
	}
	if err := tx.TouchEntity(ctx, entityID, at); err != nil {
		t.Fatalf("TouchEntity() failed: %v", err)
	}
	if m.ContainerID != "" {
		if err := tx.LinkContainer(ctx, entityID, m.ContainerID); err != nil {
			t.Fatalf("LinkContainer() failed: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}
	return id
}
