package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	globalWatermarkFile = "watermark.txt"
	watermarkFilePrefix = "watermark-"
	watermarkFileSuffix = ".txt"
)

// WatermarkStore persists each session's local watermark as an RFC 3339
// timestamp in <dir>/watermark-<session>.txt, mirrored to a global
// <dir>/watermark.txt that a new session on the same machine falls back to.
//
// Writes are atomic (temp file + rename). Thread-safe.
type WatermarkStore struct {
	dir string
	mu  sync.Mutex
}

// NewWatermarkStore creates the directory if needed.
func NewWatermarkStore(dir string) (*WatermarkStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create watermark dir %s: %w", dir, err)
	}
	return &WatermarkStore{dir: dir}, nil
}

// Load returns the session's watermark, falling back to the global file and
// then to the zero time.
func (w *WatermarkStore) Load(sessionID string) (time.Time, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.load(sessionID)
}

// Save writes the session's watermark unconditionally.
func (w *WatermarkStore) Save(sessionID string, at time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.save(sessionID, at)
}

// Advance moves the watermark to at if at is later than the stored value.
// It returns the resulting watermark and whether it moved.
func (w *WatermarkStore) Advance(sessionID string, at time.Time) (time.Time, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	current, err := w.load(sessionID)
	if err != nil {
		return time.Time{}, false, err
	}
	if !at.After(current) {
		return current, false, nil
	}
	if err := w.save(sessionID, at); err != nil {
		return current, false, err
	}
	return at.UTC(), true, nil
}

// Reset removes the session's file so the next Load falls back to the global
// watermark. Missing files are not an error.
func (w *WatermarkStore) Reset(sessionID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := os.Remove(w.sessionPath(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reset watermark %s: %w", sessionID, err)
	}
	return nil
}

func (w *WatermarkStore) load(sessionID string) (time.Time, error) {
	for _, path := range []string{w.sessionPath(sessionID), filepath.Join(w.dir, globalWatermarkFile)} {
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return time.Time{}, fmt.Errorf("read watermark %s: %w", path, err)
		}
		t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(data)))
		if err != nil {
			return time.Time{}, fmt.Errorf("parse watermark %s: %w", path, err)
		}
		return t.UTC(), nil
	}
	return time.Time{}, nil
}

func (w *WatermarkStore) save(sessionID string, at time.Time) error {
	data := []byte(at.UTC().Format(time.RFC3339Nano) + "\n")
	if err := writeFileAtomic(w.sessionPath(sessionID), data); err != nil {
		return fmt.Errorf("save watermark %s: %w", sessionID, err)
	}
	if err := writeFileAtomic(filepath.Join(w.dir, globalWatermarkFile), data); err != nil {
		return fmt.Errorf("save global watermark: %w", err)
	}
	return nil
}

func (w *WatermarkStore) sessionPath(sessionID string) string {
	return filepath.Join(w.dir, watermarkFilePrefix+sanitizeFileName(sessionID)+watermarkFileSuffix)
}

func sanitizeFileName(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', 0:
			return '_'
		}
		return r
	}, s)
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
