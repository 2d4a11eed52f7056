package cache

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/goccy/go-json"
	"github.com/oklog/ulid/v2"

	"github.com/roach88/graphsync/internal/ir"
)

var (
	// ErrNotFound is returned when a record ref does not exist.
	ErrNotFound = errors.New("cache record not found")
	// ErrDigestMismatch is returned when a record's payload no longer matches
	// the digest taken when it was staged.
	ErrDigestMismatch = errors.New("cache record digest mismatch")
	// ErrClosed is returned by operations on a closed cache.
	ErrClosed = errors.New("cache closed")
)

const keyPrefix = "chg\x00"

// Cache is the Pebble-backed change cache. Safe for concurrent use.
type Cache struct {
	mu     sync.RWMutex
	db     *pebble.DB
	closed bool
}

// Open opens (or creates) the cache database in dir.
func Open(dir string) (*Cache, error) {
	opts := pebble.Options{}
	db, err := pebble.Open(dir, &opts)
	if err != nil {
		return nil, fmt.Errorf("open change cache %s: %w", dir, err)
	}
	return &Cache{db: db}, nil
}

// Close flushes and closes the database. Closing twice is a no-op.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.db.Close()
}

// Write stages cmd for sessionID and returns the stored record.
// The record is synced to disk before Write returns.
func (c *Cache) Write(sessionID string, cmd ir.ChangeCommand, at time.Time) (ir.CachedChange, error) {
	rec := ir.CachedChange{
		Ref:            ulid.MustNew(ulid.Timestamp(at), ulid.DefaultEntropy()).String(),
		SessionID:      sessionID,
		TargetEntityID: cmd.TargetEntityID,
		ChangeType:     cmd.ChangeType,
		Payload:        cmd.Payload,
		TimestampUTC:   at.UTC(),
		Digest:         ir.PayloadDigest(cmd.Payload),
		State:          ir.CacheStaged,
	}
	if err := c.put(rec); err != nil {
		return ir.CachedChange{}, err
	}
	return rec, nil
}

// MarkState moves the given records of sessionID to state.
// Unknown refs fail the whole call; no record is changed in that case.
func (c *Cache) MarkState(sessionID string, state ir.CacheState, refs ...string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}

	batch := c.db.NewBatch()
	defer batch.Close()

	for _, ref := range refs {
		key := recordKey(sessionID, ref)
		rec, err := c.get(key)
		if err != nil {
			return fmt.Errorf("mark %s %s: %w", ref, state, err)
		}
		rec.State = state
		value, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("mark %s %s: encode: %w", ref, state, err)
		}
		if err := batch.Set(key, value, nil); err != nil {
			return fmt.Errorf("mark %s %s: %w", ref, state, err)
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("mark %s: commit: %w", state, err)
	}
	return nil
}

// Get returns one record.
func (c *Cache) Get(sessionID, ref string) (ir.CachedChange, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ir.CachedChange{}, ErrClosed
	}
	return c.get(recordKey(sessionID, ref))
}

// List returns every record staged by sessionID in staging order.
func (c *Cache) List(sessionID string) ([]ir.CachedChange, error) {
	return c.scan(sessionID, func(ir.CachedChange) bool { return true })
}

// ListState returns the records of sessionID currently in state, in staging
// order.
func (c *Cache) ListState(sessionID string, state ir.CacheState) ([]ir.CachedChange, error) {
	return c.scan(sessionID, func(rec ir.CachedChange) bool { return rec.State == state })
}

// Verify checks rec's payload against its staged digest.
func Verify(rec ir.CachedChange) error {
	if ir.PayloadDigest(rec.Payload) != rec.Digest {
		return fmt.Errorf("%s: %w", rec.Ref, ErrDigestMismatch)
	}
	return nil
}

func (c *Cache) put(rec ir.CachedChange) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}

	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("stage %s: encode: %w", rec.TargetEntityID, err)
	}
	if err := c.db.Set(recordKey(rec.SessionID, rec.Ref), value, pebble.Sync); err != nil {
		return fmt.Errorf("stage %s: %w", rec.TargetEntityID, err)
	}
	return nil
}

func (c *Cache) get(key []byte) (ir.CachedChange, error) {
	value, closer, err := c.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return ir.CachedChange{}, ErrNotFound
	}
	if err != nil {
		return ir.CachedChange{}, err
	}
	defer closer.Close()

	var rec ir.CachedChange
	if err := json.Unmarshal(value, &rec); err != nil {
		return ir.CachedChange{}, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

func (c *Cache) scan(sessionID string, keep func(ir.CachedChange) bool) ([]ir.CachedChange, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}

	lower, upper := sessionBounds(sessionID)
	it := c.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	defer it.Close()

	records := []ir.CachedChange{}
	for valid := it.First(); valid; valid = it.Next() {
		var rec ir.CachedChange
		if err := json.Unmarshal(it.Value(), &rec); err != nil {
			return nil, fmt.Errorf("decode record %q: %w", it.Key(), err)
		}
		if keep(rec) {
			records = append(records, rec)
		}
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("scan session %s: %w", sessionID, err)
	}
	return records, nil
}

// recordKey is keyPrefix + session + 0x00 + ref. ULID refs sort by staging
// time, so a prefix scan yields staging order.
func recordKey(sessionID, ref string) []byte {
	var b bytes.Buffer
	b.Grow(len(keyPrefix) + len(sessionID) + 1 + len(ref))
	b.WriteString(keyPrefix)
	b.WriteString(sessionID)
	b.WriteByte(0)
	b.WriteString(ref)
	return b.Bytes()
}

func sessionBounds(sessionID string) (lower, upper []byte) {
	lower = append([]byte(keyPrefix+sessionID), 0)
	upper = append([]byte(keyPrefix+sessionID), 1)
	return lower, upper
}
