package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/roach88/graphsync/internal/model"
)

// SessionHandle binds a live session id to its local model.
type SessionHandle struct {
	ID         string
	Doc        model.Document
	Registered time.Time

	watermarks *WatermarkStore
}

// Watermark returns the session's persisted local watermark.
func (h *SessionHandle) Watermark() (time.Time, error) {
	if h.watermarks == nil {
		return time.Time{}, nil
	}
	return h.watermarks.Load(h.ID)
}

// SessionRegistry tracks the sessions live in this process.
//
// Thread-safety: all methods are safe for concurrent use.
type SessionRegistry struct {
	sessions *xsync.MapOf[string, *SessionHandle]

	mu      sync.RWMutex
	current string
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: xsync.NewMapOf[string, *SessionHandle]()}
}

// Register adds a session. The first registered session becomes current.
// Registering an id twice returns the existing handle.
func (r *SessionRegistry) Register(id string, doc model.Document, watermarks *WatermarkStore, at time.Time) *SessionHandle {
	h, _ := r.sessions.LoadOrStore(id, &SessionHandle{
		ID:         id,
		Doc:        doc,
		Registered: at,
		watermarks: watermarks,
	})

	r.mu.Lock()
	if r.current == "" {
		r.current = id
	}
	r.mu.Unlock()
	return h
}

// Lookup returns the handle for id.
func (r *SessionRegistry) Lookup(id string) (*SessionHandle, bool) {
	return r.sessions.Load(id)
}

// Current returns the current session's handle.
func (r *SessionRegistry) Current() (*SessionHandle, bool) {
	r.mu.RLock()
	id := r.current
	r.mu.RUnlock()
	if id == "" {
		return nil, false
	}
	return r.sessions.Load(id)
}

// SetCurrent switches the current session. The id must be registered.
func (r *SessionRegistry) SetCurrent(id string) error {
	if _, ok := r.sessions.Load(id); !ok {
		return fmt.Errorf("session %s is not registered", id)
	}
	r.mu.Lock()
	r.current = id
	r.mu.Unlock()
	return nil
}

// Remove drops a session. Removing the current session leaves no current
// session.
func (r *SessionRegistry) Remove(id string) {
	r.sessions.Delete(id)
	r.mu.Lock()
	if r.current == id {
		r.current = ""
	}
	r.mu.Unlock()
}

// Range calls f for every registered session until f returns false.
func (r *SessionRegistry) Range(f func(h *SessionHandle) bool) {
	r.sessions.Range(func(_ string, h *SessionHandle) bool {
		return f(h)
	})
}

// Len returns the number of registered sessions.
func (r *SessionRegistry) Len() int {
	return r.sessions.Size()
}
