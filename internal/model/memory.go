package model

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/goccy/go-json"

	"github.com/roach88/graphsync/internal/ir"
)

// Memory is an in-process Document with optional JSON snapshot persistence.
type Memory struct {
	mu       sync.Mutex
	entities map[string]ir.Entity
	held     bool // an edit (host or Tx) holds the model
}

// NewMemory returns an empty document.
func NewMemory() *Memory {
	return &Memory{entities: make(map[string]ir.Entity)}
}

// LoadMemory reads a snapshot written by Save. A missing file yields an empty
// document.
func LoadMemory(path string) (*Memory, error) {
	m := NewMemory()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", path, err)
	}

	var entities []ir.Entity
	if err := json.Unmarshal(data, &entities); err != nil {
		return nil, fmt.Errorf("load model %s: %w", path, err)
	}
	for _, e := range entities {
		m.entities[e.ID] = e
	}
	return m, nil
}

// Save writes a snapshot atomically (temp file + rename).
func (m *Memory) Save(path string) error {
	data, err := json.MarshalIndent(m.Entities(), "", "  ")
	if err != nil {
		return fmt.Errorf("save model: %w", err)
	}
	return writeFileAtomic(path, data)
}

// Hold marks the model as busy with a host edit until release is called.
// Begin returns ErrLocked meanwhile.
func (m *Memory) Hold() (release func(), err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held {
		return nil, ErrLocked
	}
	m.held = true
	return func() {
		m.mu.Lock()
		m.held = false
		m.mu.Unlock()
	}, nil
}

// Begin implements Document.
func (m *Memory) Begin() (Tx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held {
		return nil, ErrLocked
	}
	m.held = true
	return &memoryTx{
		m:       m,
		puts:    make(map[string]ir.Entity),
		removes: make(map[string]bool),
	}, nil
}

// Entities implements Document. Results are ordered by id.
func (m *Memory) Entities() []ir.Entity {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ir.Entity, 0, len(m.entities))
	for _, e := range m.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns one entity.
func (m *Memory) Get(id string) (ir.Entity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[id]
	return e, ok
}

type memoryTx struct {
	m       *Memory
	puts    map[string]ir.Entity
	removes map[string]bool
	done    bool
}

func (tx *memoryTx) Lookup(id string) (ir.Entity, bool) {
	if tx.removes[id] {
		return ir.Entity{}, false
	}
	if e, ok := tx.puts[id]; ok {
		return e, true
	}
	return tx.m.Get(id)
}

func (tx *memoryTx) FindByName(category, name string) (ir.Entity, bool) {
	var candidates []ir.Entity
	for _, e := range tx.m.Entities() {
		if _, staged := tx.puts[e.ID]; !staged && !tx.removes[e.ID] {
			candidates = append(candidates, e)
		}
	}
	for _, e := range tx.puts {
		candidates = append(candidates, e)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	for _, e := range candidates {
		if category != "" && e.Category != category {
			continue
		}
		if ir.Normalize(e.Properties.String("name")) == name {
			return e, true
		}
	}
	return ir.Entity{}, false
}

func (tx *memoryTx) Put(e ir.Entity) {
	delete(tx.removes, e.ID)
	tx.puts[e.ID] = e
}

func (tx *memoryTx) Remove(id string) {
	delete(tx.puts, id)
	tx.removes[id] = true
}

func (tx *memoryTx) Commit() error {
	if tx.done {
		return fmt.Errorf("commit: transaction already finished")
	}
	tx.done = true

	tx.m.mu.Lock()
	defer tx.m.mu.Unlock()
	for id := range tx.removes {
		delete(tx.m.entities, id)
	}
	for id, e := range tx.puts {
		tx.m.entities[id] = e
	}
	tx.m.held = false
	return nil
}

func (tx *memoryTx) Rollback() {
	if tx.done {
		return
	}
	tx.done = true
	tx.m.mu.Lock()
	tx.m.held = false
	tx.m.mu.Unlock()
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename to %s: %w", path, err)
	}
	return nil
}
