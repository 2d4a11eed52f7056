// Package model defines the local replica a session edits and the builders
// that apply pulled entities to it.
//
// The host application owns the real document. graphsync only needs a
// transactional view of it keyed by stable entity id, which Document and Tx
// describe. Memory is a self-contained implementation used by the CLI and in
// tests.
package model

import (
	"errors"

	"github.com/roach88/graphsync/internal/ir"
)

// ErrLocked is returned by Document.Begin while another edit holds the model.
var ErrLocked = errors.New("model is locked by another edit")

// Document is the local model. All methods are called on the model goroutine.
type Document interface {
	// Begin opens a local transaction. It returns ErrLocked when the host
	// is in the middle of another edit.
	Begin() (Tx, error)
	// Entities returns a snapshot of every live entity.
	Entities() []ir.Entity
}

// Tx is one local transaction.
type Tx interface {
	Lookup(id string) (ir.Entity, bool)
	// FindByName returns the first live entity whose "name" property equals
	// name, optionally restricted to a category.
	FindByName(category, name string) (ir.Entity, bool)
	Put(e ir.Entity)
	Remove(id string)
	Commit() error
	Rollback()
}

// Converter translates between a category's local representation and graph
// node properties.
type Converter interface {
	Category() string
	ToGraph(e ir.Entity) (ir.Properties, error)
	FromGraph(props ir.Properties) (ir.Properties, error)
}

// PassThrough is a Converter for categories whose local properties are already
// graph properties.
type PassThrough string

func (p PassThrough) Category() string { return string(p) }

func (p PassThrough) ToGraph(e ir.Entity) (ir.Properties, error) {
	return ir.NormalizeProperties(e.Properties), nil
}

func (p PassThrough) FromGraph(props ir.Properties) (ir.Properties, error) {
	return ir.NormalizeProperties(props), nil
}
