package model

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/roach88/graphsync/internal/ir"
)

// ContainerNameKey is the property a node may carry naming its container.
// Builders use it to find the container when the container id is unknown
// locally.
const ContainerNameKey = "container_name"

// ApplyResult summarises one Builder.Apply call.
type ApplyResult struct {
	Created  int
	Updated  int
	Removed  int
	Degraded int // container reference dropped
}

// Builder applies pulled entities of one category to a local transaction.
type Builder struct {
	conv Converter
	log  *zap.SugaredLogger
}

// NewBuilder returns a builder for conv's category.
func NewBuilder(conv Converter, log *zap.SugaredLogger) *Builder {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Builder{conv: conv, log: log.With("category", conv.Category())}
}

// Category returns the category this builder handles.
func (b *Builder) Category() string { return b.conv.Category() }

// Apply upserts or removes each entity in tx, keyed by entity id.
//
// Container references resolve by id first, then by the container_name
// property. An unresolvable reference is dropped and the entity is still
// applied. Only a converter failure aborts.
func (b *Builder) Apply(tx Tx, entities []ir.Entity) (ApplyResult, error) {
	var res ApplyResult
	for _, remote := range entities {
		if remote.Deleted {
			if _, ok := tx.Lookup(remote.ID); ok {
				tx.Remove(remote.ID)
				res.Removed++
			}
			continue
		}

		props, err := b.conv.FromGraph(remote.Properties)
		if err != nil {
			return res, fmt.Errorf("convert %s: %w", remote.ID, err)
		}

		local := ir.Entity{
			ID:              remote.ID,
			Category:        remote.Category,
			Properties:      props,
			LastModifiedUTC: remote.LastModifiedUTC,
		}
		if container, ok := b.resolveContainer(tx, remote); ok {
			local.ContainerID = container
		} else if remote.ContainerID != "" || remote.Properties.String(ContainerNameKey) != "" {
			res.Degraded++
		}

		if _, exists := tx.Lookup(remote.ID); exists {
			res.Updated++
		} else {
			res.Created++
		}
		tx.Put(local)
	}
	return res, nil
}

func (b *Builder) resolveContainer(tx Tx, remote ir.Entity) (string, bool) {
	if remote.ContainerID != "" {
		if _, ok := tx.Lookup(remote.ContainerID); ok {
			return remote.ContainerID, true
		}
	}

	name := remote.Properties.String(ContainerNameKey)
	if name != "" {
		if found, ok := tx.FindByName("", ir.Normalize(name)); ok {
			b.log.Debugw("container resolved by name",
				"entity_id", remote.ID,
				"container_id", remote.ContainerID,
				"resolved_id", found.ID,
			)
			return found.ID, true
		}
	}

	if remote.ContainerID != "" || name != "" {
		b.log.Warnw("container not found locally; applying without it",
			"entity_id", remote.ID,
			"container_id", remote.ContainerID,
			"container_name", name,
		)
	}
	return "", false
}
