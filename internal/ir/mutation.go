package ir

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// MutationOp is the graph operation carried by a mutation payload.
type MutationOp string

const (
	// OpUpsert creates the node or replaces its properties.
	OpUpsert MutationOp = "upsert"
	// OpDelete tombstones the node.
	OpDelete MutationOp = "delete"
)

// Mutation is the decoded form of a mutation payload.
//
// The target node id is deliberately absent: it travels in
// ChangeCommand.TargetEntityID and is handed to the executor alongside the
// payload.
type Mutation struct {
	Version     string     `json:"v"`
	Op          MutationOp `json:"op"`
	Category    string     `json:"category,omitempty"`
	Properties  Properties `json:"properties,omitempty"`
	ContainerID string     `json:"container_id,omitempty"`
}

// ErrMalformedPayload is returned when a payload cannot be decoded into a Mutation.
var ErrMalformedPayload = errors.New("malformed mutation payload")

// EncodeMutation serializes a mutation into an opaque payload.
func EncodeMutation(m Mutation) ([]byte, error) {
	if m.Version == "" {
		m.Version = PayloadVersion
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode mutation: %w", err)
	}
	return data, nil
}

// DecodeMutation parses and validates a payload produced by EncodeMutation.
func DecodeMutation(payload []byte) (Mutation, error) {
	var m Mutation
	if len(payload) == 0 {
		return m, fmt.Errorf("%w: empty payload", ErrMalformedPayload)
	}
	if err := json.Unmarshal(payload, &m); err != nil {
		return Mutation{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := m.validate(); err != nil {
		return Mutation{}, err
	}
	return m, nil
}

func (m Mutation) validate() error {
	if m.Version != PayloadVersion {
		return fmt.Errorf("%w: unsupported version %q", ErrMalformedPayload, m.Version)
	}
	switch m.Op {
	case OpUpsert:
		if m.Category == "" {
			return fmt.Errorf("%w: upsert without category", ErrMalformedPayload)
		}
	case OpDelete:
	default:
		return fmt.Errorf("%w: unknown op %q", ErrMalformedPayload, m.Op)
	}
	return nil
}

// UpsertPayload builds the payload that writes e's category, properties and
// container link.
func UpsertPayload(e Entity) ([]byte, error) {
	return EncodeMutation(Mutation{
		Op:          OpUpsert,
		Category:    e.Category,
		Properties:  e.Properties,
		ContainerID: e.ContainerID,
	})
}

// DeletePayload builds the payload that tombstones a node.
func DeletePayload() ([]byte, error) {
	return EncodeMutation(Mutation{Op: OpDelete})
}
