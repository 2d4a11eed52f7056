package cli

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/graphsync/internal/engine"
	"github.com/roach88/graphsync/internal/ir"
)

// ChangeFile is the YAML document accepted by `graphsync push --file`.
//
//	changes:
//	  - type: insert
//	    id: "123"
//	    category: wall
//	    container: level-1
//	    properties:
//	      name: W1
//	  - type: delete
//	    id: "7"
type ChangeFile struct {
	Changes []ChangeSpec `yaml:"changes"`
}

// ChangeSpec is one local change to submit.
type ChangeSpec struct {
	Type       string         `yaml:"type"`
	ID         string         `yaml:"id"`
	Category   string         `yaml:"category"`
	Container  string         `yaml:"container"`
	Properties map[string]any `yaml:"properties"`
}

// LoadChangeFile parses path. Every change must name a known type and an id;
// inserts and modifies also need a category.
func LoadChangeFile(path string) (ChangeFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ChangeFile{}, fmt.Errorf("read change file: %w", err)
	}
	var f ChangeFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return ChangeFile{}, fmt.Errorf("parse change file %s: %w", path, err)
	}
	for i, c := range f.Changes {
		ct, err := parseChangeType(c.Type)
		if err != nil {
			return ChangeFile{}, fmt.Errorf("change %d: %w", i, err)
		}
		if strings.TrimSpace(c.ID) == "" {
			return ChangeFile{}, fmt.Errorf("change %d: id is required", i)
		}
		if ct != ir.ChangeDelete && c.Category == "" {
			return ChangeFile{}, fmt.Errorf("change %d (%s): category is required for %s", i, c.ID, ct)
		}
	}
	return f, nil
}

// parseChangeType accepts the change type in any letter case.
func parseChangeType(s string) (ir.ChangeType, error) {
	for _, ct := range []ir.ChangeType{ir.ChangeInsert, ir.ChangeModify, ir.ChangeDelete} {
		if strings.EqualFold(s, string(ct)) {
			return ct, nil
		}
	}
	return "", fmt.Errorf("unknown change type %q", s)
}

// submitChanges queues every change of f on e, in file order.
func submitChanges(e *engine.Engine, f ChangeFile) error {
	for _, c := range f.Changes {
		ct, err := parseChangeType(c.Type)
		if err != nil {
			return err
		}
		ent := ir.Entity{
			ID:          c.ID,
			Category:    c.Category,
			Properties:  ir.Properties(c.Properties),
			ContainerID: c.Container,
		}
		switch ct {
		case ir.ChangeInsert:
			err = e.SubmitInsert(ent)
		case ir.ChangeModify:
			err = e.SubmitModify(ent)
		case ir.ChangeDelete:
			err = e.SubmitDelete(c.ID)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
