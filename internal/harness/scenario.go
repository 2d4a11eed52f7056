package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario defines a multi-session sync scenario.
// Sessions share one central store and one manual clock; steps run in order
// and the final state is checked by assertions.
type Scenario struct {
	// Name uniquely identifies this scenario (also the golden file name).
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Sessions lists the session ids taking part. Each gets its own engine,
	// local model and watermark directory.
	Sessions []string `yaml:"sessions"`

	// Tick is how far the clock moves after every step other than advance.
	// Defaults to DefaultTick.
	Tick string `yaml:"tick,omitempty"`

	// Cache enables a shared change cache so failed pushes can be replayed.
	Cache bool `yaml:"cache,omitempty"`

	// Steps is the main flow.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// DefaultTick keeps consecutive steps at distinct timestamps.
const DefaultTick = 10 * time.Millisecond

// Step is one operation of the flow.
type Step struct {
	// Session runs the step. Required for every op except advance; gc
	// defaults to the first session.
	Session string `yaml:"session,omitempty"`

	// Op is one of the Op* constants.
	Op string `yaml:"op"`

	// Changes are queued by submit.
	Changes []Change `yaml:"changes,omitempty"`

	// Duration is how far advance moves the clock, e.g. "3s".
	Duration string `yaml:"duration,omitempty"`

	// Entries restricts ack to these change-log entry ids; empty means all.
	Entries []int64 `yaml:"entries,omitempty"`

	// Expect is a subset match against the step's trace event: "outcome"
	// matches the outcome, every other key a field.
	Expect map[string]string `yaml:"expect,omitempty"`
}

// Change is one local edit queued by submit.
type Change struct {
	Type       string         `yaml:"type"`
	ID         string         `yaml:"id"`
	Category   string         `yaml:"category,omitempty"`
	Container  string         `yaml:"container,omitempty"`
	Properties map[string]any `yaml:"properties,omitempty"`

	// Raw replaces the encoded mutation with these bytes, to inject a
	// command the central store will reject.
	Raw string `yaml:"raw,omitempty"`
}

// Step operations.
const (
	OpSubmit  = "submit"
	OpPush    = "push"
	OpPull    = "pull"
	OpStatus  = "status"
	OpGC      = "gc"
	OpAck     = "ack"
	OpReplay  = "replay"
	OpNotify  = "notify"
	OpAdvance = "advance"
	OpHold    = "hold"
	OpRelease = "release"
)

var validOps = map[string]bool{
	OpSubmit: true, OpPush: true, OpPull: true, OpStatus: true, OpGC: true, OpAck: true,
	OpReplay: true, OpNotify: true, OpAdvance: true, OpHold: true, OpRelease: true,
}

// Assertion validates the final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Session scopes the assertion (change_log filter, entity, watermark,
	// auto_pulls, cache_state).
	Session string `yaml:"session,omitempty"`

	// Entity filters change_log by target id.
	Entity string `yaml:"entity,omitempty"`

	// ChangeType filters change_log by change type.
	ChangeType string `yaml:"change_type,omitempty"`

	// ID names the local entity checked by entity.
	ID string `yaml:"id,omitempty"`

	// Absent requires the local entity not to exist.
	Absent bool `yaml:"absent,omitempty"`

	// Expect is a subset match on local entity properties.
	Expect map[string]string `yaml:"expect,omitempty"`

	// State is the cache state counted by cache_state.
	State string `yaml:"state,omitempty"`

	// At is the expected watermark as an offset from the scenario start,
	// e.g. "+4.06s", or "never".
	At string `yaml:"at,omitempty"`

	// Count is the expected number of matches (change_log, sessions,
	// auto_pulls, cache_state).
	Count *int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertChangeLog  = "change_log"
	AssertEntity     = "entity"
	AssertWatermark  = "watermark"
	AssertSessions   = "sessions"
	AssertAutoPulls  = "auto_pulls"
	AssertCacheState = "cache_state"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// tick returns the parsed Tick.
func (s *Scenario) tick() time.Duration {
	if s.Tick == "" {
		return DefaultTick
	}
	d, _ := time.ParseDuration(s.Tick)
	return d
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Sessions) == 0 {
		return fmt.Errorf("sessions list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if s.Tick != "" {
		if d, err := time.ParseDuration(s.Tick); err != nil || d < 0 {
			return fmt.Errorf("tick %q is not a non-negative duration", s.Tick)
		}
	}

	known := make(map[string]bool, len(s.Sessions))
	for _, id := range s.Sessions {
		if id == "" {
			return fmt.Errorf("session ids must be non-empty")
		}
		if known[id] {
			return fmt.Errorf("duplicate session %q", id)
		}
		known[id] = true
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step, known, s.Cache); err != nil {
			return err
		}
	}
	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i], known); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, step Step, sessions map[string]bool, cache bool) error {
	if !validOps[step.Op] {
		return fmt.Errorf("steps[%d]: unknown op %q", i, step.Op)
	}
	switch step.Op {
	case OpAdvance:
		if step.Duration == "" {
			return fmt.Errorf("steps[%d]: duration is required for advance", i)
		}
		if d, err := time.ParseDuration(step.Duration); err != nil || d <= 0 {
			return fmt.Errorf("steps[%d]: duration %q is not a positive duration", i, step.Duration)
		}
		return nil
	case OpGC:
		if step.Session == "" {
			return nil
		}
	case OpSubmit:
		if len(step.Changes) == 0 {
			return fmt.Errorf("steps[%d]: changes are required for submit", i)
		}
		for j, c := range step.Changes {
			if c.ID == "" {
				return fmt.Errorf("steps[%d].changes[%d]: id is required", i, j)
			}
			if _, err := parseChangeType(c.Type); err != nil {
				return fmt.Errorf("steps[%d].changes[%d]: %w", i, j, err)
			}
		}
	case OpReplay:
		if !cache {
			return fmt.Errorf("steps[%d]: replay needs cache: true", i)
		}
	}

	if step.Session == "" {
		return fmt.Errorf("steps[%d]: session is required for %s", i, step.Op)
	}
	if !sessions[step.Session] {
		return fmt.Errorf("steps[%d]: unknown session %q", i, step.Session)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, sessions map[string]bool) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	if a.Session != "" && !sessions[a.Session] {
		return fmt.Errorf("assertions[%d]: unknown session %q", index, a.Session)
	}

	needSession := func() error {
		if a.Session == "" {
			return fmt.Errorf("assertions[%d]: session is required for %s", index, a.Type)
		}
		return nil
	}
	needCount := func() error {
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: non-negative count is required for %s", index, a.Type)
		}
		return nil
	}

	switch a.Type {
	case AssertChangeLog, AssertSessions:
		return needCount()
	case AssertEntity:
		if err := needSession(); err != nil {
			return err
		}
		if a.ID == "" {
			return fmt.Errorf("assertions[%d]: id is required for entity", index)
		}
	case AssertWatermark:
		if err := needSession(); err != nil {
			return err
		}
		if a.At == "" {
			return fmt.Errorf("assertions[%d]: at is required for watermark", index)
		}
	case AssertAutoPulls:
		if err := needSession(); err != nil {
			return err
		}
		return needCount()
	case AssertCacheState:
		if err := needSession(); err != nil {
			return err
		}
		if a.State == "" {
			return fmt.Errorf("assertions[%d]: state is required for cache_state", index)
		}
		return needCount()
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
