package harness

import (
	"fmt"
	"strings"
	"time"
)

// Field is one key/value detail of a trace event. Fields keep their order so
// rendered traces are stable.
type Field struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// TraceEvent records one executed step.
type TraceEvent struct {
	// Step is the 1-based position in the scenario's steps.
	Step int `json:"step"`
	// At is the clock offset from the scenario start when the step ran.
	At time.Duration `json:"at"`
	// Session ran the step; "-" for advance.
	Session string `json:"session"`
	Op      string `json:"op"`
	// Outcome is "ok", "skipped", a sync error code, or "error".
	Outcome string  `json:"outcome"`
	Fields  []Field `json:"fields,omitempty"`
}

// Field returns the value of key and whether it is present.
func (e TraceEvent) Field(key string) (string, bool) {
	for _, f := range e.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

// String renders the event as one trace line.
func (e TraceEvent) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d] +%s %s %s %s", e.Step, e.At, e.Session, e.Op, e.Outcome)
	for _, f := range e.Fields {
		fmt.Fprintf(&b, " %s=%s", f.Key, f.Value)
	}
	return b.String()
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if every step expectation, principle and assertion held.
	Pass bool `json:"pass"`

	// Trace contains one event per executed step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
// Used as the starting point for test execution.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddEvent appends ev to the trace.
func (r *Result) AddEvent(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}

// Render returns the textual trace: a header line followed by one line per
// event.
func (r *Result) Render(name string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "scenario: %s\n", name)
	for _, ev := range r.Trace {
		b.WriteString(ev.String())
		b.WriteByte('\n')
	}
	return b.String()
}
