package harness

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/graphsync/internal/ir"
	"github.com/roach88/graphsync/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Expected string // Human-readable expected outcome
	Actual   string // Human-readable actual outcome
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	return fmt.Sprintf("Assertion failed: %s\n  Expected: %s\n  Actual: %s", e.Type, e.Expected, e.Actual)
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Ctx     context.Context
	Harness *Harness
}

// EvaluateAssertions checks every assertion against the final state and
// returns one message per failure.
func EvaluateAssertions(assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertChangeLog:
			err = assertChangeLog(actx.Ctx, actx.Harness.store, a)
		case AssertSessions:
			err = assertSessions(actx.Ctx, actx.Harness.store, a)
		case AssertEntity:
			err = assertEntity(actx.Harness, a)
		case AssertWatermark:
			err = assertWatermark(actx.Harness, a)
		case AssertAutoPulls:
			err = assertAutoPulls(actx.Harness, a)
		case AssertCacheState:
			err = assertCacheState(actx.Harness, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d: %v", i, err))
		}
	}
	return errs
}

// assertChangeLog counts central change-log entries matching the filter.
func assertChangeLog(ctx context.Context, st *store.Store, a Assertion) error {
	filter := store.ChangeLogFilter{SessionID: a.Session, TargetEntityID: a.Entity}
	if a.ChangeType != "" {
		ct, err := parseChangeType(a.ChangeType)
		if err != nil {
			return err
		}
		filter.ChangeType = ct
	}

	entries, err := st.ReadChangeLog(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to read change log: %w", err)
	}
	if len(entries) != *a.Count {
		return &AssertionError{
			Type:     AssertChangeLog,
			Expected: fmt.Sprintf("%d entries matching %s", *a.Count, describeFilter(filter)),
			Actual:   fmt.Sprintf("%d entries: %s", len(entries), describeEntries(entries)),
		}
	}
	return nil
}

func assertSessions(ctx context.Context, st *store.Store, a Assertion) error {
	sessions, err := st.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(sessions) != *a.Count {
		ids := make([]string, len(sessions))
		for i, s := range sessions {
			ids[i] = s.ID
		}
		return &AssertionError{
			Type:     AssertSessions,
			Expected: fmt.Sprintf("%d central sessions", *a.Count),
			Actual:   fmt.Sprintf("%d: %v", len(sessions), ids),
		}
	}
	return nil
}

// assertEntity checks the session's local model. Expected properties are a
// subset match compared by their printed form.
func assertEntity(h *Harness, a Assertion) error {
	ent, ok := h.sessions[a.Session].doc.Get(a.ID)
	if a.Absent {
		if ok && !ent.Deleted {
			return &AssertionError{
				Type:     AssertEntity,
				Expected: fmt.Sprintf("%s absent from %s", a.ID, a.Session),
				Actual:   fmt.Sprintf("present with %v", ent.Properties),
			}
		}
		return nil
	}
	if !ok || ent.Deleted {
		return &AssertionError{
			Type:     AssertEntity,
			Expected: fmt.Sprintf("%s present in %s", a.ID, a.Session),
			Actual:   "absent",
		}
	}

	for _, key := range sortedKeys(a.Expect) {
		want := a.Expect[key]
		got, present := ent.Properties[key]
		if !present || fmt.Sprint(got) != want {
			return &AssertionError{
				Type:     AssertEntity,
				Expected: fmt.Sprintf("%s.%s = %s", a.ID, key, want),
				Actual:   fmt.Sprintf("%v", got),
			}
		}
	}
	return nil
}

func assertWatermark(h *Harness, a Assertion) error {
	wm, err := h.sessions[a.Session].engine.Watermark()
	if err != nil {
		return fmt.Errorf("failed to load watermark: %w", err)
	}
	if got := h.offset(wm); got != a.At {
		return &AssertionError{
			Type:     AssertWatermark,
			Expected: fmt.Sprintf("%s watermark at %s", a.Session, a.At),
			Actual:   got,
		}
	}
	return nil
}

func assertAutoPulls(h *Harness, a Assertion) error {
	if got := h.sessions[a.Session].engine.Scheduler().Pulls(); got != *a.Count {
		return &AssertionError{
			Type:     AssertAutoPulls,
			Expected: fmt.Sprintf("%d automatic pulls by %s", *a.Count, a.Session),
			Actual:   fmt.Sprintf("%d", got),
		}
	}
	return nil
}

func assertCacheState(h *Harness, a Assertion) error {
	if h.cache == nil {
		return fmt.Errorf("cache_state needs cache: true")
	}
	records, err := h.cache.ListState(a.Session, ir.CacheState(a.State))
	if err != nil {
		return fmt.Errorf("failed to list cache records: %w", err)
	}
	if len(records) != *a.Count {
		return &AssertionError{
			Type:     AssertCacheState,
			Expected: fmt.Sprintf("%d %s records for %s", *a.Count, a.State, a.Session),
			Actual:   fmt.Sprintf("%d", len(records)),
		}
	}
	return nil
}

// matchExpect compares a step's trace event with its expectations. The
// "outcome" key matches the outcome; every other key must be a field with
// exactly that value.
func matchExpect(ev TraceEvent, expect map[string]string) []string {
	var errs []string
	for _, key := range sortedKeys(expect) {
		want := expect[key]
		if key == "outcome" {
			if ev.Outcome != want {
				errs = append(errs, fmt.Sprintf("expected outcome %s, got %s", want, ev.Outcome))
			}
			continue
		}
		got, ok := ev.Field(key)
		switch {
		case !ok:
			errs = append(errs, fmt.Sprintf("expected %s=%s, field missing", key, want))
		case got != want:
			errs = append(errs, fmt.Sprintf("expected %s=%s, got %s", key, want, got))
		}
	}
	return errs
}

func describeFilter(f store.ChangeLogFilter) string {
	var parts []string
	if f.SessionID != "" {
		parts = append(parts, "session="+f.SessionID)
	}
	if f.TargetEntityID != "" {
		parts = append(parts, "entity="+f.TargetEntityID)
	}
	if f.ChangeType != "" {
		parts = append(parts, "type="+string(f.ChangeType))
	}
	if len(parts) == 0 {
		return "any entry"
	}
	return strings.Join(parts, " ")
}

func describeEntries(entries []ir.ChangeLogEntry) string {
	if len(entries) == 0 {
		return "none"
	}
	parts := make([]string, len(entries))
	for i, e := range entries {
		parts[i] = fmt.Sprintf("%d:%s/%s/%s", e.ID, e.SessionID, e.TargetEntityID, e.ChangeType)
	}
	return strings.Join(parts, ", ")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
