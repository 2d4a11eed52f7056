package harness

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/roach88/graphsync/internal/ir"
	"github.com/roach88/graphsync/internal/store"
)

// Principle is a property that must hold after every step of every
// scenario, whatever the steps were.
type Principle struct {
	Name  string
	Check func(ctx context.Context, h *Harness, ev TraceEvent) error
}

// Principles are checked by Run after each step.
var Principles = []Principle{
	{Name: "watermark-monotonic", Check: checkWatermarkMonotonic},
	{Name: "single-insert-entry", Check: checkSingleInsertEntry},
	{Name: "retention-cutoff", Check: checkRetentionCutoff},
}

func (h *Harness) checkPrinciples(ctx context.Context, ev TraceEvent) []string {
	var errs []string
	for _, p := range Principles {
		if err := p.Check(ctx, h, ev); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", p.Name, err))
		}
	}
	return errs
}

// checkWatermarkMonotonic verifies no session's watermark moved backwards.
func checkWatermarkMonotonic(_ context.Context, h *Harness, _ TraceEvent) error {
	for _, id := range h.order {
		s := h.sessions[id]
		wm, err := s.engine.Watermark()
		if err != nil {
			return fmt.Errorf("load watermark of %s: %w", id, err)
		}
		if wm.Before(s.lastWatermark) {
			return fmt.Errorf("%s watermark moved back from %s to %s", id, h.offset(s.lastWatermark), h.offset(wm))
		}
		s.lastWatermark = wm
	}
	return nil
}

// checkSingleInsertEntry verifies the central log holds at most one Insert
// entry per session and target entity.
func checkSingleInsertEntry(ctx context.Context, h *Harness, _ TraceEvent) error {
	entries, err := h.store.ReadChangeLog(ctx, store.ChangeLogFilter{ChangeType: ir.ChangeInsert})
	if err != nil {
		return fmt.Errorf("read change log: %w", err)
	}
	seen := make(map[[2]string]int64, len(entries))
	for _, e := range entries {
		key := [2]string{e.SessionID, e.TargetEntityID}
		if prev, ok := seen[key]; ok {
			return fmt.Errorf("entries %d and %d both insert %s for %s", prev, e.ID, e.TargetEntityID, e.SessionID)
		}
		seen[key] = e.ID
	}
	return nil
}

// checkRetentionCutoff verifies that after a gc step no entry older than the
// reported cutoff survived.
func checkRetentionCutoff(ctx context.Context, h *Harness, ev TraceEvent) error {
	if ev.Op != OpGC || ev.Outcome != "ok" {
		return nil
	}
	cutoff, _ := ev.Field("cutoff")
	if cutoff == "never" {
		return nil
	}
	entries, err := h.store.ReadChangeLog(ctx, store.ChangeLogFilter{})
	if err != nil {
		return fmt.Errorf("read change log: %w", err)
	}
	for _, e := range entries {
		if at := h.offset(e.Timestamp); e.Timestamp.Sub(Epoch) < parseOffset(cutoff) {
			return fmt.Errorf("entry %d at %s survived cutoff %s", e.ID, at, cutoff)
		}
	}
	return nil
}

// parseOffset reverses Harness.offset for non-zero times.
func parseOffset(s string) time.Duration {
	d, _ := time.ParseDuration(s[1:])
	return d
}

// ValidationResult summarises a directory of scenarios.
type ValidationResult struct {
	TotalScenarios int               `json:"total_scenarios"`
	Passed         int               `json:"passed"`
	Failed         int               `json:"failed"`
	Failures       []ScenarioFailure `json:"failures,omitempty"`
}

// ScenarioFailure represents one scenario that did not pass.
type ScenarioFailure struct {
	ScenarioPath string `json:"scenario_path"`
	Error        string `json:"error"`
}

// ValidateScenarios loads and runs every *.yaml scenario in dir, in name
// order.
//
// For each file:
// 1. Load the scenario
// 2. Run it via harness.Run
// 3. Collect and report results
func ValidateScenarios(dir string, opts ...Option) (*ValidationResult, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		if _, err := os.Stat(dir); err != nil {
			return nil, fmt.Errorf("scenario dir: %w", err)
		}
	}
	sort.Strings(paths)

	result := &ValidationResult{}
	for _, path := range paths {
		result.TotalScenarios++

		scenario, err := LoadScenario(path)
		if err != nil {
			result.fail(path, fmt.Sprintf("failed to load scenario: %v", err))
			continue
		}

		runResult, err := Run(scenario, opts...)
		if err != nil {
			result.fail(path, fmt.Sprintf("scenario execution failed: %v", err))
			continue
		}

		if !runResult.Pass {
			result.fail(path, fmt.Sprintf("scenario assertions failed: %v", runResult.Errors))
			continue
		}

		result.Passed++
	}
	return result, nil
}

func (r *ValidationResult) fail(path, msg string) {
	r.Failed++
	r.Failures = append(r.Failures, ScenarioFailure{ScenarioPath: path, Error: msg})
}
