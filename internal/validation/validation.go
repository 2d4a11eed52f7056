// Package validation is the boundary to the external model-validation
// service (clash and rule checking).
//
// The engine exports the entities touched by a push, submits them with a
// ruleset id, and keeps only the worst severity and the affected entity ids
// of the result.
package validation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/roach88/graphsync/internal/ir"
)

var (
	// ErrTimeout is returned when a validation job does not finish within
	// the configured bound. The job is abandoned, not retried.
	ErrTimeout = errors.New("validation timed out")
	// ErrBusy is returned by Runner.Trigger while another run is in flight.
	ErrBusy = errors.New("validation already running")
)

// Severity classifies a validation issue. Higher is worse.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityNone:     "none",
	SeverityInfo:     "info",
	SeverityWarning:  "warning",
	SeverityError:    "error",
	SeverityCritical: "critical",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// ParseSeverity accepts the service's wire names, case-insensitively.
func ParseSeverity(s string) (Severity, error) {
	needle := strings.ToLower(strings.TrimSpace(s))
	for sev, name := range severityNames {
		if name == needle {
			return sev, nil
		}
	}
	return SeverityNone, fmt.Errorf("unknown severity %q", s)
}

// Request is a partial-model export submitted for validation.
type Request struct {
	Ruleset  string
	Entities []ir.Entity
}

// Issue is one finding of the validation service.
type Issue struct {
	RuleID    string
	Severity  Severity
	Message   string
	EntityIDs []string
}

// Report is the outcome of one validation run.
type Report struct {
	JobID       string
	Ruleset     string
	Worst       Severity
	Affected    []string
	Issues      []Issue
	CompletedAt time.Time
}

// Service runs a validation job to completion.
type Service interface {
	Validate(ctx context.Context, req Request) (Report, error)
}

// Summarize fills Worst and Affected (sorted, deduplicated) from issues.
func Summarize(r Report) Report {
	seen := make(map[string]bool)
	r.Worst = SeverityNone
	r.Affected = []string{}
	for _, issue := range r.Issues {
		if issue.Severity > r.Worst {
			r.Worst = issue.Severity
		}
		for _, id := range issue.EntityIDs {
			if !seen[id] {
				seen[id] = true
				r.Affected = append(r.Affected, id)
			}
		}
	}
	sort.Strings(r.Affected)
	return r
}
