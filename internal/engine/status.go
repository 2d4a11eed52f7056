package engine

import (
	"context"
	"errors"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/roach88/graphsync/internal/ir"
	"github.com/roach88/graphsync/internal/metrics"
)

const (
	statusUnknown = "unknown"

	eventClean    = "clean"
	eventPending  = "pending"
	eventConflict = "conflict"
)

var allStatuses = []string{statusUnknown, string(ir.StatusGreen), string(ir.StatusYellow), string(ir.StatusRed)}

// statusMachine holds the last consistency classification of one session.
// Transitions are logged and mirrored to the consistency gauge.
type statusMachine struct {
	fsm       *fsm.FSM
	sessionID string
	log       *zap.SugaredLogger
}

func newStatusMachine(sessionID string, log *zap.SugaredLogger) *statusMachine {
	sm := &statusMachine{sessionID: sessionID, log: log}
	sm.fsm = fsm.NewFSM(
		statusUnknown,
		fsm.Events{
			{Name: eventClean, Src: allStatuses, Dst: string(ir.StatusGreen)},
			{Name: eventPending, Src: allStatuses, Dst: string(ir.StatusYellow)},
			{Name: eventConflict, Src: allStatuses, Dst: string(ir.StatusRed)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				sm.log.Infow("consistency status changed", "from", e.Src, "to", e.Dst)
			},
		},
	)
	return sm
}

// set moves the machine to status. Re-entering the current status is not an
// error.
func (sm *statusMachine) set(ctx context.Context, status ir.Status) error {
	event := eventClean
	switch status {
	case ir.StatusYellow:
		event = eventPending
	case ir.StatusRed:
		event = eventConflict
	}

	metrics.ConsistencyStatus.WithLabelValues(sm.sessionID).Set(statusGaugeValue(status))

	err := sm.fsm.Event(ctx, event)
	var noTransition fsm.NoTransitionError
	if err != nil && !errors.As(err, &noTransition) {
		return err
	}
	return nil
}

// current returns the last classification, or "" before the first check.
func (sm *statusMachine) current() ir.Status {
	s := sm.fsm.Current()
	if s == statusUnknown {
		return ""
	}
	return ir.Status(s)
}

func statusGaugeValue(s ir.Status) float64 {
	switch s {
	case ir.StatusYellow:
		return 1
	case ir.StatusRed:
		return 2
	}
	return 0
}
