package engine

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by Engine operations after Close.
var ErrClosed = errors.New("engine closed")

// SyncError is a classified failure of a sync operation.
type SyncError struct {
	// Code identifies the error category.
	Code SyncErrorCode

	// Message is a human-readable description.
	Message string

	// SessionID identifies the session that ran the operation.
	SessionID string

	// EntityID identifies the command target (batch and command errors).
	EntityID string

	// Index is the position of the failing command in its batch, or -1.
	Index int

	// Err is the underlying cause.
	Err error
}

// SyncErrorCode categorizes sync errors.
type SyncErrorCode string

const (
	// ErrCodeStoreUnavailable indicates transient I/O against the central store.
	ErrCodeStoreUnavailable SyncErrorCode = "STORE_UNAVAILABLE"

	// ErrCodeBatchAborted indicates one command failed and the whole push
	// batch was rolled back.
	ErrCodeBatchAborted SyncErrorCode = "BATCH_ABORTED"

	// ErrCodeModelBusy indicates the local model was locked and the pull was
	// skipped.
	ErrCodeModelBusy SyncErrorCode = "MODEL_BUSY"

	// ErrCodeInvalidCommand indicates a command rejected at submit time.
	ErrCodeInvalidCommand SyncErrorCode = "INVALID_COMMAND"

	// ErrCodeInitFailed indicates the central store could not be reached at
	// startup.
	ErrCodeInitFailed SyncErrorCode = "INIT_FAILED"
)

// Error implements the error interface.
func (e *SyncError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.EntityID != "" {
		msg += fmt.Sprintf(" (session=%s, entity=%s, index=%d)", e.SessionID, e.EntityID, e.Index)
	} else if e.SessionID != "" {
		msg += fmt.Sprintf(" (session=%s)", e.SessionID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *SyncError) Unwrap() error { return e.Err }

func hasCode(err error, code SyncErrorCode) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// IsBatchAborted reports whether err is a fail-fast push abort.
// Uses errors.As to handle wrapped errors.
func IsBatchAborted(err error) bool { return hasCode(err, ErrCodeBatchAborted) }

// IsTransient reports whether err is a transient store failure.
func IsTransient(err error) bool { return hasCode(err, ErrCodeStoreUnavailable) }

// IsModelBusy reports whether err means the pull was skipped because the
// local model was locked.
func IsModelBusy(err error) bool { return hasCode(err, ErrCodeModelBusy) }

// IsInvalidCommand reports whether err is a rejected submit.
func IsInvalidCommand(err error) bool { return hasCode(err, ErrCodeInvalidCommand) }

// IsInitFailed reports whether err is a startup failure.
func IsInitFailed(err error) bool { return hasCode(err, ErrCodeInitFailed) }

func storeUnavailable(sessionID, op string, err error) *SyncError {
	return &SyncError{
		Code:      ErrCodeStoreUnavailable,
		Message:   op,
		SessionID: sessionID,
		Index:     -1,
		Err:       err,
	}
}

func batchAborted(sessionID, entityID string, index, size int, err error) *SyncError {
	return &SyncError{
		Code:      ErrCodeBatchAborted,
		Message:   fmt.Sprintf("command %d of %d failed; batch rolled back", index+1, size),
		SessionID: sessionID,
		EntityID:  entityID,
		Index:     index,
		Err:       err,
	}
}

func invalidCommand(entityID, reason string) *SyncError {
	return &SyncError{
		Code:     ErrCodeInvalidCommand,
		Message:  reason,
		EntityID: entityID,
		Index:    -1,
	}
}

func modelBusy(sessionID string, err error) *SyncError {
	return &SyncError{
		Code:      ErrCodeModelBusy,
		Message:   "local model locked; pull skipped",
		SessionID: sessionID,
		Index:     -1,
		Err:       err,
	}
}

func initFailed(err error) *SyncError {
	return &SyncError{
		Code:    ErrCodeInitFailed,
		Message: "central store unreachable",
		Index:   -1,
		Err:     err,
	}
}
