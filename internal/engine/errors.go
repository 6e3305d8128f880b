package engine

import (
	"errors"
	"fmt"
)

// EngineError represents a request the engine refused.
type EngineError struct {
	// Code identifies the error category.
	Code EngineErrorCode

	// Message is a human-readable description.
	Message string

	// RunID identifies the affected run, if any.
	RunID string
}

// EngineErrorCode categorizes engine errors.
type EngineErrorCode string

const (
	// ErrCodeUnknownJob indicates a submit named a job that is not registered.
	ErrCodeUnknownJob EngineErrorCode = "UNKNOWN_JOB"

	// ErrCodeStopped indicates the engine no longer accepts runs.
	ErrCodeStopped EngineErrorCode = "ENGINE_STOPPED"

	// ErrCodeNotQueued indicates an attempt to execute a run that is not QUEUED.
	ErrCodeNotQueued EngineErrorCode = "RUN_NOT_QUEUED"
)

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.RunID != "" {
		return fmt.Sprintf("%s: %s (run=%s)", e.Code, e.Message, e.RunID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsUnknownJobError reports whether err is an unknown job error.
// Uses errors.As to handle wrapped errors.
func IsUnknownJobError(err error) bool {
	return hasCode(err, ErrCodeUnknownJob)
}

// IsStoppedError reports whether err is an engine-stopped error.
func IsStoppedError(err error) bool {
	return hasCode(err, ErrCodeStopped)
}

// IsNotQueuedError reports whether err is a run-not-queued error.
func IsNotQueuedError(err error) bool {
	return hasCode(err, ErrCodeNotQueued)
}

func hasCode(err error, code EngineErrorCode) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	return false
}
