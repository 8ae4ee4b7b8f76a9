package engine

import (
	"errors"
	"fmt"
)

// RuntimeErrorCode categorizes engine errors.
type RuntimeErrorCode string

const (
	// ErrCodeNoScenario indicates a control call before a scenario was loaded.
	ErrCodeNoScenario RuntimeErrorCode = "NO_SCENARIO"

	// ErrCodeStepWhileRunning indicates StepForward was called while the play
	// loop was active. Stepping is only legal while stopped.
	ErrCodeStepWhileRunning RuntimeErrorCode = "STEP_WHILE_RUNNING"

	// ErrCodeAlreadyRunning indicates Play was called twice.
	ErrCodeAlreadyRunning RuntimeErrorCode = "ALREADY_RUNNING"

	// ErrCodeUnknownNode indicates a node id that is not part of the scenario.
	ErrCodeUnknownNode RuntimeErrorCode = "UNKNOWN_NODE"

	// ErrCodeBadInjection indicates an injection target that cannot receive
	// tokens (a source node).
	ErrCodeBadInjection RuntimeErrorCode = "BAD_INJECTION"
)

// RuntimeError is a structured engine error with a stable code.
type RuntimeError struct {
	Code    RuntimeErrorCode
	Message string
	NodeID  string
}

func (e *RuntimeError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s: %s (node=%s)", e.Code, e.Message, e.NodeID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsStepWhileRunning reports whether err is the step-while-running guard.
// Uses errors.As to handle wrapped errors.
func IsStepWhileRunning(err error) bool {
	var re *RuntimeError
	return errors.As(err, &re) && re.Code == ErrCodeStepWhileRunning
}

func errNoScenario() *RuntimeError {
	return &RuntimeError{Code: ErrCodeNoScenario, Message: "no scenario loaded"}
}
