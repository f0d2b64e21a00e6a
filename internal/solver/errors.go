package solver

import (
	"context"
	"errors"
)

// Kind classifies solve failures.
type Kind string

const (
	// KindTimeout means the attempt exceeded its timeout.
	KindTimeout Kind = "timeout"
	// KindRendererUnavailable means the solving capability cannot run.
	KindRendererUnavailable Kind = "renderer_unavailable"
	// KindChallengeNotResolved means the page loaded but no new clearance was issued.
	KindChallengeNotResolved Kind = "challenge_not_resolved"
)

// Errors
var (
	ErrTimeout              = &SolverError{Kind: KindTimeout, Message: "solve timed out"}
	ErrRendererUnavailable  = &SolverError{Kind: KindRendererUnavailable, Message: "renderer unavailable"}
	ErrChallengeNotResolved = &SolverError{Kind: KindChallengeNotResolved, Message: "challenge not resolved"}
	ErrNoSolverAvailable    = &SolverError{Kind: KindRendererUnavailable, Message: "no solver available"}
)

// SolverError represents a solver error.
type SolverError struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *SolverError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *SolverError) Unwrap() error {
	return e.Cause
}

// Is matches any SolverError of the same Kind, so errors.Is(err, ErrTimeout)
// holds for every timeout regardless of message.
func (e *SolverError) Is(target error) bool {
	t, ok := target.(*SolverError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// NewError returns a SolverError of kind with message and cause.
func NewError(kind Kind, message string, cause error) *SolverError {
	return &SolverError{Kind: kind, Message: message, Cause: cause}
}

// KindOf returns the Kind of err, or "" if err is not a SolverError.
func KindOf(err error) Kind {
	var se *SolverError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// FromContext converts a context error into a timeout SolverError when the deadline
// passed. Cancellation and other errors are returned unchanged.
func FromContext(err error, message string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindTimeout, message, err)
	}
	return err
}
