package bypass

import (
	"errors"
	"fmt"
)

// Errors
var (
	// ErrBypassExhausted is matched by every BypassError.
	ErrBypassExhausted = errors.New("bypass attempts exhausted")
	// ErrTransport wraps network failures while replaying a request with solved credentials.
	ErrTransport = errors.New("transport error")

	errBypassFailed = errors.New("bypass failed")
)

// BypassError is returned when every attempt for a host failed.
//
// Err is the most recent underlying error. It is nil when the solver only ever
// returned empty results, so callers must not assume a concrete cause.
type BypassError struct {
	Host     string
	Attempts int
	Err      error
}

func (e *BypassError) Error() string {
	return fmt.Sprintf("could not bypass protection for %s", e.Host)
}

// Unwrap exposes ErrBypassExhausted and the last cause, or a generic failure when
// none was captured.
func (e *BypassError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrBypassExhausted, errBypassFailed}
	}
	return []error{ErrBypassExhausted, e.Err}
}

// Cause returns the last underlying error, or nil.
func (e *BypassError) Cause() error {
	return e.Err
}
