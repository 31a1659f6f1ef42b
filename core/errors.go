package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by stores when the requested record does not exist
	ErrNotFound = errors.New("not found")

	// ErrInvalidEvent is returned when a raw event fails validation
	ErrInvalidEvent = errors.New("invalid event")

	// ErrEnrichmentLookup marks a failed or timed out enrichment lookup
	ErrEnrichmentLookup = errors.New("enrichment lookup failed")

	// ErrPersistenceWrite marks a failed sink write
	ErrPersistenceWrite = errors.New("persistence write failed")

	// ErrActionExecution marks a failed response action
	ErrActionExecution = errors.New("action execution failed")

	// ErrConfiguration is fatal at startup
	ErrConfiguration = errors.New("configuration error")

	// ErrEscalationUnavailable is returned when the escalation service cannot be reached
	ErrEscalationUnavailable = errors.New("escalation service unavailable")
)

// ActionError wraps the failure of a single action. It matches both
// ErrActionExecution and the underlying cause with errors.Is.
type ActionError struct {
	Action Action
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %s failed: %v", e.Action, e.Err)
}

func (e *ActionError) Unwrap() []error {
	return []error{ErrActionExecution, e.Err}
}

// ConfigError builds a configuration error for the given setting
func ConfigError(setting string, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrConfiguration, setting, fmt.Sprintf(format, args...))
}
