package engine

import (
	"fmt"
	"strings"
)

// ValidationError reports malformed or incomplete input. The request can be
// corrected and resubmitted as-is.
type ValidationError struct {
	Msg    string
	Fields []string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Msg, strings.Join(e.Fields, ", "))
}

// AuthorizationError reports an actor acting outside its role or
// jurisdiction.
type AuthorizationError struct {
	ActorID string
	Msg     string
}

func (e *AuthorizationError) Error() string { return e.Msg }

// StateConflictError reports a transition rejected by a state machine. It
// carries the authoritative current state so the caller can resynchronize
// without a second read.
type StateConflictError struct {
	EntityKind   string
	EntityID     string
	CurrentState string
	Attempted    string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("%s %s is %s; %s not allowed", e.EntityKind, e.EntityID, e.CurrentState, e.Attempted)
}

// PreconditionError reports an operation whose ordering prerequisite is not
// met, such as scheduling an inspection before review approval.
type PreconditionError struct {
	Msg string
}

func (e *PreconditionError) Error() string { return e.Msg }

// ExpirationError reports an operation against an expired resource.
type ExpirationError struct {
	EntityKind string
	EntityID   string
	ExpiredAt  string
}

func (e *ExpirationError) Error() string {
	return fmt.Sprintf("%s %s expired at %s", e.EntityKind, e.EntityID, e.ExpiredAt)
}

// ExternalServiceError wraps a downstream delivery failure after retries are
// exhausted.
type ExternalServiceError struct {
	Service  string
	Attempts int
	Err      error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s unavailable after %d attempts: %v", e.Service, e.Attempts, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }
