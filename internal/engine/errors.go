package engine

import "fmt"

// AuthenticationError indicates a bad or expired credential.
type AuthenticationError struct {
	Reason string
}

func (e AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

// AuthorizationError indicates the actor is not a participant of the order
// or holds the wrong role for the attempted operation.
type AuthorizationError struct {
	Reason string
}

func (e AuthorizationError) Error() string { return e.Reason }

// ValidationError indicates a malformed command payload.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// InvalidTransitionError indicates the target status is unreachable from
// the order's current status.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid order status transition %s -> %s", e.From, e.To)
}

// ClaimConflictError indicates the caller lost the claim race: the order
// was already taken when the conditional update ran. Definitive, never
// retried.
type ClaimConflictError struct {
	OrderID string
}

func (e ClaimConflictError) Error() string {
	return fmt.Sprintf("order %s was already claimed by someone else", e.OrderID)
}

// AlreadyInStatusError is the distinct non-fatal outcome of a duplicate or
// retried transition: the order already sits at the requested status, so
// the conditional update was a no-op. Callers can tell "someone already
// did this" apart from a malformed request.
type AlreadyInStatusError struct {
	OrderID string
	Status  string
}

func (e AlreadyInStatusError) Error() string {
	return fmt.Sprintf("order %s is already %s", e.OrderID, e.Status)
}
