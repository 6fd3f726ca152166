package sandbox

import "errors"

// Sentinel errors for the sandbox core. Callers classify failures with
// errors.Is; human-readable detail is attached with fmt.Errorf("%w: ...").
var (
	// ErrPermissionDenied is returned when an operation is outside the
	// agent's permission set.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrResourceLimit is returned when a request would exceed one of the
	// agent's resource ceilings.
	ErrResourceLimit = errors.New("resource limit exceeded")
	// ErrCommandBlocked is returned when a command matches a forbidden
	// pattern or violates a parameter restriction.
	ErrCommandBlocked = errors.New("command blocked")
	// ErrEscalationRequired is returned when an operation needs human
	// approval before it can proceed.
	ErrEscalationRequired = errors.New("escalation required")
	// ErrInvalidConfig is returned for bad state transitions and malformed
	// configuration, e.g. reviewing a non-pending escalation.
	ErrInvalidConfig = errors.New("invalid sandbox configuration")
	// ErrStorage wraps failures of the persistence layer.
	ErrStorage = errors.New("storage error")
	// ErrNotFound is returned for unknown escalation or sandbox ids.
	ErrNotFound = errors.New("not found")
)
