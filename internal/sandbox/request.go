// Package sandbox authorizes operations requested by autonomous agents.
// Each request passes a fixed pipeline of permission, resource and command
// checks and resolves to one of four dispositions: Allow, Deny, Escalate
// or Defer. Out-of-bounds requests are escalated to a human reviewer.
package sandbox

import "time"

// Request describes a single operation an agent wants to perform.
// Constructed once per authorization attempt and never mutated.
type Request struct {
	AgentID      string         `json:"agent_id"`
	Operation    string         `json:"operation"`
	ResourceType string         `json:"resource_type"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	SessionID    string         `json:"session_id,omitempty"`
}

// commandParam resolves the effective command: the "command" parameter when
// present, the operation name otherwise.
func (r *Request) commandParam() string {
	if v, ok := r.Parameters["command"]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return r.Operation
}

// Verdict is the disposition of a validated request.
type Verdict string

const (
	VerdictAllow    Verdict = "allow"
	VerdictDeny     Verdict = "deny"
	VerdictEscalate Verdict = "escalate"
	VerdictDefer    Verdict = "defer"
)

// Decision is the outcome of validating a request. Only the fields for the
// corresponding verdict are populated.
type Decision struct {
	Verdict Verdict `json:"verdict"`

	// Allow
	Conditions         []string `json:"conditions,omitempty"`
	MonitoringRequired bool     `json:"monitoring_required,omitempty"`

	// Deny / Escalate / Defer
	Reason string `json:"reason,omitempty"`

	// Deny
	Suggestion string `json:"suggestion,omitempty"`

	// Escalate
	EscalationID string        `json:"escalation_id,omitempty"`
	Timeout      time.Duration `json:"timeout,omitempty"`

	// Defer
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// ValidationResult is the outcome of command filtering.
type ValidationResult struct {
	Outcome ValidationOutcome
	Reason  string
}

// ValidationOutcome distinguishes hard blocks from review triggers.
type ValidationOutcome string

const (
	// OutcomeAllow lets the command proceed.
	OutcomeAllow ValidationOutcome = "allow"
	// OutcomeBlock rejects the command outright.
	OutcomeBlock ValidationOutcome = "block"
	// OutcomeRequiresApproval defers the final disposition to human review
	// instead of silently denying.
	OutcomeRequiresApproval ValidationOutcome = "requires_approval"
)
