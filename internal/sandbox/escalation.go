package sandbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clawinfra/warden/internal/storage"
)

// EscalationEntityType is the storage record type for escalation requests.
const EscalationEntityType = "escalation_request"

// EscalationStatus is the state of an escalation request. Pending is the
// only non-terminal state.
type EscalationStatus string

const (
	StatusPending   EscalationStatus = "pending"
	StatusApproved  EscalationStatus = "approved"
	StatusDenied    EscalationStatus = "denied"
	StatusExpired   EscalationStatus = "expired"
	StatusCancelled EscalationStatus = "cancelled"
)

// EscalationPriority orders requests for reviewers: Low < Normal < High <
// Critical.
type EscalationPriority string

const (
	PriorityLow      EscalationPriority = "low"
	PriorityNormal   EscalationPriority = "normal"
	PriorityHigh     EscalationPriority = "high"
	PriorityCritical EscalationPriority = "critical"
)

// rank converts a priority into a sortable number; Critical sorts first.
func (p EscalationPriority) rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	default:
		return 3
	}
}

// EscalationOperationType classifies the escalated operation. Values
// outside the named set are treated as custom operation types.
type EscalationOperationType string

const (
	EscalationFileSystemAccess      EscalationOperationType = "file_system_access"
	EscalationNetworkAccess         EscalationOperationType = "network_access"
	EscalationCommandExecution      EscalationOperationType = "command_execution"
	EscalationPrivilegeEscalation   EscalationOperationType = "privilege_escalation"
	EscalationQualityGateOverride   EscalationOperationType = "quality_gate_override"
	EscalationWorkflowModification  EscalationOperationType = "workflow_modification"
	EscalationResourceLimitIncrease EscalationOperationType = "resource_limit_increase"
)

// OperationContext describes the blocked operation for the reviewer.
type OperationContext struct {
	Operation      string         `json:"operation"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	Resource       string         `json:"resource,omitempty"`
	BlockReason    string         `json:"block_reason"`
	Alternatives   []string       `json:"alternatives,omitempty"`
	RiskAssessment string         `json:"risk_assessment,omitempty"`
}

// ReviewerInfo identifies the human reviewer of an escalation.
type ReviewerInfo struct {
	ReviewerID   string `json:"reviewer_id"`
	ReviewerName string `json:"reviewer_name"`
	Email        string `json:"reviewer_email,omitempty"`
	Department   string `json:"department,omitempty"`
}

// ReviewDecision records a reviewer's verdict on an escalation.
type ReviewDecision struct {
	Status EscalationStatus `json:"status"`
	Reason string           `json:"reason"`
	// Conditions attached to an approval, if any.
	Conditions []string `json:"conditions,omitempty"`
	// ApprovalDurationSeconds bounds how long the approval stays valid;
	// nil means the approval never expires.
	ApprovalDurationSeconds *uint64 `json:"approval_duration,omitempty"`
	// CreatePolicy signals the reviewer wants this decision turned into a
	// standing rule; consumed outside this core.
	CreatePolicy bool   `json:"create_policy"`
	Notes        string `json:"notes,omitempty"`
}

// EscalationRequest is a request for human approval of an operation the
// automatic checks could not resolve.
type EscalationRequest struct {
	ID                  string                     `json:"id"`
	AgentID             string                     `json:"agent_id"`
	SessionID           string                     `json:"session_id,omitempty"`
	OperationType       EscalationOperationType    `json:"operation_type"`
	Status              EscalationStatus           `json:"status"`
	Priority            EscalationPriority         `json:"priority"`
	Context             OperationContext           `json:"operation_context"`
	Justification       string                     `json:"justification"`
	ImpactIfDenied      string                     `json:"impact_if_denied,omitempty"`
	Reviewer            *ReviewerInfo              `json:"reviewer,omitempty"`
	Decision            *ReviewDecision            `json:"decision,omitempty"`
	CreatedAt           time.Time                  `json:"created_at"`
	UpdatedAt           time.Time                  `json:"updated_at"`
	ExpiresAt           time.Time                  `json:"expires_at"`
	ReviewedAt          *time.Time                 `json:"reviewed_at,omitempty"`
	SimilarRequestCount uint32                     `json:"similar_request_count"`
	Metadata            map[string]json.RawMessage `json:"metadata,omitempty"`
}

// expirationForPriority returns how long a new request stays reviewable.
// Fixed at creation and never extended.
func expirationForPriority(p EscalationPriority) time.Duration {
	switch p {
	case PriorityCritical:
		return time.Hour
	case PriorityHigh:
		return 4 * time.Hour
	case PriorityNormal:
		return 24 * time.Hour
	default:
		return 72 * time.Hour
	}
}

// NewEscalationRequest creates a Pending request with a priority-based
// expiration deadline.
func NewEscalationRequest(agentID string, opType EscalationOperationType, ctx OperationContext, justification string, priority EscalationPriority) *EscalationRequest {
	now := time.Now().UTC()
	return &EscalationRequest{
		ID:            uuid.NewString(),
		AgentID:       agentID,
		OperationType: opType,
		Status:        StatusPending,
		Priority:      priority,
		Context:       ctx,
		Justification: justification,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(expirationForPriority(priority)),
		Metadata:      make(map[string]json.RawMessage),
	}
}

// IsExpired reports whether a pending request is past its deadline.
func (e *EscalationRequest) IsExpired() bool {
	return e.Status == StatusPending && time.Now().After(e.ExpiresAt)
}

// TimeToExpiration returns the remaining review window for pending
// requests, and false for requests already in a terminal state.
func (e *EscalationRequest) TimeToExpiration() (time.Duration, bool) {
	if e.Status != StatusPending {
		return 0, false
	}
	remaining := time.Until(e.ExpiresAt)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// Summary renders a one-line description for notifications.
func (e *EscalationRequest) Summary() string {
	return fmt.Sprintf("Escalation Request: %s by agent %s for %s operation (Priority: %s)",
		e.ID, e.AgentID, e.OperationType, e.Priority)
}

// ToRecord serializes the request to its generic storage form.
func (e *EscalationRequest) ToRecord() (storage.Record, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return storage.Record{}, fmt.Errorf("%w: marshal escalation: %v", ErrStorage, err)
	}
	return storage.Record{
		ID:        e.ID,
		Type:      EscalationEntityType,
		Agent:     e.AgentID,
		Timestamp: e.UpdatedAt,
		Data:      data,
	}, nil
}

// EscalationFromRecord deserializes a request from its generic storage form.
func EscalationFromRecord(rec storage.Record) (*EscalationRequest, error) {
	if rec.Type != EscalationEntityType {
		return nil, fmt.Errorf("%w: expected record type %q, got %q", ErrInvalidConfig, EscalationEntityType, rec.Type)
	}
	var e EscalationRequest
	if err := json.Unmarshal(rec.Data, &e); err != nil {
		return nil, fmt.Errorf("%w: unmarshal escalation: %v", ErrStorage, err)
	}
	return &e, nil
}
