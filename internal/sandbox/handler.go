package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/clawinfra/warden/internal/storage"
)

// Notifier delivers escalation events to reviewers. Implementations must
// be safe for concurrent use. Delivery failures are logged, never fatal.
type Notifier interface {
	EscalationCreated(channels []string, req *EscalationRequest) error
	EscalationResolved(req *EscalationRequest) error
}

// EscalationStats summarizes the escalation queue.
type EscalationStats struct {
	Total      int                        `json:"total"`
	ByStatus   map[EscalationStatus]int   `json:"by_status"`
	ByPriority map[EscalationPriority]int `json:"by_priority"`

	// AvgResponseSeconds is the mean time from creation to review across
	// reviewed requests. Zero when nothing has been reviewed.
	AvgResponseSeconds float64 `json:"avg_response_seconds"`
	// AvgApprovalDurationSeconds is the mean granted approval duration
	// across approvals that carry one; indefinite approvals are excluded.
	AvgApprovalDurationSeconds float64 `json:"avg_approval_duration_seconds"`
	// ApprovalRate is approved / (approved + denied), zero when unreviewed.
	ApprovalRate float64 `json:"approval_rate"`
}

// EscalationHandler manages the lifecycle of escalation requests: creation,
// review, cancellation and expiration sweeps. The store is the source of
// truth; the handler only serializes state transitions.
type EscalationHandler struct {
	mu       sync.Mutex
	store    storage.Store
	notifier Notifier
	logger   *slog.Logger
}

// NewEscalationHandler creates a handler. notifier may be nil.
func NewEscalationHandler(store storage.Store, notifier Notifier, logger *slog.Logger) *EscalationHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EscalationHandler{
		store:    store,
		notifier: notifier,
		logger:   logger.With("component", "escalation"),
	}
}

// CreateEscalation files a new pending request for the blocked operation
// and notifies the policy's channels. The caller supplies the block reason;
// risk assessment and alternatives are derived here.
func (h *EscalationHandler) CreateEscalation(req *Request, opType EscalationOperationType, blockReason, justification string, priority EscalationPriority, policy *EscalationPolicy) (*EscalationRequest, error) {
	ctx := OperationContext{
		Operation:      req.Operation,
		Parameters:     req.Parameters,
		Resource:       req.ResourceType,
		BlockReason:    blockReason,
		Alternatives:   suggestAlternatives(opType),
		RiskAssessment: assessRisk(opType),
	}

	esc := NewEscalationRequest(req.AgentID, opType, ctx, justification, priority)
	esc.SessionID = req.SessionID

	similar, err := h.countSimilarRequests(req.AgentID, req.Operation)
	if err != nil {
		h.logger.Warn("counting similar requests failed", "error", err)
	}
	esc.SimilarRequestCount = similar

	if err := h.put(esc); err != nil {
		return nil, err
	}

	h.logger.Info("escalation created",
		"escalation_id", esc.ID,
		"agent_id", esc.AgentID,
		"operation_type", esc.OperationType,
		"priority", esc.Priority,
		"expires_at", esc.ExpiresAt)

	if h.notifier != nil && policy != nil {
		if err := h.notifier.EscalationCreated(policy.NotificationChannels, esc); err != nil {
			h.logger.Warn("escalation notification failed", "escalation_id", esc.ID, "error", err)
		}
	}

	return esc, nil
}

// Review applies a reviewer's decision to a pending request. The decision
// status must be Approved or Denied. A request found past its deadline is
// marked Expired instead and the review is rejected.
func (h *EscalationHandler) Review(id string, reviewer ReviewerInfo, decision ReviewDecision) (*EscalationRequest, error) {
	if decision.Status != StatusApproved && decision.Status != StatusDenied {
		return nil, fmt.Errorf("%w: review status must be approved or denied, got %q", ErrInvalidConfig, decision.Status)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	esc, err := h.get(id)
	if err != nil {
		return nil, err
	}
	if esc.Status != StatusPending {
		return nil, fmt.Errorf("%w: escalation %s is %s, not pending", ErrInvalidConfig, id, esc.Status)
	}

	// Expire-on-review: a stale pending request cannot be approved, even
	// when the sweep has not run yet.
	if esc.IsExpired() {
		esc.Status = StatusExpired
		esc.UpdatedAt = time.Now().UTC()
		if err := h.put(esc); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: escalation %s expired at %s", ErrEscalationRequired, id, esc.ExpiresAt.Format(time.RFC3339))
	}

	now := time.Now().UTC()
	esc.Status = decision.Status
	esc.Reviewer = &reviewer
	esc.Decision = &decision
	esc.ReviewedAt = &now
	esc.UpdatedAt = now

	if err := h.put(esc); err != nil {
		return nil, err
	}

	h.logger.Info("escalation reviewed",
		"escalation_id", esc.ID,
		"status", esc.Status,
		"reviewer_id", reviewer.ReviewerID)

	if h.notifier != nil {
		if err := h.notifier.EscalationResolved(esc); err != nil {
			h.logger.Warn("resolution notification failed", "escalation_id", esc.ID, "error", err)
		}
	}

	return esc, nil
}

// Approve is a convenience wrapper around Review.
func (h *EscalationHandler) Approve(id string, reviewer ReviewerInfo, reason string, conditions []string, durationSeconds *uint64) (*EscalationRequest, error) {
	return h.Review(id, reviewer, ReviewDecision{
		Status:                  StatusApproved,
		Reason:                  reason,
		Conditions:              conditions,
		ApprovalDurationSeconds: durationSeconds,
	})
}

// Deny is a convenience wrapper around Review.
func (h *EscalationHandler) Deny(id string, reviewer ReviewerInfo, reason string) (*EscalationRequest, error) {
	return h.Review(id, reviewer, ReviewDecision{
		Status: StatusDenied,
		Reason: reason,
	})
}

// Cancel withdraws a pending request, typically when the requesting agent
// no longer needs the operation.
func (h *EscalationHandler) Cancel(id, reason string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	esc, err := h.get(id)
	if err != nil {
		return err
	}
	if esc.Status != StatusPending {
		return fmt.Errorf("%w: escalation %s is %s, not pending", ErrInvalidConfig, id, esc.Status)
	}

	esc.Status = StatusCancelled
	esc.UpdatedAt = time.Now().UTC()
	if esc.Metadata == nil {
		esc.Metadata = make(map[string]json.RawMessage)
	}
	if raw, err := json.Marshal(reason); err == nil {
		esc.Metadata["cancellation_reason"] = raw
	}

	if err := h.put(esc); err != nil {
		return err
	}

	h.logger.Info("escalation cancelled", "escalation_id", id, "reason", reason)
	return nil
}

// Get returns the escalation request by id, or ErrNotFound.
func (h *EscalationHandler) Get(id string) (*EscalationRequest, error) {
	return h.get(id)
}

// ListPending returns pending requests sorted by priority (critical first)
// and creation time within a priority.
func (h *EscalationHandler) ListPending() ([]*EscalationRequest, error) {
	pending, err := h.ListByStatus(StatusPending)
	if err != nil {
		return nil, err
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority.rank() != pending[j].Priority.rank() {
			return pending[i].Priority.rank() < pending[j].Priority.rank()
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return pending, nil
}

// ListByStatus returns all requests in the given status, unordered.
func (h *EscalationHandler) ListByStatus(status EscalationStatus) ([]*EscalationRequest, error) {
	all, err := h.list(storage.Filter{Type: EscalationEntityType})
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, e := range all {
		if e.Status == status {
			out = append(out, e)
		}
	}
	return out, nil
}

// ListAgent returns an agent's requests, newest first.
func (h *EscalationHandler) ListAgent(agentID string) ([]*EscalationRequest, error) {
	reqs, err := h.list(storage.Filter{Type: EscalationEntityType, Agent: agentID})
	if err != nil {
		return nil, err
	}
	sort.Slice(reqs, func(i, j int) bool {
		return reqs[i].CreatedAt.After(reqs[j].CreatedAt)
	})
	return reqs, nil
}

// ProcessExpired transitions every pending request past its deadline to
// Expired and returns how many were swept.
func (h *EscalationHandler) ProcessExpired() (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	pending, err := h.ListByStatus(StatusPending)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, esc := range pending {
		if !esc.IsExpired() {
			continue
		}
		esc.Status = StatusExpired
		esc.UpdatedAt = time.Now().UTC()
		if err := h.put(esc); err != nil {
			return expired, err
		}
		expired++
		h.logger.Info("escalation expired", "escalation_id", esc.ID, "agent_id", esc.AgentID)
	}
	return expired, nil
}

// HasActiveApproval reports whether the agent holds an unexpired approval
// for exactly this operation. An approval for file_write says nothing
// about file_delete, even though both escalate as file system access.
// Approvals without a duration never lapse.
func (h *EscalationHandler) HasActiveApproval(agentID, operation string) (bool, error) {
	reqs, err := h.list(storage.Filter{Type: EscalationEntityType, Agent: agentID})
	if err != nil {
		return false, err
	}

	now := time.Now()
	for _, esc := range reqs {
		if esc.Status != StatusApproved || esc.Context.Operation != operation {
			continue
		}
		if esc.Decision == nil || esc.ReviewedAt == nil {
			continue
		}
		if esc.Decision.ApprovalDurationSeconds == nil {
			return true, nil
		}
		validFor := time.Duration(*esc.Decision.ApprovalDurationSeconds) * time.Second
		if now.Before(esc.ReviewedAt.Add(validFor)) {
			return true, nil
		}
	}
	return false, nil
}

// Statistics returns queue counts by status and priority.
func (h *EscalationHandler) Statistics() (EscalationStats, error) {
	all, err := h.list(storage.Filter{Type: EscalationEntityType})
	if err != nil {
		return EscalationStats{}, err
	}
	stats := EscalationStats{
		Total:      len(all),
		ByStatus:   make(map[EscalationStatus]int),
		ByPriority: make(map[EscalationPriority]int),
	}
	var responseTotal time.Duration
	var durationTotal uint64
	reviewed, timedApprovals := 0, 0
	for _, e := range all {
		stats.ByStatus[e.Status]++
		stats.ByPriority[e.Priority]++
		if e.ReviewedAt != nil {
			responseTotal += e.ReviewedAt.Sub(e.CreatedAt)
			reviewed++
		}
		if e.Status == StatusApproved && e.Decision != nil && e.Decision.ApprovalDurationSeconds != nil {
			durationTotal += *e.Decision.ApprovalDurationSeconds
			timedApprovals++
		}
	}
	if reviewed > 0 {
		stats.AvgResponseSeconds = responseTotal.Seconds() / float64(reviewed)
	}
	if timedApprovals > 0 {
		stats.AvgApprovalDurationSeconds = float64(durationTotal) / float64(timedApprovals)
	}
	if n := stats.ByStatus[StatusApproved] + stats.ByStatus[StatusDenied]; n > 0 {
		stats.ApprovalRate = float64(stats.ByStatus[StatusApproved]) / float64(n)
	}
	return stats, nil
}

func (h *EscalationHandler) get(id string) (*EscalationRequest, error) {
	rec, err := h.store.Get(id, EscalationEntityType)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: escalation %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return EscalationFromRecord(rec)
}

func (h *EscalationHandler) put(esc *EscalationRequest) error {
	rec, err := esc.ToRecord()
	if err != nil {
		return err
	}
	if err := h.store.Put(rec); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

func (h *EscalationHandler) list(f storage.Filter) ([]*EscalationRequest, error) {
	recs, err := h.store.Query(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	out := make([]*EscalationRequest, 0, len(recs))
	for _, rec := range recs {
		esc, err := EscalationFromRecord(rec)
		if err != nil {
			h.logger.Warn("skipping corrupt escalation record", "id", rec.ID, "error", err)
			continue
		}
		out = append(out, esc)
	}
	return out, nil
}

// countSimilarRequests counts the agent's prior requests for the same
// operation across all statuses, so reviewers see repeat-request patterns
// even when the earlier attempts were denied or expired.
func (h *EscalationHandler) countSimilarRequests(agentID, operation string) (uint32, error) {
	reqs, err := h.list(storage.Filter{Type: EscalationEntityType, Agent: agentID})
	if err != nil {
		return 0, err
	}
	var n uint32
	for _, e := range reqs {
		if e.Context.Operation == operation {
			n++
		}
	}
	return n, nil
}

// assessRisk summarizes the risk of an operation class for the reviewer.
func assessRisk(opType EscalationOperationType) string {
	switch opType {
	case EscalationPrivilegeEscalation:
		return "Critical: grants elevated system privileges"
	case EscalationCommandExecution:
		return "High: arbitrary command execution on the host"
	case EscalationFileSystemAccess:
		return "Medium: modifies files outside the agent workspace"
	case EscalationNetworkAccess:
		return "Medium: reaches network targets outside policy"
	case EscalationWorkflowModification:
		return "Medium: alters automated workflow behavior"
	case EscalationResourceLimitIncrease:
		return "Low: raises resource ceilings for this agent"
	case EscalationQualityGateOverride:
		return "High: bypasses automated quality controls"
	default:
		return "Unclassified operation, review manually"
	}
}

// suggestAlternatives lists ways the agent could proceed without approval.
func suggestAlternatives(opType EscalationOperationType) []string {
	switch opType {
	case EscalationFileSystemAccess:
		return []string{
			"Operate on files inside the agent workspace",
			"Request a narrower path grant from an administrator",
		}
	case EscalationNetworkAccess:
		return []string{
			"Use an internal mirror of the external resource",
			"Request the target be added to the internal allowlist",
		}
	case EscalationCommandExecution:
		return []string{
			"Use an allowed command that achieves the same result",
			"Request the command be added to the allowed list",
		}
	case EscalationPrivilegeEscalation:
		return []string{
			"Perform the operation without elevated privileges",
			"Ask an administrator to run the privileged step",
		}
	case EscalationResourceLimitIncrease:
		return []string{
			"Reduce the working set of the current operation",
			"Split the operation into smaller batches",
		}
	default:
		return nil
	}
}
