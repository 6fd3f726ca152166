package sandbox

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/clawinfra/warden/internal/storage"
)

// Config wires the engine's dependencies. Store is required; everything
// else has a working default.
type Config struct {
	Store    storage.Store
	Logger   *slog.Logger
	Notifier Notifier
	Sampler  UsageSampler
	// Defaults overrides the built-in per-level policy bundles, typically
	// loaded from a policy file.
	Defaults DefaultsFunc
}

// Engine authorizes agent requests. Each request runs the same pipeline:
// load the agent's profile, check permissions, check resource limits,
// filter the command, then decide Allow, Deny, Escalate or Defer.
type Engine struct {
	store       storage.Store
	logger      *slog.Logger
	validator   *CommandValidator
	permissions *PermissionEngine
	monitor     *ResourceMonitor
	escalations *EscalationHandler
	defaults    DefaultsFunc
}

// NewEngine creates an engine from the config.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: engine requires a store", ErrInvalidConfig)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	defaults := cfg.Defaults
	if defaults == nil {
		defaults = DefaultsForLevel
	}
	return &Engine{
		store:       cfg.Store,
		logger:      logger.With("component", "sandbox"),
		validator:   NewCommandValidator(),
		permissions: NewPermissionEngine(),
		monitor:     NewResourceMonitor(cfg.Sampler),
		escalations: NewEscalationHandler(cfg.Store, cfg.Notifier, logger),
		defaults:    defaults,
	}, nil
}

// Escalations exposes the escalation handler for review surfaces.
func (e *Engine) Escalations() *EscalationHandler {
	return e.escalations
}

// Monitor exposes the resource monitor for operation bracketing.
func (e *Engine) Monitor() *ResourceMonitor {
	return e.monitor
}

// ValidateRequest runs the authorization pipeline for one request. The
// returned error covers infrastructure failures only; policy outcomes are
// expressed in the Decision.
//
// A permission failure is not an unconditional deny: it routes through the
// same resolver as a dangerous-command match, so a standing approval or an
// escalatable policy can turn it into Allow or Escalate. Resource-limit
// breaches and blocked commands always deny.
func (e *Engine) ValidateRequest(req *Request) (Decision, error) {
	sandbox, err := e.loadOrCreateSandbox(req.AgentID)
	if err != nil {
		return Decision{}, err
	}

	log := e.logger.With("agent_id", req.AgentID, "operation", req.Operation)

	if err := e.permissions.ValidateOperation(req, &sandbox.Permissions); err != nil {
		log.Warn("permission check failed", "error", err)
		return e.resolveBlocked(req, sandbox, err.Error())
	}

	if err := e.monitor.CheckLimits(req, &sandbox.ResourceLimits); err != nil {
		log.Warn("resource limit exceeded", "error", err)
		return Decision{
			Verdict:    VerdictDeny,
			Reason:     err.Error(),
			Suggestion: "Reduce resource usage or request higher limits",
		}, nil
	}

	switch result := e.validator.ValidateCommand(req, &sandbox.CommandFilter); result.Outcome {
	case OutcomeBlock:
		log.Warn("command blocked", "reason", result.Reason)
		e.recordViolation(sandbox, "command_blocked", result.Reason)
		return Decision{
			Verdict:    VerdictDeny,
			Reason:     fmt.Sprintf("Command blocked: %s", result.Reason),
			Suggestion: "Use alternative commands or request permission",
		}, nil
	case OutcomeRequiresApproval:
		log.Info("command requires approval")
		return e.resolveBlocked(req, sandbox, "Command matched a dangerous pattern")
	}

	decision := Decision{
		Verdict:            VerdictAllow,
		MonitoringRequired: monitoringRequired(req, sandbox),
		Conditions:         allowConditions(req, sandbox),
	}
	log.Debug("request allowed", "monitoring", decision.MonitoringRequired)
	return decision, nil
}

// resolveBlocked decides the disposition of a request that failed a check:
// an existing approval lets it through, a matching human-approval policy
// escalates it, anything else is denied.
func (e *Engine) resolveBlocked(req *Request, sandbox *AgentSandbox, reason string) (Decision, error) {
	opType := inferEscalationOperationType(req)

	approved, err := e.escalations.HasActiveApproval(req.AgentID, req.Operation)
	if err != nil {
		return Decision{}, err
	}
	if approved {
		e.logger.Info("request allowed by standing approval",
			"agent_id", req.AgentID, "operation", req.Operation)
		return Decision{
			Verdict:            VerdictAllow,
			MonitoringRequired: true,
			Conditions:         []string{"Allowed under an active escalation approval"},
		}, nil
	}

	// A forbidden path marked non-escalatable is denied outright, no
	// matter what the escalation policy says.
	if path, ok := req.Parameters["path"].(string); ok && path != "" {
		for _, pr := range sandbox.Permissions.ForbiddenPaths {
			if matchPathPattern(path, pr.Pattern) && !pr.EscalationAllowed {
				e.recordViolation(sandbox, "forbidden_path", reason)
				return Decision{
					Verdict:    VerdictDeny,
					Reason:     reason,
					Suggestion: "Operate on paths inside the agent workspace",
				}, nil
			}
		}
	}

	if !requiresHumanApproval(&sandbox.EscalationPolicy, req) {
		e.recordViolation(sandbox, "permission_denied", reason)
		return Decision{
			Verdict:    VerdictDeny,
			Reason:     reason,
			Suggestion: "Request elevated permissions or contact administrator",
		}, nil
	}

	// A pending escalation for the same class defers instead of piling up
	// duplicate review requests. One that lapsed unreviewed resolves to
	// the policy's fallback action until the sweep retires it.
	if pending, err := e.pendingEscalation(req.AgentID, opType); err != nil {
		return Decision{}, err
	} else if pending != nil {
		if pending.IsExpired() {
			return e.applyFallback(req, sandbox, pending), nil
		}
		retry := sandbox.EscalationPolicy.EscalationTimeout()
		if remaining, ok := pending.TimeToExpiration(); ok && remaining < retry {
			retry = remaining
		}
		return Decision{
			Verdict:    VerdictDefer,
			Reason:     fmt.Sprintf("Awaiting human review of escalation %s", pending.ID),
			RetryAfter: retry,
		}, nil
	}

	justification := fmt.Sprintf("Agent %s requested %s beyond its %s sandbox level",
		req.AgentID, req.Operation, sandbox.Level)
	esc, err := e.escalations.CreateEscalation(req, opType, reason, justification,
		inferEscalationPriority(req, opType), &sandbox.EscalationPolicy)
	if err != nil {
		return Decision{}, err
	}

	return Decision{
		Verdict:      VerdictEscalate,
		Reason:       reason,
		EscalationID: esc.ID,
		Timeout:      sandbox.EscalationPolicy.EscalationTimeout(),
	}, nil
}

func (e *Engine) pendingEscalation(agentID string, opType EscalationOperationType) (*EscalationRequest, error) {
	reqs, err := e.escalations.ListAgent(agentID)
	if err != nil {
		return nil, err
	}
	for _, esc := range reqs {
		if esc.Status == StatusPending && esc.OperationType == opType {
			return esc, nil
		}
	}
	return nil, nil
}

// applyFallback resolves a request whose review window lapsed without a
// decision.
func (e *Engine) applyFallback(req *Request, sandbox *AgentSandbox, esc *EscalationRequest) Decision {
	reason := fmt.Sprintf("Escalation %s expired without review", esc.ID)
	e.logger.Info("applying escalation fallback",
		"agent_id", req.AgentID,
		"escalation_id", esc.ID,
		"fallback", sandbox.EscalationPolicy.FallbackAction)

	switch sandbox.EscalationPolicy.FallbackAction {
	case FallbackAllow:
		return Decision{
			Verdict:            VerdictAllow,
			MonitoringRequired: true,
			Conditions:         []string{"Allowed by escalation timeout fallback"},
		}
	case FallbackDefer:
		return Decision{
			Verdict:    VerdictDefer,
			Reason:     reason,
			RetryAfter: sandbox.EscalationPolicy.EscalationTimeout(),
		}
	default:
		return Decision{
			Verdict:    VerdictDeny,
			Reason:     reason,
			Suggestion: "File a new request once a reviewer is available",
		}
	}
}

// loadOrCreateSandbox returns the agent's profile, lazily creating a
// Standard one on first contact.
func (e *Engine) loadOrCreateSandbox(agentID string) (*AgentSandbox, error) {
	recs, err := e.store.Query(storage.Filter{Type: SandboxEntityType, Agent: agentID})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if len(recs) > 0 {
		return SandboxFromRecord(recs[0])
	}

	sandbox := newAgentSandboxWith(agentID, LevelStandard, "system", e.defaults)
	if err := e.putSandbox(sandbox); err != nil {
		return nil, err
	}
	e.logger.Info("sandbox profile created", "agent_id", agentID, "level", sandbox.Level)
	return sandbox, nil
}

// GetSandbox returns the agent's profile, or ErrNotFound when none exists.
func (e *Engine) GetSandbox(agentID string) (*AgentSandbox, error) {
	recs, err := e.store.Query(storage.Filter{Type: SandboxEntityType, Agent: agentID})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: no sandbox for agent %s", ErrNotFound, agentID)
	}
	return SandboxFromRecord(recs[0])
}

// UpdateLevel switches the agent's sandbox level, applying the new level's
// policy bundle.
func (e *Engine) UpdateLevel(agentID string, level Level, updatedBy string) (*AgentSandbox, error) {
	sandbox, err := e.loadOrCreateSandbox(agentID)
	if err != nil {
		return nil, err
	}
	old := sandbox.Level
	sandbox.UpdateLevel(level, e.defaults)
	if err := e.putSandbox(sandbox); err != nil {
		return nil, err
	}
	e.logger.Info("sandbox level updated",
		"agent_id", agentID, "from", old, "to", level, "updated_by", updatedBy)
	return sandbox, nil
}

// RecordViolation registers a policy violation against the agent's profile.
func (e *Engine) RecordViolation(agentID, violationType, description string) error {
	sandbox, err := e.loadOrCreateSandbox(agentID)
	if err != nil {
		return err
	}
	sandbox.RecordViolation(violationType, description)
	return e.putSandbox(sandbox)
}

// AgentStats is a per-agent status summary.
type AgentStats struct {
	AgentID        string         `json:"agent_id"`
	Level          Level          `json:"sandbox_level"`
	ViolationCount uint32         `json:"violation_count"`
	Usage          *UsageSnapshot `json:"usage,omitempty"`
}

// Stats returns the agent's level, violation count and current usage.
func (e *Engine) Stats(agentID string) (AgentStats, error) {
	sandbox, err := e.GetSandbox(agentID)
	if err != nil {
		return AgentStats{}, err
	}
	stats := AgentStats{
		AgentID:        agentID,
		Level:          sandbox.Level,
		ViolationCount: sandbox.ViolationCount,
	}
	if usage, ok := e.monitor.CurrentUsage(agentID); ok {
		stats.Usage = &usage
	}
	return stats, nil
}

// recordViolation is best effort; a storage failure must not change the
// decision already reached.
func (e *Engine) recordViolation(sandbox *AgentSandbox, violationType, description string) {
	sandbox.RecordViolation(violationType, description)
	if err := e.putSandbox(sandbox); err != nil {
		e.logger.Warn("recording violation failed", "agent_id", sandbox.AgentID, "error", err)
	}
}

func (e *Engine) putSandbox(sandbox *AgentSandbox) error {
	rec, err := sandbox.ToRecord()
	if err != nil {
		return err
	}
	if err := e.store.Put(rec); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

// highRiskOperations always require monitoring regardless of level.
var highRiskOperations = map[string]bool{
	"file_write":       true,
	"file_delete":      true,
	"network_request":  true,
	"execute_command":  true,
	"modify_workflow":  true,
	"execute_workflow": true,
}

func monitoringRequired(req *Request, sandbox *AgentSandbox) bool {
	if highRiskOperations[req.Operation] {
		return true
	}
	return sandbox.Level == LevelRestricted || sandbox.Level == LevelIsolated
}

// allowConditions attaches level- and operation-specific caveats to an
// allowed request.
func allowConditions(req *Request, sandbox *AgentSandbox) []string {
	var conditions []string

	switch sandbox.Level {
	case LevelTraining:
		conditions = append(conditions,
			"Operation will be logged for training purposes",
			"No persistent changes will be made")
	case LevelRestricted:
		conditions = append(conditions,
			"Operation will be monitored",
			"Changes may be rolled back")
	case LevelIsolated:
		conditions = append(conditions,
			"Operation runs in isolation",
			"No network access available")
	}

	switch req.Operation {
	case "file_write":
		conditions = append(conditions, "File changes will be versioned")
	case "network_request":
		conditions = append(conditions, "Network activity will be logged")
	}

	return conditions
}

// inferEscalationOperationType classifies a request for the reviewer queue.
func inferEscalationOperationType(req *Request) EscalationOperationType {
	op := req.Operation
	switch {
	case op == "execute_command":
		if strings.Contains(req.commandParam(), "sudo") {
			return EscalationPrivilegeEscalation
		}
		return EscalationCommandExecution
	case op == "network_request" || strings.HasPrefix(op, "http_") || op == "download_file":
		return EscalationNetworkAccess
	case strings.HasPrefix(op, "file_"):
		return EscalationFileSystemAccess
	case strings.Contains(op, "workflow"):
		return EscalationWorkflowModification
	default:
		return EscalationOperationType(op)
	}
}

// inferEscalationPriority maps operation class to review urgency.
func inferEscalationPriority(req *Request, opType EscalationOperationType) EscalationPriority {
	switch opType {
	case EscalationPrivilegeEscalation:
		return PriorityCritical
	case EscalationCommandExecution, EscalationQualityGateOverride:
		return PriorityHigh
	case EscalationFileSystemAccess, EscalationNetworkAccess, EscalationWorkflowModification:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// operationTypesFor returns the policy operation classes a request falls
// under; several can apply at once.
func operationTypesFor(req *Request) []OperationType {
	var types []OperationType
	switch req.Operation {
	case "file_write", "file_create", "file_modify":
		types = append(types, OpFileWrite)
	case "file_delete", "file_move":
		types = append(types, OpFileDelete)
	case "execute_command":
		types = append(types, OpCommandExecution)
		if strings.Contains(req.commandParam(), "sudo") {
			types = append(types, OpPrivilegedOperation)
		}
	case "network_request":
		types = append(types, OpNetworkAccess)
	}

	if path, ok := req.Parameters["path"].(string); ok {
		for _, prefix := range []string{"/etc/", "/sys/", "/root/", "/boot/"} {
			if strings.HasPrefix(path, prefix) {
				types = append(types, OpSystemFileAccess)
				break
			}
		}
	}
	if strings.Contains(req.Operation, "config") {
		types = append(types, OpConfigChange)
	}
	if strings.Contains(req.Operation, "database") {
		types = append(types, OpDatabaseOperation)
	}
	return types
}

// requiresHumanApproval reports whether the policy routes this request to
// a reviewer instead of outright denial.
func requiresHumanApproval(policy *EscalationPolicy, req *Request) bool {
	reqTypes := operationTypesFor(req)
	for _, required := range policy.RequireHumanApproval {
		for _, t := range reqTypes {
			if t == required {
				return true
			}
		}
	}
	return false
}

// Sweep expires stale pending escalations. Intended to run on a schedule.
func (e *Engine) Sweep() (int, error) {
	return e.escalations.ProcessExpired()
}
