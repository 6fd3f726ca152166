package sandbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clawinfra/warden/internal/storage"
)

// SandboxEntityType is the storage record type for agent sandbox profiles.
const SandboxEntityType = "agent_sandbox"

// Level is a named bundle of default policies assigned to an agent,
// ordered roughly by permissiveness.
type Level string

const (
	// LevelUnrestricted grants full system access.
	LevelUnrestricted Level = "unrestricted"
	// LevelStandard is normal development access, and the default for
	// agents without an existing profile.
	LevelStandard Level = "standard"
	// LevelRestricted is limited access requiring approval for sensitive
	// operations.
	LevelRestricted Level = "restricted"
	// LevelIsolated is heavily restricted, read-only for most operations.
	LevelIsolated Level = "isolated"
	// LevelTraining is a safe environment for learning agents.
	LevelTraining Level = "training"
)

// ParseLevel converts a level string, rejecting unknown values.
func ParseLevel(s string) (Level, error) {
	switch Level(s) {
	case LevelUnrestricted, LevelStandard, LevelRestricted, LevelIsolated, LevelTraining:
		return Level(s), nil
	}
	return "", fmt.Errorf("%w: unknown sandbox level %q", ErrInvalidConfig, s)
}

// FileOperation is a file capability an agent may hold.
type FileOperation string

const (
	FileRead    FileOperation = "read"
	FileWrite   FileOperation = "write"
	FileCreate  FileOperation = "create"
	FileDelete  FileOperation = "delete"
	FileExecute FileOperation = "execute"
)

// NetworkPolicy is the network access tier of an agent.
type NetworkPolicy string

const (
	NetworkDenied                NetworkPolicy = "denied"
	NetworkInternalOnly          NetworkPolicy = "internal_only"
	NetworkAllowedWithMonitoring NetworkPolicy = "allowed_with_monitoring"
	NetworkUnrestricted          NetworkPolicy = "unrestricted"
)

// CommandPermission is an explicitly allowed command with its risk level.
type CommandPermission struct {
	Pattern     CommandPattern `json:"pattern"`
	Description string         `json:"description"`
	RiskLevel   RiskLevel      `json:"risk_level"`
}

// PathRestriction forbids access to paths matching a pattern.
type PathRestriction struct {
	Pattern           string `json:"pattern"`
	Reason            string `json:"reason"`
	EscalationAllowed bool   `json:"escalation_allowed"`
}

// WorkflowPermissions controls workflow operations.
type WorkflowPermissions struct {
	CanCreate       bool     `json:"can_create_workflows"`
	CanModify       bool     `json:"can_modify_workflows"`
	CanExecute      bool     `json:"can_execute_workflows"`
	RestrictedTypes []string `json:"restricted_workflow_types"`
}

// PermissionSet bounds what an agent may do.
type PermissionSet struct {
	AllowedCommands  []CommandPermission `json:"allowed_commands"`
	ForbiddenPaths   []PathRestriction   `json:"forbidden_paths"`
	AllowedFileOps   []FileOperation     `json:"allowed_file_operations"`
	NetworkAccess    NetworkPolicy       `json:"network_access"`
	Workflow         WorkflowPermissions `json:"workflow_permissions"`
}

// allowsFileOp reports whether op is in the allowed file operations.
func (p *PermissionSet) allowsFileOp(op FileOperation) bool {
	for _, o := range p.AllowedFileOps {
		if o == op {
			return true
		}
	}
	return false
}

// ResourceLimits are hard ceilings; exceeding any one yields outright
// denial, not graceful degradation.
type ResourceLimits struct {
	MaxMemoryMB                 uint64 `json:"max_memory_mb"`
	MaxCPUPercentage            uint32 `json:"max_cpu_percentage"`
	MaxDiskSpaceMB              uint64 `json:"max_disk_space_mb"`
	MaxExecutionTimeMinutes     uint32 `json:"max_execution_time_minutes"`
	MaxConcurrentOperations     uint32 `json:"max_concurrent_operations"`
	MaxFileSizeMB               uint64 `json:"max_file_size_mb"`
	MaxNetworkRequestsPerMinute uint32 `json:"max_network_requests_per_minute"`
}

// ParameterRestriction constrains the values of a command's parameters.
type ParameterRestriction struct {
	AllowedValues     []string `json:"allowed_values"`
	ForbiddenValues   []string `json:"forbidden_values"`
	MaxLength         int      `json:"max_length,omitempty"`
	PatternValidation string   `json:"pattern_validation,omitempty"`
}

// DangerousPattern is a configured signature that does not outright block a
// command but forces human review.
type DangerousPattern struct {
	Pattern     string    `json:"pattern"`
	Description string    `json:"description"`
	RiskLevel   RiskLevel `json:"risk_level"`
	AutoBlock   bool      `json:"auto_block"`
}

// CommandFilter configures command filtering for an agent. In whitelist
// mode only allowed patterns pass (default deny); otherwise everything
// passes except forbidden commands and dangerous patterns.
type CommandFilter struct {
	WhitelistMode         bool                            `json:"whitelist_mode"`
	AllowedCommands       []CommandPattern                `json:"allowed_commands"`
	ForbiddenCommands     []CommandPattern                `json:"forbidden_commands"`
	ParameterRestrictions map[string]ParameterRestriction `json:"parameter_restrictions"`
	DangerousPatterns     []DangerousPattern              `json:"dangerous_patterns"`
}

// OperationType names a class of operations an escalation policy can
// require human approval for.
type OperationType string

const (
	OpFileWrite           OperationType = "file_write"
	OpFileDelete          OperationType = "file_delete"
	OpCommandExecution    OperationType = "command_execution"
	OpNetworkAccess       OperationType = "network_access"
	OpConfigChange        OperationType = "config_change"
	OpDatabaseOperation   OperationType = "database_operation"
	OpSystemFileAccess    OperationType = "system_file_access"
	OpPrivilegedOperation OperationType = "privileged_operation"
)

// FallbackAction is taken when an escalation times out.
type FallbackAction string

const (
	FallbackDeny  FallbackAction = "deny"
	FallbackAllow FallbackAction = "allow"
	FallbackDefer FallbackAction = "defer"
)

// EscalationPolicy controls how out-of-bounds requests reach a reviewer.
type EscalationPolicy struct {
	AutoApproveSafeOperations bool            `json:"auto_approve_safe_operations"`
	RequireHumanApproval      []OperationType `json:"require_human_approval"`
	EscalationTimeoutSeconds  uint64          `json:"escalation_timeout_seconds"`
	FallbackAction            FallbackAction  `json:"fallback_action"`
	NotificationChannels      []string        `json:"notification_channels"`
}

// EscalationTimeout returns the timeout as a duration.
func (p *EscalationPolicy) EscalationTimeout() time.Duration {
	return time.Duration(p.EscalationTimeoutSeconds) * time.Second
}

// AgentSandbox is the per-agent profile bundling the four policy objects.
// Created lazily on an agent's first request, mutated by level changes and
// violation recording, never deleted.
type AgentSandbox struct {
	ID               string                     `json:"id"`
	AgentID          string                     `json:"agent_id"`
	Level            Level                      `json:"sandbox_level"`
	Permissions      PermissionSet              `json:"permissions"`
	ResourceLimits   ResourceLimits             `json:"resource_limits"`
	CommandFilter    CommandFilter              `json:"command_filter"`
	EscalationPolicy EscalationPolicy           `json:"escalation_policy"`
	CreatedBy        string                     `json:"created_by"`
	CreatedAt        time.Time                  `json:"created_at"`
	LastModified     time.Time                  `json:"last_modified"`
	ViolationCount   uint32                     `json:"violation_count"`
	Metadata         map[string]json.RawMessage `json:"metadata,omitempty"`
}

// DefaultsFunc produces the policy bundle for a level. The engine uses
// DefaultsForLevel unless a policy file overrides it.
type DefaultsFunc func(level Level) (PermissionSet, ResourceLimits, CommandFilter, EscalationPolicy)

// NewAgentSandbox creates a profile with the level's default bundle.
func NewAgentSandbox(agentID string, level Level, createdBy string) *AgentSandbox {
	return newAgentSandboxWith(agentID, level, createdBy, DefaultsForLevel)
}

func newAgentSandboxWith(agentID string, level Level, createdBy string, defaults DefaultsFunc) *AgentSandbox {
	now := time.Now().UTC()
	perms, limits, filter, policy := defaults(level)
	return &AgentSandbox{
		ID:               uuid.NewString(),
		AgentID:          agentID,
		Level:            level,
		Permissions:      perms,
		ResourceLimits:   limits,
		CommandFilter:    filter,
		EscalationPolicy: policy,
		CreatedBy:        createdBy,
		CreatedAt:        now,
		LastModified:     now,
		Metadata:         make(map[string]json.RawMessage),
	}
}

// UpdateLevel switches the sandbox to a new level and applies that level's
// default bundle.
func (s *AgentSandbox) UpdateLevel(level Level, defaults DefaultsFunc) {
	if defaults == nil {
		defaults = DefaultsForLevel
	}
	s.Level = level
	s.Permissions, s.ResourceLimits, s.CommandFilter, s.EscalationPolicy = defaults(level)
	s.LastModified = time.Now().UTC()
}

// RecordViolation increments the violation counter and appends a metadata
// entry describing the violation.
func (s *AgentSandbox) RecordViolation(violationType, description string) {
	s.ViolationCount++
	s.LastModified = time.Now().UTC()

	entry := map[string]string{
		"type":        violationType,
		"description": description,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	}

	var violations []map[string]string
	if raw, ok := s.Metadata["violations"]; ok {
		_ = json.Unmarshal(raw, &violations)
	}
	violations = append(violations, entry)

	if s.Metadata == nil {
		s.Metadata = make(map[string]json.RawMessage)
	}
	if raw, err := json.Marshal(violations); err == nil {
		s.Metadata["violations"] = raw
	}
}

// ToRecord serializes the profile to its generic storage form.
func (s *AgentSandbox) ToRecord() (storage.Record, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return storage.Record{}, fmt.Errorf("%w: marshal sandbox: %v", ErrStorage, err)
	}
	return storage.Record{
		ID:        s.ID,
		Type:      SandboxEntityType,
		Agent:     s.AgentID,
		Timestamp: s.CreatedAt,
		Data:      data,
	}, nil
}

// SandboxFromRecord deserializes a profile from its generic storage form.
func SandboxFromRecord(rec storage.Record) (*AgentSandbox, error) {
	if rec.Type != SandboxEntityType {
		return nil, fmt.Errorf("%w: expected record type %q, got %q", ErrInvalidConfig, SandboxEntityType, rec.Type)
	}
	var s AgentSandbox
	if err := json.Unmarshal(rec.Data, &s); err != nil {
		return nil, fmt.Errorf("%w: unmarshal sandbox: %v", ErrStorage, err)
	}
	return &s, nil
}
