package sandbox

// DefaultsForLevel returns the fixed default policy bundle for a sandbox
// level.
func DefaultsForLevel(level Level) (PermissionSet, ResourceLimits, CommandFilter, EscalationPolicy) {
	switch level {
	case LevelTraining:
		return trainingDefaults()
	case LevelRestricted:
		return restrictedDefaults()
	case LevelIsolated:
		return isolatedDefaults()
	case LevelUnrestricted:
		return unrestrictedDefaults()
	default:
		return standardDefaults()
	}
}

func trainingDefaults() (PermissionSet, ResourceLimits, CommandFilter, EscalationPolicy) {
	perms := PermissionSet{
		AllowedCommands: []CommandPermission{
			{Pattern: ExactPattern("cargo check"), Description: "Run cargo check", RiskLevel: RiskLow},
			{Pattern: ExactPattern("cargo test --lib"), Description: "Run library tests", RiskLevel: RiskLow},
			{Pattern: ExactPattern("git status"), Description: "Check git status", RiskLevel: RiskLow},
		},
		ForbiddenPaths: []PathRestriction{
			{Pattern: "/etc/*", Reason: "System configuration files", EscalationAllowed: false},
			{Pattern: "*/src/security/*", Reason: "Security-sensitive code", EscalationAllowed: true},
		},
		AllowedFileOps: []FileOperation{FileRead},
		NetworkAccess:  NetworkDenied,
		Workflow: WorkflowPermissions{
			RestrictedTypes: []string{"security"},
		},
	}

	limits := ResourceLimits{
		MaxMemoryMB:                 512,
		MaxCPUPercentage:            25,
		MaxDiskSpaceMB:              1024,
		MaxExecutionTimeMinutes:     10,
		MaxConcurrentOperations:     2,
		MaxFileSizeMB:               10,
		MaxNetworkRequestsPerMinute: 0,
	}

	filter := CommandFilter{
		WhitelistMode: true,
		AllowedCommands: []CommandPattern{
			ExactPattern("cargo check"),
			ExactPattern("cargo test --lib"),
			ExactPattern("git status"),
			BuiltinPattern(BuiltinCargo),
			BuiltinPattern(BuiltinGit),
			BuiltinPattern(BuiltinInternalTool),
		},
	}

	policy := EscalationPolicy{
		RequireHumanApproval:     []OperationType{OpFileWrite, OpCommandExecution},
		EscalationTimeoutSeconds: 3600,
		FallbackAction:           FallbackDeny,
		NotificationChannels:     []string{"training-supervisor"},
	}

	return perms, limits, filter, policy
}

func restrictedDefaults() (PermissionSet, ResourceLimits, CommandFilter, EscalationPolicy) {
	perms := PermissionSet{
		AllowedCommands: []CommandPermission{
			{Pattern: PrefixPattern("cargo"), Description: "Cargo commands", RiskLevel: RiskLow},
			{Pattern: PrefixPattern("git"), Description: "Git commands", RiskLevel: RiskLow},
			{Pattern: PrefixPattern("warden"), Description: "Warden commands", RiskLevel: RiskLow},
		},
		ForbiddenPaths: []PathRestriction{
			{Pattern: "/etc/*", Reason: "System configuration", EscalationAllowed: false},
			{Pattern: "*/migrations/*", Reason: "Database migrations", EscalationAllowed: true},
		},
		AllowedFileOps: []FileOperation{FileRead, FileWrite},
		NetworkAccess:  NetworkInternalOnly,
		Workflow: WorkflowPermissions{
			CanExecute:      true,
			RestrictedTypes: []string{"deployment"},
		},
	}

	limits := ResourceLimits{
		MaxMemoryMB:                 2048,
		MaxCPUPercentage:            50,
		MaxDiskSpaceMB:              4096,
		MaxExecutionTimeMinutes:     30,
		MaxConcurrentOperations:     5,
		MaxFileSizeMB:               50,
		MaxNetworkRequestsPerMinute: 10,
	}

	filter := CommandFilter{
		ForbiddenCommands: []CommandPattern{
			PrefixPattern("sudo"),
			RegexPattern(`rm\s+-rf\s+/`),
		},
	}

	policy := EscalationPolicy{
		AutoApproveSafeOperations: true,
		RequireHumanApproval:      []OperationType{OpConfigChange, OpDatabaseOperation},
		EscalationTimeoutSeconds:  1800,
		FallbackAction:            FallbackDefer,
		NotificationChannels:      []string{"team-lead"},
	}

	return perms, limits, filter, policy
}

func standardDefaults() (PermissionSet, ResourceLimits, CommandFilter, EscalationPolicy) {
	perms := PermissionSet{
		ForbiddenPaths: []PathRestriction{
			{Pattern: "/etc/*", Reason: "System configuration", EscalationAllowed: true},
			{Pattern: "/root/*", Reason: "Root directory", EscalationAllowed: false},
		},
		AllowedFileOps: []FileOperation{FileRead, FileWrite, FileCreate, FileDelete},
		NetworkAccess:  NetworkAllowedWithMonitoring,
		Workflow: WorkflowPermissions{
			CanCreate:       true,
			CanModify:       true,
			CanExecute:      true,
			RestrictedTypes: []string{"production"},
		},
	}

	limits := ResourceLimits{
		MaxMemoryMB:                 4096,
		MaxCPUPercentage:            75,
		MaxDiskSpaceMB:              8192,
		MaxExecutionTimeMinutes:     60,
		MaxConcurrentOperations:     10,
		MaxFileSizeMB:               100,
		MaxNetworkRequestsPerMinute: 50,
	}

	filter := CommandFilter{
		ForbiddenCommands: []CommandPattern{
			RegexPattern(`rm\s+-rf\s+/\*`),
			PrefixPattern("sudo"),
			PrefixPattern("dd"),
		},
	}

	policy := EscalationPolicy{
		AutoApproveSafeOperations: true,
		RequireHumanApproval:      []OperationType{OpSystemFileAccess, OpPrivilegedOperation},
		EscalationTimeoutSeconds:  1800,
		FallbackAction:            FallbackDefer,
		NotificationChannels:      []string{"dev-team"},
	}

	return perms, limits, filter, policy
}

func isolatedDefaults() (PermissionSet, ResourceLimits, CommandFilter, EscalationPolicy) {
	perms := PermissionSet{
		AllowedCommands: []CommandPermission{
			{Pattern: ExactPattern("git status"), Description: "Check git status", RiskLevel: RiskLow},
		},
		ForbiddenPaths: []PathRestriction{
			{Pattern: "/*", Reason: "Root file system access restricted", EscalationAllowed: true},
		},
		AllowedFileOps: []FileOperation{FileRead},
		NetworkAccess:  NetworkDenied,
		Workflow: WorkflowPermissions{
			RestrictedTypes: []string{"*"},
		},
	}

	limits := ResourceLimits{
		MaxMemoryMB:                 256,
		MaxCPUPercentage:            10,
		MaxDiskSpaceMB:              512,
		MaxExecutionTimeMinutes:     5,
		MaxConcurrentOperations:     1,
		MaxFileSizeMB:               1,
		MaxNetworkRequestsPerMinute: 0,
	}

	filter := CommandFilter{
		WhitelistMode: true,
		AllowedCommands: []CommandPattern{
			ExactPattern("git status"),
		},
	}

	policy := EscalationPolicy{
		RequireHumanApproval:     []OperationType{OpFileWrite, OpCommandExecution, OpNetworkAccess},
		EscalationTimeoutSeconds: 7200,
		FallbackAction:           FallbackDeny,
		NotificationChannels:     []string{"security-team"},
	}

	return perms, limits, filter, policy
}

func unrestrictedDefaults() (PermissionSet, ResourceLimits, CommandFilter, EscalationPolicy) {
	perms := PermissionSet{
		AllowedFileOps: []FileOperation{FileRead, FileWrite, FileCreate, FileDelete, FileExecute},
		NetworkAccess:  NetworkUnrestricted,
		Workflow: WorkflowPermissions{
			CanCreate:  true,
			CanModify:  true,
			CanExecute: true,
		},
	}

	limits := ResourceLimits{
		MaxMemoryMB:                 16384,
		MaxCPUPercentage:            100,
		MaxDiskSpaceMB:              102400,
		MaxExecutionTimeMinutes:     1440,
		MaxConcurrentOperations:     50,
		MaxFileSizeMB:               1024,
		MaxNetworkRequestsPerMinute: 1000,
	}

	filter := CommandFilter{}

	policy := EscalationPolicy{
		AutoApproveSafeOperations: true,
		EscalationTimeoutSeconds:  60,
		FallbackAction:            FallbackAllow,
	}

	return perms, limits, filter, policy
}
