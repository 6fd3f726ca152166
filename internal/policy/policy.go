// Package policy loads operator policy files: YAML overrides for the
// built-in per-level defaults and TOML filter packs that extend command
// filters with site-specific patterns.
package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/clawinfra/warden/internal/sandbox"
)

// File is a parsed policy override file.
type File struct {
	Levels map[string]LevelOverride `yaml:"levels"`
}

// LevelOverride adjusts one sandbox level's default bundle. Nil fields
// keep the built-in value.
type LevelOverride struct {
	ResourceLimits *ResourceLimitsOverride `yaml:"resource_limits,omitempty"`
	NetworkAccess  *string                 `yaml:"network_access,omitempty"`
	Escalation     *EscalationOverride     `yaml:"escalation,omitempty"`
}

// ResourceLimitsOverride adjusts individual resource ceilings.
type ResourceLimitsOverride struct {
	MaxMemoryMB                 *uint64 `yaml:"max_memory_mb,omitempty"`
	MaxCPUPercentage            *uint32 `yaml:"max_cpu_percentage,omitempty"`
	MaxDiskSpaceMB              *uint64 `yaml:"max_disk_space_mb,omitempty"`
	MaxExecutionTimeMinutes     *uint32 `yaml:"max_execution_time_minutes,omitempty"`
	MaxConcurrentOperations     *uint32 `yaml:"max_concurrent_operations,omitempty"`
	MaxFileSizeMB               *uint64 `yaml:"max_file_size_mb,omitempty"`
	MaxNetworkRequestsPerMinute *uint32 `yaml:"max_network_requests_per_minute,omitempty"`
}

// EscalationOverride adjusts the escalation policy.
type EscalationOverride struct {
	AutoApproveSafeOperations *bool    `yaml:"auto_approve_safe_operations,omitempty"`
	TimeoutSeconds            *uint64  `yaml:"timeout_seconds,omitempty"`
	FallbackAction            *string  `yaml:"fallback_action,omitempty"`
	NotificationChannels      []string `yaml:"notification_channels,omitempty"`
}

// Load reads and validates a policy override file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks level names and enum values.
func (f *File) Validate() error {
	for name, override := range f.Levels {
		if _, err := sandbox.ParseLevel(name); err != nil {
			return fmt.Errorf("policy level %q: %w", name, err)
		}
		if override.NetworkAccess != nil {
			switch sandbox.NetworkPolicy(*override.NetworkAccess) {
			case sandbox.NetworkDenied, sandbox.NetworkInternalOnly,
				sandbox.NetworkAllowedWithMonitoring, sandbox.NetworkUnrestricted:
			default:
				return fmt.Errorf("policy level %q: unknown network access %q", name, *override.NetworkAccess)
			}
		}
		if override.Escalation != nil && override.Escalation.FallbackAction != nil {
			switch sandbox.FallbackAction(*override.Escalation.FallbackAction) {
			case sandbox.FallbackDeny, sandbox.FallbackAllow, sandbox.FallbackDefer:
			default:
				return fmt.Errorf("policy level %q: unknown fallback action %q", name, *override.Escalation.FallbackAction)
			}
		}
	}
	return nil
}

// Defaults builds the per-level defaults function: the built-in bundle,
// then this file's overrides, then the filter packs' extra patterns.
func Defaults(file *File, packs []*FilterPack) sandbox.DefaultsFunc {
	return func(level sandbox.Level) (sandbox.PermissionSet, sandbox.ResourceLimits, sandbox.CommandFilter, sandbox.EscalationPolicy) {
		perms, limits, filter, esc := sandbox.DefaultsForLevel(level)

		if file != nil {
			if override, ok := file.Levels[string(level)]; ok {
				applyOverride(&override, &perms, &limits, &esc)
			}
		}
		for _, pack := range packs {
			pack.Apply(&filter)
		}
		return perms, limits, filter, esc
	}
}

func applyOverride(o *LevelOverride, perms *sandbox.PermissionSet, limits *sandbox.ResourceLimits, esc *sandbox.EscalationPolicy) {
	if o.NetworkAccess != nil {
		perms.NetworkAccess = sandbox.NetworkPolicy(*o.NetworkAccess)
	}
	if rl := o.ResourceLimits; rl != nil {
		if rl.MaxMemoryMB != nil {
			limits.MaxMemoryMB = *rl.MaxMemoryMB
		}
		if rl.MaxCPUPercentage != nil {
			limits.MaxCPUPercentage = *rl.MaxCPUPercentage
		}
		if rl.MaxDiskSpaceMB != nil {
			limits.MaxDiskSpaceMB = *rl.MaxDiskSpaceMB
		}
		if rl.MaxExecutionTimeMinutes != nil {
			limits.MaxExecutionTimeMinutes = *rl.MaxExecutionTimeMinutes
		}
		if rl.MaxConcurrentOperations != nil {
			limits.MaxConcurrentOperations = *rl.MaxConcurrentOperations
		}
		if rl.MaxFileSizeMB != nil {
			limits.MaxFileSizeMB = *rl.MaxFileSizeMB
		}
		if rl.MaxNetworkRequestsPerMinute != nil {
			limits.MaxNetworkRequestsPerMinute = *rl.MaxNetworkRequestsPerMinute
		}
	}
	if eo := o.Escalation; eo != nil {
		if eo.AutoApproveSafeOperations != nil {
			esc.AutoApproveSafeOperations = *eo.AutoApproveSafeOperations
		}
		if eo.TimeoutSeconds != nil {
			esc.EscalationTimeoutSeconds = *eo.TimeoutSeconds
		}
		if eo.FallbackAction != nil {
			esc.FallbackAction = sandbox.FallbackAction(*eo.FallbackAction)
		}
		if eo.NotificationChannels != nil {
			esc.NotificationChannels = eo.NotificationChannels
		}
	}
}
