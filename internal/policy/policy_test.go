package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/clawinfra/warden/internal/sandbox"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadPolicyOverrides(t *testing.T) {
	path := writeTemp(t, "policy.yaml", `
levels:
  training:
    resource_limits:
      max_memory_mb: 1024
      max_network_requests_per_minute: 5
    network_access: internal_only
    escalation:
      timeout_seconds: 1800
      fallback_action: deny
      notification_channels: [ops, security]
`)

	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	defaults := Defaults(f, nil)
	perms, limits, _, esc := defaults(sandbox.LevelTraining)

	if limits.MaxMemoryMB != 1024 {
		t.Errorf("memory = %d, want 1024", limits.MaxMemoryMB)
	}
	if limits.MaxNetworkRequestsPerMinute != 5 {
		t.Errorf("network rate = %d, want 5", limits.MaxNetworkRequestsPerMinute)
	}
	// Untouched fields keep the built-in value.
	if limits.MaxCPUPercentage != 25 {
		t.Errorf("cpu = %d, want built-in 25", limits.MaxCPUPercentage)
	}
	if perms.NetworkAccess != sandbox.NetworkInternalOnly {
		t.Errorf("network access = %s, want internal_only", perms.NetworkAccess)
	}
	if esc.EscalationTimeoutSeconds != 1800 {
		t.Errorf("timeout = %d, want 1800", esc.EscalationTimeoutSeconds)
	}
	if len(esc.NotificationChannels) != 2 {
		t.Errorf("channels = %v, want [ops security]", esc.NotificationChannels)
	}

	// Other levels stay at their built-in bundles.
	_, stdLimits, _, _ := defaults(sandbox.LevelStandard)
	if stdLimits.MaxMemoryMB != 4096 {
		t.Errorf("standard memory = %d, want 4096", stdLimits.MaxMemoryMB)
	}
}

func TestLoadPolicyUnknownLevel(t *testing.T) {
	path := writeTemp(t, "policy.yaml", `
levels:
  medium:
    network_access: denied
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestLoadPolicyBadNetworkAccess(t *testing.T) {
	path := writeTemp(t, "policy.yaml", `
levels:
  standard:
    network_access: sometimes
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for bad network access value")
	}
}

func TestLoadFilterPack(t *testing.T) {
	path := writeTemp(t, "pack.toml", `
[pack]
name = "disk-tools"
description = "Block raw disk manipulation"

[[forbidden]]
kind = "prefix"
prefix = "mkfs"

[[forbidden]]
kind = "regex"
pattern = 'dd\s+if='

[[dangerous]]
pattern = "fdisk"
description = "partition editing"
risk_level = "high"
`)

	pack, err := LoadFilterPack(path)
	if err != nil {
		t.Fatalf("LoadFilterPack: %v", err)
	}
	if pack.Pack.Name != "disk-tools" {
		t.Errorf("name = %q, want disk-tools", pack.Pack.Name)
	}

	var filter sandbox.CommandFilter
	pack.Apply(&filter)
	if len(filter.ForbiddenCommands) != 2 {
		t.Fatalf("forbidden = %d, want 2", len(filter.ForbiddenCommands))
	}
	if len(filter.DangerousPatterns) != 1 {
		t.Fatalf("dangerous = %d, want 1", len(filter.DangerousPatterns))
	}
	if filter.DangerousPatterns[0].RiskLevel != sandbox.RiskHigh {
		t.Errorf("risk = %s, want high", filter.DangerousPatterns[0].RiskLevel)
	}
}

func TestFilterPackRestrictions(t *testing.T) {
	path := writeTemp(t, "pack.toml", `
[pack]
name = "path-guard"

[restrictions.file_write]
forbidden_values = ["/etc/passwd", "/etc/shadow"]
max_length = 256
`)
	pack, err := LoadFilterPack(path)
	if err != nil {
		t.Fatalf("LoadFilterPack: %v", err)
	}

	filter := sandbox.CommandFilter{
		ParameterRestrictions: map[string]sandbox.ParameterRestriction{
			"file_write": {MaxLength: 512},
		},
	}
	pack.Apply(&filter)

	restriction := filter.ParameterRestrictions["file_write"]
	if len(restriction.ForbiddenValues) != 2 {
		t.Errorf("forbidden values = %d, want 2", len(restriction.ForbiddenValues))
	}
	// Packs only tighten: the smaller max length wins.
	if restriction.MaxLength != 256 {
		t.Errorf("max length = %d, want 256", restriction.MaxLength)
	}
}

func TestFilterPackValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"missing name", "[pack]\ndescription = \"x\"\n"},
		{"unknown kind", "[pack]\nname = \"x\"\n\n[[forbidden]]\nkind = \"glob\"\npattern = \"*\"\n"},
		{"prefix without prefix", "[pack]\nname = \"x\"\n\n[[forbidden]]\nkind = \"prefix\"\n"},
	}
	for _, tc := range cases {
		path := writeTemp(t, "pack.toml", tc.content)
		if _, err := LoadFilterPack(path); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestFilterPackExtendsDefaults(t *testing.T) {
	packPath := writeTemp(t, "pack.toml", `
[pack]
name = "disk-tools"

[[forbidden]]
kind = "prefix"
prefix = "mkfs"
`)
	pack, err := LoadFilterPack(packPath)
	if err != nil {
		t.Fatalf("LoadFilterPack: %v", err)
	}

	defaults := Defaults(nil, []*FilterPack{pack})
	_, _, filter, _ := defaults(sandbox.LevelStandard)

	// The standard level carries three built-in forbidden patterns; the
	// pack adds one more.
	if len(filter.ForbiddenCommands) != 4 {
		t.Fatalf("forbidden = %d, want 4", len(filter.ForbiddenCommands))
	}
}
