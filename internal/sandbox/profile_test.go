package sandbox

import (
	"errors"
	"testing"
)

func TestParseLevel(t *testing.T) {
	for _, s := range []string{"unrestricted", "standard", "restricted", "isolated", "training"} {
		if _, err := ParseLevel(s); err != nil {
			t.Errorf("ParseLevel(%q): %v", s, err)
		}
	}
	if _, err := ParseLevel("medium"); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("got %v, want ErrInvalidConfig", err)
	}
}

func TestAgentSandboxRoundTrip(t *testing.T) {
	original := NewAgentSandbox("agent-1", LevelRestricted, "admin")
	original.RecordViolation("command_blocked", "tried sudo")

	rec, err := original.ToRecord()
	if err != nil {
		t.Fatalf("ToRecord: %v", err)
	}
	if rec.Type != SandboxEntityType {
		t.Fatalf("record type %q, want %q", rec.Type, SandboxEntityType)
	}
	if rec.Agent != "agent-1" {
		t.Fatalf("record agent %q, want agent-1", rec.Agent)
	}

	restored, err := SandboxFromRecord(rec)
	if err != nil {
		t.Fatalf("SandboxFromRecord: %v", err)
	}
	if restored.ID != original.ID {
		t.Errorf("id %q, want %q", restored.ID, original.ID)
	}
	if restored.Level != LevelRestricted {
		t.Errorf("level %s, want restricted", restored.Level)
	}
	if restored.ViolationCount != 1 {
		t.Errorf("violations = %d, want 1", restored.ViolationCount)
	}
	if restored.Permissions.NetworkAccess != NetworkInternalOnly {
		t.Errorf("network policy %s, want internal_only", restored.Permissions.NetworkAccess)
	}
	if got, want := len(restored.CommandFilter.ForbiddenCommands), len(original.CommandFilter.ForbiddenCommands); got != want {
		t.Errorf("forbidden commands = %d, want %d", got, want)
	}
	if _, ok := restored.Metadata["violations"]; !ok {
		t.Error("violations metadata lost in round trip")
	}
}

func TestSandboxFromRecordWrongType(t *testing.T) {
	esc := NewEscalationRequest("agent-1", EscalationNetworkAccess, OperationContext{
		Operation:   "network_request",
		BlockReason: "external target",
	}, "needed", PriorityLow)
	rec, err := esc.ToRecord()
	if err != nil {
		t.Fatalf("ToRecord: %v", err)
	}
	if _, err := SandboxFromRecord(rec); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("got %v, want ErrInvalidConfig", err)
	}
}

func TestEscalationRoundTrip(t *testing.T) {
	original := NewEscalationRequest("agent-1", EscalationCommandExecution, OperationContext{
		Operation:    "execute_command",
		Parameters:   map[string]any{"command": "make deploy"},
		BlockReason:  "not permitted",
		Alternatives: []string{"use an allowed command"},
	}, "deployment needed", PriorityHigh)

	rec, err := original.ToRecord()
	if err != nil {
		t.Fatalf("ToRecord: %v", err)
	}
	restored, err := EscalationFromRecord(rec)
	if err != nil {
		t.Fatalf("EscalationFromRecord: %v", err)
	}
	if restored.ID != original.ID {
		t.Errorf("id %q, want %q", restored.ID, original.ID)
	}
	if restored.Priority != PriorityHigh {
		t.Errorf("priority %s, want high", restored.Priority)
	}
	if !restored.ExpiresAt.Equal(original.ExpiresAt) {
		t.Errorf("expires %s, want %s", restored.ExpiresAt, original.ExpiresAt)
	}
	if restored.Context.BlockReason != "not permitted" {
		t.Errorf("block reason %q lost", restored.Context.BlockReason)
	}
}

func TestUpdateLevelSwapsBundle(t *testing.T) {
	s := NewAgentSandbox("agent-1", LevelStandard, "system")
	if s.ResourceLimits.MaxMemoryMB != 4096 {
		t.Fatalf("standard memory = %d, want 4096", s.ResourceLimits.MaxMemoryMB)
	}

	s.UpdateLevel(LevelTraining, nil)
	if s.Level != LevelTraining {
		t.Fatalf("level %s, want training", s.Level)
	}
	if s.ResourceLimits.MaxMemoryMB != 512 {
		t.Fatalf("training memory = %d, want 512", s.ResourceLimits.MaxMemoryMB)
	}
	if !s.CommandFilter.WhitelistMode {
		t.Fatal("training filter must be whitelist mode")
	}
	if s.Permissions.NetworkAccess != NetworkDenied {
		t.Fatalf("training network %s, want denied", s.Permissions.NetworkAccess)
	}
}

func TestDefaultBundlesPerLevel(t *testing.T) {
	cases := []struct {
		level    Level
		memory   uint64
		network  NetworkPolicy
		fallback FallbackAction
	}{
		{LevelTraining, 512, NetworkDenied, FallbackDeny},
		{LevelRestricted, 2048, NetworkInternalOnly, FallbackDefer},
		{LevelStandard, 4096, NetworkAllowedWithMonitoring, FallbackDefer},
		{LevelIsolated, 256, NetworkDenied, FallbackDeny},
		{LevelUnrestricted, 16384, NetworkUnrestricted, FallbackAllow},
	}
	for _, tc := range cases {
		perms, limits, _, policy := DefaultsForLevel(tc.level)
		if limits.MaxMemoryMB != tc.memory {
			t.Errorf("%s: memory = %d, want %d", tc.level, limits.MaxMemoryMB, tc.memory)
		}
		if perms.NetworkAccess != tc.network {
			t.Errorf("%s: network = %s, want %s", tc.level, perms.NetworkAccess, tc.network)
		}
		if policy.FallbackAction != tc.fallback {
			t.Errorf("%s: fallback = %s, want %s", tc.level, policy.FallbackAction, tc.fallback)
		}
	}
}
