package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// networkWindow is the fixed rate-limit window. Counters reset when the
// window lapses, so bursts straddling a boundary can exceed the intended
// average rate. Documented limitation of fixed-window limiting.
const networkWindow = 60 * time.Second

// UsageSampler provides approximate resource usage readings from an
// external instrumentation source. Implementations return 0 for metrics
// they cannot measure.
type UsageSampler interface {
	MemoryMB(agentID string) float64
	CPUPercentage(agentID string) float64
	DiskSpaceMB(agentID string) float64
}

// ProcSampler reads process memory from /proc/self/status. CPU and disk
// sampling are not implemented and report 0; on systems without procfs all
// metrics report 0.
type ProcSampler struct{}

// MemoryMB returns the resident set size of this process in MB.
func (ProcSampler) MemoryMB(agentID string) float64 {
	status, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(status), "\n") {
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return 0
		}
		return kb / 1024.0
	}
	return 0
}

func (ProcSampler) CPUPercentage(agentID string) float64 { return 0 }

func (ProcSampler) DiskSpaceMB(agentID string) float64 { return 0 }

// agentUsage is the mutable usage record for one agent.
type agentUsage struct {
	memoryMB         float64
	cpuPercentage    float64
	diskSpaceMB      float64
	activeOperations uint32
	networkRequests  uint32
	windowStart      time.Time
	executionStart   *time.Time
}

// UsageSnapshot is a read-only view of an agent's current usage.
type UsageSnapshot struct {
	MemoryMB                  float64 `json:"memory_mb"`
	CPUPercentage             float64 `json:"cpu_percentage"`
	DiskSpaceMB               float64 `json:"disk_space_mb"`
	ActiveOperations          uint32  `json:"active_operations"`
	NetworkRequestsThisMinute uint32  `json:"network_requests_this_minute"`
}

// ResourceMonitor tracks per-agent resource usage and rejects requests
// that would exceed configured limits. Safe for concurrent use.
type ResourceMonitor struct {
	mu      sync.Mutex
	usage   map[string]*agentUsage
	sampler UsageSampler
}

// NewResourceMonitor creates a monitor. A nil sampler defaults to
// ProcSampler.
func NewResourceMonitor(sampler UsageSampler) *ResourceMonitor {
	if sampler == nil {
		sampler = ProcSampler{}
	}
	return &ResourceMonitor{
		usage:   make(map[string]*agentUsage),
		sampler: sampler,
	}
}

func (m *ResourceMonitor) usageLocked(agentID string) *agentUsage {
	u, ok := m.usage[agentID]
	if !ok {
		u = &agentUsage{windowStart: time.Now()}
		m.usage[agentID] = u
	}
	return u
}

// CheckLimits refreshes the agent's usage snapshot and compares every
// metric against the limits. Any single breach returns ErrResourceLimit
// naming the metric with observed and limit values.
func (m *ResourceMonitor) CheckLimits(req *Request, limits *ResourceLimits) error {
	// Sample outside the lock; the sampler may do I/O.
	memory := m.sampler.MemoryMB(req.AgentID)
	cpu := m.sampler.CPUPercentage(req.AgentID)
	disk := m.sampler.DiskSpaceMB(req.AgentID)

	m.mu.Lock()
	defer m.mu.Unlock()

	u := m.usageLocked(req.AgentID)
	u.memoryMB = memory
	u.cpuPercentage = cpu
	u.diskSpaceMB = disk

	if u.memoryMB > float64(limits.MaxMemoryMB) {
		return fmt.Errorf("%w: memory usage %.1fMB exceeds limit %dMB", ErrResourceLimit, u.memoryMB, limits.MaxMemoryMB)
	}
	if u.cpuPercentage > float64(limits.MaxCPUPercentage) {
		return fmt.Errorf("%w: CPU usage %.1f%% exceeds limit %d%%", ErrResourceLimit, u.cpuPercentage, limits.MaxCPUPercentage)
	}
	if u.diskSpaceMB > float64(limits.MaxDiskSpaceMB) {
		return fmt.Errorf("%w: disk usage %.1fMB exceeds limit %dMB", ErrResourceLimit, u.diskSpaceMB, limits.MaxDiskSpaceMB)
	}
	if u.activeOperations >= limits.MaxConcurrentOperations {
		return fmt.Errorf("%w: active operations %d exceeds limit %d", ErrResourceLimit, u.activeOperations, limits.MaxConcurrentOperations)
	}

	if req.Operation == "network_request" {
		if err := m.checkNetworkRateLocked(u, limits); err != nil {
			return err
		}
	}

	// Execution time is only enforced while an operation is bracketed by
	// StartOperation/EndOperation.
	if req.Operation == "execute_command" || req.Operation == "execute_workflow" {
		if u.executionStart != nil {
			elapsed := time.Since(*u.executionStart)
			max := time.Duration(limits.MaxExecutionTimeMinutes) * time.Minute
			if elapsed > max {
				return fmt.Errorf("%w: execution time %s exceeds limit %s", ErrResourceLimit, elapsed.Round(time.Second), max)
			}
		}
	}

	if v, ok := req.Parameters["file_size_mb"]; ok {
		if size, ok := toFloat(v); ok && size > float64(limits.MaxFileSizeMB) {
			return fmt.Errorf("%w: file size %.1fMB exceeds limit %dMB", ErrResourceLimit, size, limits.MaxFileSizeMB)
		}
	}

	return nil
}

// checkNetworkRateLocked applies fixed-window rate limiting: the counter
// resets when more than one window has elapsed since the window start.
func (m *ResourceMonitor) checkNetworkRateLocked(u *agentUsage, limits *ResourceLimits) error {
	now := time.Now()
	if now.Sub(u.windowStart) > networkWindow {
		u.networkRequests = 0
		u.windowStart = now
	}

	if u.networkRequests >= limits.MaxNetworkRequestsPerMinute {
		return fmt.Errorf("%w: network requests %d per minute exceeds limit %d",
			ErrResourceLimit, u.networkRequests, limits.MaxNetworkRequestsPerMinute)
	}

	u.networkRequests++
	return nil
}

// StartOperation brackets the beginning of an operation. Callers must
// guarantee EndOperation runs on every exit path or the concurrency
// counter leaks.
func (m *ResourceMonitor) StartOperation(agentID, operation string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := m.usageLocked(agentID)
	u.activeOperations++

	if operation == "execute_command" || operation == "execute_workflow" {
		now := time.Now()
		u.executionStart = &now
	}
}

// EndOperation brackets the end of an operation.
func (m *ResourceMonitor) EndOperation(agentID, operation string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.usage[agentID]
	if !ok {
		return
	}
	if u.activeOperations > 0 {
		u.activeOperations--
	}
	if operation == "execute_command" || operation == "execute_workflow" {
		u.executionStart = nil
	}
}

// CurrentUsage returns a snapshot of the agent's usage, or false when the
// agent is unknown.
func (m *ResourceMonitor) CurrentUsage(agentID string) (UsageSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.usage[agentID]
	if !ok {
		return UsageSnapshot{}, false
	}
	return UsageSnapshot{
		MemoryMB:                  u.memoryMB,
		CPUPercentage:             u.cpuPercentage,
		DiskSpaceMB:               u.diskSpaceMB,
		ActiveOperations:          u.activeOperations,
		NetworkRequestsThisMinute: u.networkRequests,
	}, true
}

// ClearAgent drops all usage data for an agent.
func (m *ResourceMonitor) ClearAgent(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.usage, agentID)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
