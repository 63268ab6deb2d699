// Package admission gates new WebSocket upgrades on host/container resource
// pressure, adapted from the host module's root cgroup.go and
// internal/single/platform/cgroup_cpu.go ResourceGuard — there, a static
// connection cap sized from detected container memory; here, the same
// cgroup-aware detection feeding a live CPU/memory threshold check run on
// every upgrade instead of only at startup sizing.
package admission

import (
	"os"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Thresholds configures the rejection points for Guard.ShouldAccept.
type Thresholds struct {
	MaxCPUPercent    float64 // reject at or above this host/container CPU utilization
	MaxMemPercent    float64 // reject at or above this memory utilization
	MaxConnections   int64   // reject at or above this many currently-active connections
}

// DefaultThresholds mirrors the teacher's static safety margins: reject
// before the container actually runs out of headroom, not after.
func DefaultThresholds() Thresholds {
	return Thresholds{MaxCPUPercent: 90, MaxMemPercent: 90, MaxConnections: 0}
}

// Guard decides whether to accept a new connection given current resource
// utilization. A zero MaxConnections in Thresholds disables the connection
// cap check (CPU/memory checks still apply).
type Guard struct {
	thresholds Thresholds
}

// New returns a Guard enforcing thresholds.
func New(thresholds Thresholds) *Guard {
	return &Guard{thresholds: thresholds}
}

// ShouldAccept reports whether a new connection should be admitted given
// currentConnections already active, and if not, a short human-readable
// reason suitable for a log field or metric label.
func (g *Guard) ShouldAccept(currentConnections int64) (bool, string) {
	if g.thresholds.MaxConnections > 0 && currentConnections >= g.thresholds.MaxConnections {
		return false, "max_connections"
	}

	if g.thresholds.MaxMemPercent > 0 {
		if pct, ok := memPercent(); ok && pct >= g.thresholds.MaxMemPercent {
			return false, "memory_pressure"
		}
	}

	if g.thresholds.MaxCPUPercent > 0 {
		if pct, ok := cpuPercent(); ok && pct >= g.thresholds.MaxCPUPercent {
			return false, "cpu_pressure"
		}
	}

	return true, ""
}

// memPercent prefers a cgroup memory.max/current reading (accurate inside
// a container limit gopsutil's host-wide view wouldn't see) and falls back
// to gopsutil's host-wide figure outside a cgroup.
func memPercent() (float64, bool) {
	if limit, used, ok := cgroupMemory(); ok && limit > 0 {
		return 100 * float64(used) / float64(limit), true
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, false
	}
	return vm.UsedPercent, true
}

func cpuPercent() (float64, bool) {
	pcts, err := cpu.Percent(0, false)
	if err != nil || len(pcts) == 0 {
		return 0, false
	}
	return pcts[0], true
}

// cgroupMemory reads the container memory limit and current usage, trying
// cgroup v2 first and falling back to v1, the same two-path probe as the
// teacher's getMemoryLimit.
func cgroupMemory() (limit, used int64, ok bool) {
	if l, err := readCgroupInt("/sys/fs/cgroup/memory.max"); err == nil && l > 0 {
		u, uerr := readCgroupInt("/sys/fs/cgroup/memory.current")
		if uerr == nil {
			return l, u, true
		}
	}
	if l, err := readCgroupInt("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil && l > 0 {
		u, uerr := readCgroupInt("/sys/fs/cgroup/memory/memory.usage_in_bytes")
		if uerr == nil {
			return l, u, true
		}
	}
	return 0, 0, false
}

func readCgroupInt(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(data))
	if s == "max" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
