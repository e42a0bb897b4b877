// Package platform detects container resource limits (cgroup v2/v1
// memory.max) and samples live CPU/memory usage, grounded on the
// teacher's cgroup.go and capacity.go.
package platform

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
)

// MemoryLimitBytes returns the container memory limit in bytes, trying
// cgroup v2 (/sys/fs/cgroup/memory.max) then cgroup v1
// (/sys/fs/cgroup/memory/memory.limit_in_bytes). It returns 0 when no
// limit is detected (unlimited, or a non-containerized environment).
func MemoryLimitBytes() int64 {
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		limit := strings.TrimSpace(string(data))
		if limit != "max" {
			if v, err := strconv.ParseInt(limit, 10, 64); err == nil {
				return v
			}
		}
	}
	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		if v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64); err == nil {
			return v
		}
	}
	return 0
}

// MaxConnections derives a safe connection ceiling from the detected
// memory limit, reserving headroom for the Go runtime and the broker's
// own per-connection bookkeeping (trie, subscriber-list slots, callback
// table). Bounds keep pathological configs from going to either extreme.
func MaxConnections(memoryLimitBytes int64) int {
	if memoryLimitBytes == 0 {
		return 10000
	}
	const runtimeOverheadBytes = 128 * 1024 * 1024
	const bytesPerConnection = 16 * 1024 // trie/sub bookkeeping is far lighter than a full WS send buffer

	available := memoryLimitBytes - runtimeOverheadBytes
	if available < 0 {
		available = memoryLimitBytes / 2
	}
	max := int(available / bytesPerConnection)
	if max < 100 {
		max = 100
	}
	if max > 200000 {
		max = 200000
	}
	return max
}

// Usage is a single CPU/memory sample.
type Usage struct {
	CPUPercent  float64
	MemoryBytes uint64
	MemoryLimit int64
	Goroutines  int
}

// Sampler reads host-wide CPU usage and this process's resident memory
// for the internal/metrics gauges. The samples do not feed any
// admission decision.
type Sampler struct {
	proc        *process.Process
	memoryLimit int64
}

// NewSampler opens a handle on the current process.
func NewSampler() (*Sampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &Sampler{proc: proc, memoryLimit: MemoryLimitBytes()}, nil
}

// Sample blocks for interval while gopsutil measures CPU percent over
// that window (cpu.Percent's documented sampling behavior), then reads
// memory. Call this from its own goroutine on a ticker, not inline on a
// hot path.
func (s *Sampler) Sample(interval time.Duration) (Usage, error) {
	pct, err := cpu.Percent(interval, false)
	if err != nil {
		return Usage{}, err
	}
	var cpuPct float64
	if len(pct) > 0 {
		cpuPct = pct[0]
	}

	mem, err := s.proc.MemoryInfo()
	if err != nil {
		return Usage{}, err
	}

	return Usage{
		CPUPercent:  cpuPct,
		MemoryBytes: mem.RSS,
		MemoryLimit: s.memoryLimit,
	}, nil
}
