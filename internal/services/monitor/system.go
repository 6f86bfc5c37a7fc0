package monitor

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

type Snapshot struct {
	CPU    CPUStats    `json:"cpu"`
	Memory MemoryStats `json:"memory"`
	Disk   []DiskStats `json:"disk"`
	Host   HostInfo    `json:"host"`
	At     time.Time   `json:"at"`
}

type CPUStats struct {
	UsagePercent float64 `json:"usagePercent"`
	Cores        int     `json:"cores"`
}

type MemoryStats struct {
	Total       uint64  `json:"total"`
	Used        uint64  `json:"used"`
	UsedPercent float64 `json:"usedPercent"`
}

type DiskStats struct {
	Path        string  `json:"path"`
	Total       uint64  `json:"total"`
	Used        uint64  `json:"used"`
	UsedPercent float64 `json:"usedPercent"`
}

type HostInfo struct {
	Hostname string `json:"hostname"`
	OS       string `json:"os"`
	Platform string `json:"platform"`
	Uptime   uint64 `json:"uptime"`
}

// Sampler collects host metrics. Paths lists the mountpoints to report; empty
// means "/".
type Sampler struct {
	CPUInterval time.Duration
	Paths       []string
}

// Take samples the host. Individual collectors that fail are left zero.
func (s Sampler) Take(ctx context.Context) (*Snapshot, error) {
	interval := s.CPUInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	paths := s.Paths
	if len(paths) == 0 {
		paths = []string{"/"}
	}

	snap := &Snapshot{At: time.Now().UTC()}
	snap.CPU.Cores = runtime.NumCPU()

	// CPU
	cpuPercent, err := cpu.PercentWithContext(ctx, interval, false)
	if err == nil && len(cpuPercent) > 0 {
		snap.CPU.UsagePercent = cpuPercent[0]
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Memory
	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err == nil {
		snap.Memory = MemoryStats{
			Total:       memInfo.Total,
			Used:        memInfo.Used,
			UsedPercent: memInfo.UsedPercent,
		}
	}

	// Disk
	for _, path := range paths {
		usage, err := disk.UsageWithContext(ctx, path)
		if err != nil {
			continue
		}
		snap.Disk = append(snap.Disk, DiskStats{
			Path:        path,
			Total:       usage.Total,
			Used:        usage.Used,
			UsedPercent: usage.UsedPercent,
		})
	}

	// Host Info
	hostInfo, err := host.InfoWithContext(ctx)
	if err == nil {
		snap.Host = HostInfo{
			Hostname: hostInfo.Hostname,
			OS:       hostInfo.OS,
			Platform: hostInfo.Platform,
			Uptime:   hostInfo.Uptime,
		}
	}

	return snap, ctx.Err()
}
