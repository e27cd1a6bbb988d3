// Package hostinfo reports live host resource utilization for
// diagnostic purposes only. It is never consulted by the admission
// scheduler, which works from the configured ResourcePool capacities.
package hostinfo

import (
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot is a point-in-time reading of host resource utilization.
type Snapshot struct {
	Timestamp     time.Time `json:"timestamp"`
	CPUPercent    float64   `json:"cpu_percent"`
	CPUCores      int       `json:"cpu_cores"`
	MemoryUsedMB  uint64    `json:"memory_used_mb"`
	MemoryTotalMB uint64    `json:"memory_total_mb"`
	MemoryPercent float64   `json:"memory_percent"`
	GoRoutines    int       `json:"go_routines"`
}

// Collect gathers a live Snapshot. CPU sampling blocks for up to the given
// duration; callers on a request path should pass a short sample window
// (e.g. 200ms).
func Collect(sample time.Duration) Snapshot {
	snap := Snapshot{
		Timestamp:  time.Now(),
		CPUCores:   runtime.NumCPU(),
		GoRoutines: runtime.NumGoroutine(),
	}

	if pct, err := cpu.Percent(sample, false); err == nil && len(pct) > 0 {
		snap.CPUPercent = pct[0]
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemoryUsedMB = vm.Used / 1024 / 1024
		snap.MemoryTotalMB = vm.Total / 1024 / 1024
		snap.MemoryPercent = vm.UsedPercent
	}

	return snap
}
