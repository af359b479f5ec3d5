package metrics

import (
	"fmt"
	"runtime"
	"strconv"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessSample is a point-in-time resource reading of one process.
type ProcessSample struct {
	PID        int32   `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	MemoryRSS  uint64  `json:"memory_rss"`
	MemoryVMS  uint64  `json:"memory_vms"`
	NumThreads int32   `json:"num_threads"`
	NumFDs     int32   `json:"num_fds,omitempty"`
}

func (s ProcessSample) pidLabel() string { return strconv.Itoa(int(s.PID)) }

// Sample reads CPU, memory, thread and fd counts for pid.
func Sample(pid int32) (ProcessSample, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return ProcessSample{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return ProcessSample{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	s := ProcessSample{PID: pid, MemoryRSS: mem.RSS, MemoryVMS: mem.VMS}
	// CPU and thread counts are optional; zero when unavailable.
	if cpu, err := proc.CPUPercent(); err == nil {
		s.CPUPercent = cpu
	}
	if n, err := proc.NumThreads(); err == nil {
		s.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := proc.NumFDs(); err == nil {
			s.NumFDs = n
		}
	}
	return s, nil
}
