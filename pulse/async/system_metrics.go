package async

import (
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/pulsed/errors"
)

// memoryPressurePercent is the host memory use above which the dispatcher
// warns at startup.
const memoryPressurePercent = 90.0

// SystemMetrics tracks resource usage of a dispatcher process.
type SystemMetrics struct {
	WorkersActive int     `json:"workers_active"` // Handlers currently executing
	WorkersTotal  int     `json:"workers_total"`  // Configured handler slots
	MemoryUsedGB  float64 `json:"memory_used_gb"`
	MemoryTotalGB float64 `json:"memory_total_gb"`
	MemoryPercent float64 `json:"memory_percent"`
}

// getMemoryStats returns current memory usage in bytes.
func getMemoryStats() (total uint64, available uint64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to get memory stats")
	}
	return v.Total, v.Available, nil
}

// memoryPercent is the share of host memory in use, or 0 when unknown.
func memoryPercent() float64 {
	total, available, err := getMemoryStats()
	if err != nil || total == 0 {
		return 0
	}
	return float64(total-available) / float64(total) * 100
}

// SystemMetrics returns current resource usage of this dispatcher.
func (d *Dispatcher) SystemMetrics() SystemMetrics {
	m := SystemMetrics{
		WorkersActive: int(d.running.Load()),
		WorkersTotal:  d.cfg.Workers,
	}
	total, available, err := getMemoryStats()
	if err == nil && total > 0 {
		m.MemoryTotalGB = float64(total) / 1024 / 1024 / 1024
		m.MemoryUsedGB = float64(total-available) / 1024 / 1024 / 1024
		m.MemoryPercent = (m.MemoryUsedGB / m.MemoryTotalGB) * 100
	}
	return m
}

// checkMemoryPressure returns a warning when the host is already short of
// memory, empty otherwise.
func checkMemoryPressure() string {
	pct := memoryPercent()
	if pct < memoryPressurePercent {
		return ""
	}
	return "host memory is above 90% before any handler has started"
}
