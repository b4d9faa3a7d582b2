package monitoring

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemMetrics holds the latest resource sample.
type SystemMetrics struct {
	CPUPercent  float64
	MemoryBytes uint64
	MemoryMB    float64
	Goroutines  int
	Timestamp   time.Time
}

// SystemMonitor samples process CPU and memory on an interval and serves the
// latest values to /health and the runtime gauges.
//
// Process-level figures come from gopsutil's process handle. When the handle
// cannot be opened the monitor falls back to host-wide cpu/mem readings.
type SystemMonitor struct {
	proc   *process.Process
	logger zerolog.Logger

	mu      sync.RWMutex
	metrics SystemMetrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSystemMonitor creates a monitor for the current process. Call Start to
// begin sampling and Shutdown to stop it.
func NewSystemMonitor(logger zerolog.Logger) *SystemMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	sm := &SystemMonitor{
		logger:  logger.With().Str("component", "system_monitor").Logger(),
		metrics: SystemMetrics{Timestamp: time.Now()},
		ctx:     ctx,
		cancel:  cancel,
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		sm.logger.Warn().Err(err).Msg("Process handle unavailable, using host metrics")
	} else {
		sm.proc = proc
	}
	return sm
}

// Start begins periodic sampling. The first sample is taken immediately.
func (sm *SystemMonitor) Start(interval time.Duration) {
	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()
		defer RecoverPanic(sm.logger, "system_monitor", nil)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		sm.Sample()
		for {
			select {
			case <-ticker.C:
				sm.Sample()
			case <-sm.ctx.Done():
				return
			}
		}
	}()
}

// Sample takes one measurement and publishes it.
func (sm *SystemMonitor) Sample() SystemMetrics {
	var cpuPercent float64
	var memBytes uint64

	if sm.proc != nil {
		if pct, err := sm.proc.CPUPercent(); err == nil {
			cpuPercent = pct
		} else {
			sm.logger.Debug().Err(err).Msg("Process CPU sample failed")
		}
		if info, err := sm.proc.MemoryInfo(); err == nil {
			memBytes = info.RSS
		} else {
			sm.logger.Debug().Err(err).Msg("Process memory sample failed")
		}
	} else {
		if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
			cpuPercent = pcts[0]
		}
		if vmem, err := mem.VirtualMemory(); err == nil {
			memBytes = vmem.Used
		}
	}

	m := SystemMetrics{
		CPUPercent:  cpuPercent,
		MemoryBytes: memBytes,
		MemoryMB:    float64(memBytes) / (1024 * 1024),
		Goroutines:  runtime.NumGoroutine(),
		Timestamp:   time.Now(),
	}

	sm.mu.Lock()
	sm.metrics = m
	sm.mu.Unlock()

	CPUUsagePercent.Set(m.CPUPercent)
	MemoryUsageBytes.Set(float64(m.MemoryBytes))
	GoroutinesActive.Set(float64(m.Goroutines))
	return m
}

// Metrics returns a copy of the latest sample.
func (sm *SystemMonitor) Metrics() SystemMetrics {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.metrics
}

// Shutdown stops sampling and waits for the loop to exit.
func (sm *SystemMonitor) Shutdown() {
	sm.cancel()
	sm.wg.Wait()
}
