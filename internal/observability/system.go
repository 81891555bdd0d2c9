package observability

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemSnapshot is a point-in-time view of host resource usage.
type SystemSnapshot struct {
	UptimeHours   float64 `json:"uptime_hours"`
	CPUPercent    float64 `json:"cpu_percent"`
	RAMPercent    float64 `json:"ram_percent"`
	RAMUsedMB     float64 `json:"ram_used_mb"`
	DiskPercent   float64 `json:"disk_percent"`
	DiskFreeMB    float64 `json:"disk_free_mb"`
	GeneratedAt   string  `json:"generated_at"`
	PartialErrors int     `json:"partial_errors,omitempty"`
}

// SystemMonitor samples host stats via gopsutil.
type SystemMonitor struct {
	dataDir   string
	startedAt time.Time
	log       zerolog.Logger
}

// NewSystemMonitor records the process start time for uptime reporting.
func NewSystemMonitor(dataDir string, log zerolog.Logger) *SystemMonitor {
	return &SystemMonitor{
		dataDir:   dataDir,
		startedAt: time.Now(),
		log:       log.With().Str("component", "system_monitor").Logger(),
	}
}

// Snapshot samples CPU, memory and disk. Individual probe failures are
// logged and counted; the snapshot is still returned with what succeeded.
// The CPU sample uses a 100ms window so status endpoints stay responsive.
func (m *SystemMonitor) Snapshot() SystemSnapshot {
	snap := SystemSnapshot{
		UptimeHours: time.Since(m.startedAt).Hours(),
		GeneratedAt: time.Now().Format(time.RFC3339),
	}

	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		m.log.Warn().Err(err).Msg("Failed to sample CPU usage")
		snap.PartialErrors++
	} else if len(cpuPercent) > 0 {
		snap.CPUPercent = cpuPercent[0]
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		m.log.Warn().Err(err).Msg("Failed to sample memory usage")
		snap.PartialErrors++
	} else {
		snap.RAMPercent = memStat.UsedPercent
		snap.RAMUsedMB = float64(memStat.Used) / 1024 / 1024
	}

	diskStat, err := disk.Usage(m.dataDir)
	if err != nil {
		m.log.Warn().Err(err).Msg("Failed to sample disk usage")
		snap.PartialErrors++
	} else {
		snap.DiskPercent = diskStat.UsedPercent
		snap.DiskFreeMB = float64(diskStat.Free) / 1024 / 1024
	}

	return snap
}
