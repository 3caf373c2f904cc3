package reliability

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// MonitorConfig sets the warning thresholds for the resource monitor.
type MonitorConfig struct {
	CPUWarnPct  float64 // default 85
	MemWarnPct  float64 // default 85
	DiskWarnPct float64 // default 90
}

// ResourceMonitor logs host gauges each tick and warns when a threshold is
// crossed. A probe failure is logged, never returned: a monitoring hiccup
// must not read as a system failure.
type ResourceMonitor struct {
	dataDir string
	cfg     MonitorConfig
	log     zerolog.Logger
}

func NewResourceMonitor(dataDir string, cfg MonitorConfig, log zerolog.Logger) *ResourceMonitor {
	if cfg.CPUWarnPct <= 0 {
		cfg.CPUWarnPct = 85
	}
	if cfg.MemWarnPct <= 0 {
		cfg.MemWarnPct = 85
	}
	if cfg.DiskWarnPct <= 0 {
		cfg.DiskWarnPct = 90
	}
	return &ResourceMonitor{
		dataDir: dataDir,
		cfg:     cfg,
		log:     log.With().Str("job", "resource_monitor").Logger(),
	}
}

func (m *ResourceMonitor) Name() string { return "resource_monitor" }

func (m *ResourceMonitor) Run(ctx context.Context) error {
	event := m.log.Info()

	// Short sampling window: the tick must not stall the scheduler.
	if pcts, err := cpu.PercentWithContext(ctx, 100*time.Millisecond, false); err != nil {
		m.log.Warn().Err(err).Msg("CPU probe failed")
	} else if len(pcts) > 0 {
		event = event.Float64("cpu_pct", pcts[0])
		if pcts[0] > m.cfg.CPUWarnPct {
			m.log.Warn().Float64("cpu_pct", pcts[0]).Msg("CPU usage above threshold")
		}
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		m.log.Warn().Err(err).Msg("Memory probe failed")
	} else {
		event = event.Float64("mem_pct", vm.UsedPercent)
		if vm.UsedPercent > m.cfg.MemWarnPct {
			m.log.Warn().Float64("mem_pct", vm.UsedPercent).Msg("Memory usage above threshold")
		}
	}

	if du, err := disk.UsageWithContext(ctx, m.dataDir); err != nil {
		m.log.Warn().Err(err).Msg("Disk probe failed")
	} else {
		event = event.Float64("disk_pct", du.UsedPercent).Float64("disk_free_gb", float64(du.Free)/1e9)
		if du.UsedPercent > m.cfg.DiskWarnPct {
			m.log.Warn().Float64("disk_pct", du.UsedPercent).Msg("Data volume filling up")
		}
	}

	event.Msg("Resource gauges")
	return nil
}
