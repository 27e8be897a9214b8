package daemon

import (
	"context"
	"os"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shrinkarr/shrinkarr/pkg/workerd/types"
)

// StatsCollector gathers the system telemetry attached to heartbeats.
type StatsCollector struct {
	tempDir string
}

// NewStatsCollector creates a stats collector. tempDir is the directory the
// worker transcodes into; its free space is what matters for new jobs.
func NewStatsCollector(tempDir string) *StatsCollector {
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &StatsCollector{tempDir: tempDir}
}

// Collect gathers current telemetry. Individual probes failing is fine;
// absent values just stay zero.
func (c *StatsCollector) Collect(ctx context.Context) types.Telemetry {
	var t types.Telemetry

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		t.CPUPercent = percents[0]
	}
	if memInfo, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		t.MemoryPercent = memInfo.UsedPercent
		t.MemoryUsed = memInfo.Used
	}
	if loadAvg, err := load.AvgWithContext(ctx); err == nil {
		t.LoadAvg1m = loadAvg.Load1
	}
	if diskInfo, err := disk.UsageWithContext(ctx, c.tempDir); err == nil {
		t.DiskFree = diskInfo.Free
	}
	return t
}

// Capabilities announces what this worker can do.
func (c *StatsCollector) Capabilities(ctx context.Context) types.Capabilities {
	caps := types.Capabilities{SupportsFileDistribution: true}
	if counts, err := cpu.CountsWithContext(ctx, true); err == nil {
		caps.CPUCount = counts
	}
	if memInfo, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		caps.MemoryTotal = memInfo.Total
	}
	return caps
}
