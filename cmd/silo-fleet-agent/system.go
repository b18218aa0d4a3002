package main

import (
	"context"
	"fmt"
	"runtime"

	"github.com/EternisAI/silo-fleet/internal/api/http/dto"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

const mib = 1 << 20

func platform() string {
	if config.Agent.Platform != "" {
		return config.Agent.Platform
	}
	return runtime.GOOS + "/" + runtime.GOARCH
}

func detectCapacity(ctx context.Context, diskPath string) (dto.CapacityDTO, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return dto.CapacityDTO{}, fmt.Errorf("failed to read memory: %w", err)
	}
	du, err := disk.UsageWithContext(ctx, diskPath)
	if err != nil {
		return dto.CapacityDTO{}, fmt.Errorf("failed to read disk %s: %w", diskPath, err)
	}
	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return dto.CapacityDTO{}, fmt.Errorf("failed to count CPUs: %w", err)
	}
	return dto.CapacityDTO{
		MemoryMB:      int64(vm.Total / mib),
		DiskMB:        int64(du.Total / mib),
		CPUMillicores: int64(cores) * 1000,
	}, nil
}

// sample reads current utilisation. A dimension that cannot be read is
// reported as an issue rather than failing the heartbeat.
func sample(ctx context.Context, diskPath string) dto.HeartbeatRequest {
	var hb dto.HeartbeatRequest

	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		hb.CPUPct = pcts[0]
	} else {
		hb.Issues = append(hb.Issues, "cpu utilisation unavailable")
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		hb.MemPct = vm.UsedPercent
	} else {
		hb.Issues = append(hb.Issues, "memory utilisation unavailable")
	}
	if du, err := disk.UsageWithContext(ctx, diskPath); err == nil {
		hb.DiskPct = du.UsedPercent
	} else {
		hb.Issues = append(hb.Issues, "disk utilisation unavailable")
	}
	return hb
}
