// Package resource samples system load and derives idle-depth
// classifications and short-horizon forecasts for the permission engine.
package resource

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Measurement is one raw reading from the operating system.
type Measurement struct {
	CPUUsagePercent float64
	RAMUsagePercent float64
	RAMUsedMB       uint64
	RAMTotalMB      uint64
	OnBattery       bool
	BatteryPercent  int // -1 when no battery is present
}

//go:generate moq -out sampler_mock.go . Sampler

// Sampler reads a single measurement. Implementations must not block
// longer than the sampling interval.
type Sampler interface {
	Sample(ctx context.Context) (Measurement, error)
}

// SystemSampler reads measurements from the host via gopsutil, with a
// sysfs probe for battery state.
type SystemSampler struct {
	powerSupplyPath string
}

// NewSystemSampler returns a sampler reading live host metrics.
func NewSystemSampler() *SystemSampler {
	return &SystemSampler{powerSupplyPath: "/sys/class/power_supply"}
}

// Sample reads CPU, memory and battery state. A partial failure returns
// an error so the analyzer can mark the snapshot stale instead of
// recording bogus values.
func (s *SystemSampler) Sample(ctx context.Context) (Measurement, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil || len(percents) == 0 {
		return Measurement{}, fmt.Errorf("failed to read cpu usage: %w", err)
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Measurement{}, fmt.Errorf("failed to read memory usage: %w", err)
	}

	m := Measurement{
		CPUUsagePercent: percents[0],
		RAMUsagePercent: vm.UsedPercent,
		RAMUsedMB:       vm.Used / (1024 * 1024),
		RAMTotalMB:      vm.Total / (1024 * 1024),
		BatteryPercent:  -1,
	}

	// Battery state is best effort: desktops simply have none.
	m.OnBattery, m.BatteryPercent = s.readBattery()

	return m, nil
}

// readBattery probes sysfs for the first battery supply. Missing files
// mean "no battery", never an error.
func (s *SystemSampler) readBattery() (onBattery bool, percent int) {
	percent = -1

	entries, err := os.ReadDir(s.powerSupplyPath)
	if err != nil {
		return false, percent
	}

	// Batteries first: adapter state only matters once we know one
	// exists.
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "BAT") {
			continue
		}
		base := filepath.Join(s.powerSupplyPath, name)
		if capData, err := os.ReadFile(filepath.Join(base, "capacity")); err == nil {
			if v, err := strconv.Atoi(strings.TrimSpace(string(capData))); err == nil {
				percent = v
			}
		}
		if statusData, err := os.ReadFile(filepath.Join(base, "status")); err == nil {
			if strings.TrimSpace(string(statusData)) == "Discharging" {
				onBattery = true
			}
		}
	}

	batteryPresent := percent >= 0 || onBattery
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "AC") && !strings.HasPrefix(name, "ADP") {
			continue
		}
		base := filepath.Join(s.powerSupplyPath, name)
		if onlineData, err := os.ReadFile(filepath.Join(base, "online")); err == nil {
			if strings.TrimSpace(string(onlineData)) == "0" && batteryPresent {
				onBattery = true
			}
		}
	}

	return onBattery, percent
}

// DefaultSampleInterval is how often the analyzer loop takes a sample.
const DefaultSampleInterval = 5 * time.Second
