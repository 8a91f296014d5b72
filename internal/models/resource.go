package models

import "time"

// IdleDepth classifies how deeply idle the device is. Values are ordered:
// a larger depth always means less recent activity, so comparisons with
// >= are meaningful.
type IdleDepth int

const (
	IdleActive IdleDepth = iota
	IdleLight
	IdleMedium
	IdleDeep
	IdleSleepReady
)

// String returns the reporting name of the depth.
func (d IdleDepth) String() string {
	switch d {
	case IdleActive:
		return "active"
	case IdleLight:
		return "light"
	case IdleMedium:
		return "medium"
	case IdleDeep:
		return "deep"
	case IdleSleepReady:
		return "sleep-ready"
	default:
		return "unknown"
	}
}

// ResourceSnapshot is a point-in-time measurement of system load.
// Snapshots are immutable once produced; a newer sample supersedes an
// older one, it never mutates it.
type ResourceSnapshot struct {
	CPUUsagePercent float64   `json:"cpu_usage_percent"`
	RAMUsagePercent float64   `json:"ram_usage_percent"`
	RAMUsedMB       uint64    `json:"ram_used_mb"`
	RAMTotalMB      uint64    `json:"ram_total_mb"`
	GPUUsagePercent float64   `json:"gpu_usage_percent,omitempty"`
	GPUAvailable    bool      `json:"gpu_available"`
	OnBattery       bool      `json:"on_battery"`
	BatteryPercent  int       `json:"battery_percent,omitempty"` // -1 when unknown
	IdleSeconds     int       `json:"idle_seconds"`
	IsIdle          bool      `json:"is_idle"`
	IdleDepth       IdleDepth `json:"idle_depth"`
	Stale           bool      `json:"stale"` // an OS read failed; values are carried over
	Timestamp       time.Time `json:"timestamp"`
}

// ResourceForecast is a short-horizon advisory prediction of available
// capacity. It never acts as a hard admission gate.
type ResourceForecast struct {
	AvailableCPUPercent float64 `json:"available_cpu_percent"`
	AvailableRAMMB      uint64  `json:"available_ram_mb"`
	WindowSamples       int     `json:"window_samples"`
}
