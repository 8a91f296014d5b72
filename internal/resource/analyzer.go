package resource

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cirkelline/localagent/internal/models"
)

const (
	// WindowCapacity is the fixed size of the rolling sample window.
	WindowCapacity = 60

	// activityCPUPercent is the instantaneous CPU level treated as user
	// activity for idle tracking.
	activityCPUPercent = 30.0
)

// Analyzer keeps a fixed-capacity rolling window of resource snapshots
// and classifies idle depth from the trailing average rather than the
// instantaneous value, so transient spikes do not flap the state.
type Analyzer struct {
	sampler Sampler
	logger  *slog.Logger

	mu           sync.Mutex
	window       []models.ResourceSnapshot
	lastActivity time.Time
	now          func() time.Time
}

// NewAnalyzer creates an analyzer with an empty window. The device is
// treated as active at start, so idle time accumulates from zero.
func NewAnalyzer(sampler Sampler, logger *slog.Logger) *Analyzer {
	now := time.Now
	return &Analyzer{
		sampler:      sampler,
		logger:       logger,
		window:       make([]models.ResourceSnapshot, 0, WindowCapacity),
		lastActivity: now(),
		now:          now,
	}
}

// Sample appends one measurement to the window, evicting the oldest when
// full. A failed OS read never corrupts history: the previous snapshot is
// carried forward with the stale flag set.
func (a *Analyzer) Sample(ctx context.Context) models.ResourceSnapshot {
	m, err := a.sampler.Sample(ctx)

	a.mu.Lock()
	defer a.mu.Unlock()

	ts := a.now()
	var snap models.ResourceSnapshot

	if err != nil {
		a.logger.Warn("resource sample failed, carrying previous values", "error", err)
		if len(a.window) > 0 {
			snap = a.window[len(a.window)-1]
		}
		snap.Stale = true
		snap.Timestamp = ts
	} else {
		snap = models.ResourceSnapshot{
			CPUUsagePercent: m.CPUUsagePercent,
			RAMUsagePercent: m.RAMUsagePercent,
			RAMUsedMB:       m.RAMUsedMB,
			RAMTotalMB:      m.RAMTotalMB,
			OnBattery:       m.OnBattery,
			BatteryPercent:  m.BatteryPercent,
			Timestamp:       ts,
		}
	}

	if snap.CPUUsagePercent > activityCPUPercent {
		a.lastActivity = ts
	}

	snap.IdleSeconds = int(ts.Sub(a.lastActivity).Seconds())
	snap.IsIdle = snap.IdleSeconds > 0
	snap.IdleDepth = ClassifyIdleDepth(snap.CPUUsagePercent, a.trailingAverageCPULocked(snap.CPUUsagePercent))

	a.appendLocked(snap)
	return snap
}

// RecordActivity marks user input activity detected outside of CPU
// heuristics (e.g. an input hook), resetting idle accumulation.
func (a *Analyzer) RecordActivity() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastActivity = a.now()
}

// Latest returns the most recent snapshot and false when nothing has been
// sampled yet.
func (a *Analyzer) Latest() (models.ResourceSnapshot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.window) == 0 {
		return models.ResourceSnapshot{}, false
	}
	return a.window[len(a.window)-1], true
}

// Forecast predicts available CPU and RAM from the trailing average plus
// the window's linear trend. The result is advisory only; admission gates
// on measured headroom.
func (a *Analyzer) Forecast() models.ResourceForecast {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(a.window)
	if n == 0 {
		return models.ResourceForecast{}
	}

	var cpuSum, ramSum float64
	var totalMB uint64
	for _, s := range a.window {
		cpuSum += s.CPUUsagePercent
		ramSum += float64(s.RAMUsedMB)
		if s.RAMTotalMB > totalMB {
			totalMB = s.RAMTotalMB
		}
	}
	cpuAvg := cpuSum / float64(n)
	ramAvg := ramSum / float64(n)

	// One-step linear extrapolation: compare the halves of the window
	// and project the drift one half-window ahead.
	cpuPred, ramPred := cpuAvg, ramAvg
	if n >= 4 {
		half := n / 2
		var cpuOld, cpuNew, ramOld, ramNew float64
		for i := 0; i < half; i++ {
			cpuOld += a.window[i].CPUUsagePercent
			ramOld += float64(a.window[i].RAMUsedMB)
		}
		for i := half; i < n; i++ {
			cpuNew += a.window[i].CPUUsagePercent
			ramNew += float64(a.window[i].RAMUsedMB)
		}
		cpuPred = cpuNew/float64(n-half) + (cpuNew/float64(n-half) - cpuOld/float64(half))
		ramPred = ramNew/float64(n-half) + (ramNew/float64(n-half) - ramOld/float64(half))
	}

	availCPU := clamp(100-cpuPred, 0, 100)
	availRAM := float64(totalMB) - ramPred
	if availRAM < 0 {
		availRAM = 0
	}

	return models.ResourceForecast{
		AvailableCPUPercent: availCPU,
		AvailableRAMMB:      uint64(availRAM),
		WindowSamples:       n,
	}
}

// Run samples on a fixed interval until ctx is done.
func (a *Analyzer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := a.Sample(ctx)
			a.logger.Debug("resource sample",
				"cpu", snap.CPUUsagePercent,
				"ram", snap.RAMUsagePercent,
				"idle_depth", snap.IdleDepth.String(),
				"stale", snap.Stale)
		}
	}
}

func (a *Analyzer) appendLocked(snap models.ResourceSnapshot) {
	if len(a.window) == WindowCapacity {
		copy(a.window, a.window[1:])
		a.window = a.window[:WindowCapacity-1]
	}
	a.window = append(a.window, snap)
}

// trailingAverageCPULocked averages the window including the incoming
// sample, so classification reacts to the new reading without being
// dominated by it.
func (a *Analyzer) trailingAverageCPULocked(incoming float64) float64 {
	sum := incoming
	for _, s := range a.window {
		sum += s.CPUUsagePercent
	}
	return sum / float64(len(a.window)+1)
}

// ClassifyIdleDepth maps the instantaneous CPU and the trailing average
// to an idle depth. Instantaneous load above the activity level is always
// active; beyond that only the trailing average matters.
func ClassifyIdleDepth(currentCPU, trailingAvgCPU float64) models.IdleDepth {
	switch {
	case currentCPU > activityCPUPercent:
		return models.IdleActive
	case trailingAvgCPU > 20:
		return models.IdleLight
	case trailingAvgCPU > 10:
		return models.IdleMedium
	case trailingAvgCPU > 5:
		return models.IdleDeep
	default:
		return models.IdleSleepReady
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
