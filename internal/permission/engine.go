// Package permission decides whether background contribution work may
// run right now, and with what ceiling. Every decision is derived fresh
// from (settings, snapshot, now); grants are never cached, so a running
// task that re-checks sees a revocation on the very next call.
package permission

import (
	"log/slog"
	"time"

	"github.com/cirkelline/localagent/internal/models"
)

const (
	// MaxSessionDuration bounds how long a single grant is valid.
	MaxSessionDuration = 30 * time.Minute

	// headroomCooldownSeconds is the retry hint when ceilings resolve
	// to zero headroom.
	headroomCooldownSeconds = 60

	// activityGraceSeconds is the retry hint after user activity.
	activityGraceSeconds = 60
)

// DenialReason names which checkpoint refused admission.
type DenialReason string

const (
	ReasonDisabled         DenialReason = "contribution_disabled"
	ReasonNotAcknowledged  DenialReason = "terms_not_acknowledged"
	ReasonUserActive       DenialReason = "user_active"
	ReasonInsufficientIdle DenialReason = "insufficient_idle"
	ReasonOnBattery        DenialReason = "on_battery"
	ReasonBatteryLow       DenialReason = "battery_below_floor"
	ReasonOutsideWindow    DenialReason = "outside_allowed_window"
	ReasonNoHeadroom       DenialReason = "no_resource_headroom"
)

// Grant is a time- and resource-bounded admission for one task. The CPU
// and RAM ceilings are the minimum of what the user configured and what
// the device currently has free.
type Grant struct {
	MaxCPUPercent     int
	MaxRAMMB          int
	MaxDuration       time.Duration
	AllowedCategories []models.TaskCategory
}

// Denial explains a refused admission. RetryAfterSeconds is zero when
// re-asking on a timer is pointless and the caller should wait for a
// state change instead.
type Denial struct {
	Reason            DenialReason
	RetryAfterSeconds int
}

// Decision is the outcome of one admission request. Exactly one of
// Grant and Denial is set.
type Decision struct {
	Granted bool
	Grant   *Grant
	Denial  *Denial
}

// Engine evaluates admission requests against the checkpoint sequence.
type Engine struct {
	logger *slog.Logger
}

// NewEngine creates a permission engine.
func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{logger: logger}
}

// Evaluate runs the checkpoint sequence in its fixed order and returns
// the first denial, or a grant when every checkpoint passes.
func (e *Engine) Evaluate(settings models.ContributionSettings, snap models.ResourceSnapshot, now time.Time) Decision {
	decision := evaluate(settings, snap, now)

	if decision.Granted {
		e.logger.Debug("contribution admitted",
			"max_cpu_percent", decision.Grant.MaxCPUPercent,
			"max_ram_mb", decision.Grant.MaxRAMMB,
			"max_duration", decision.Grant.MaxDuration,
		)
	} else {
		e.logger.Debug("contribution denied",
			"reason", decision.Denial.Reason,
			"retry_after_seconds", decision.Denial.RetryAfterSeconds,
		)
	}
	return decision
}

func evaluate(settings models.ContributionSettings, snap models.ResourceSnapshot, now time.Time) Decision {
	// 1. Master switch.
	if !settings.Enabled {
		return deny(ReasonDisabled, 0)
	}

	// 2. Explicit acknowledgement of the contribution terms.
	if settings.AcknowledgedAt == nil {
		return deny(ReasonNotAcknowledged, 0)
	}

	// 3. User activity. A snapshot reports the user as active either
	// through CPU classification or through a recorded input event, and
	// both must map to this reason, not to the idle-duration one.
	if settings.StopOnUserActivity && (!snap.IsIdle || snap.IdleDepth == models.IdleActive) {
		return deny(ReasonUserActive, activityGraceSeconds)
	}

	// 4. Idle duration requirement.
	if settings.RequireSystemIdle && snap.IdleSeconds < settings.IdleBeforeContributionSeconds {
		deficit := settings.IdleBeforeContributionSeconds - snap.IdleSeconds
		return deny(ReasonInsufficientIdle, deficit)
	}

	// 5. External power requirement.
	if settings.RequireExternalPower && snap.OnBattery {
		return deny(ReasonOnBattery, 0)
	}

	// 6. Battery floor. Only meaningful when actually discharging and
	// the charge level is known.
	if snap.OnBattery && snap.BatteryPercent >= 0 && snap.BatteryPercent < settings.MinBatteryPercent {
		return deny(ReasonBatteryLow, 0)
	}

	// 7. Time window and weekday allow-list.
	if !settings.InWindow(now) {
		retry := 0
		if next, ok := settings.NextWindowStart(now); ok {
			retry = int(next.Sub(now).Seconds())
		}
		return deny(ReasonOutsideWindow, retry)
	}

	// 8. Resource headroom: the effective ceiling is the minimum of the
	// configured ceiling and what the device currently has free.
	cpuHeadroom := int(100 - snap.CPUUsagePercent)
	grantCPU := minInt(settings.MaxCPUPercent, cpuHeadroom)

	ramHeadroom := int(snap.RAMTotalMB) - int(snap.RAMUsedMB)
	grantRAM := minInt(settings.MaxRAMMB, ramHeadroom)

	if grantCPU <= 0 || grantRAM <= 0 {
		return deny(ReasonNoHeadroom, headroomCooldownSeconds)
	}

	return Decision{
		Granted: true,
		Grant: &Grant{
			MaxCPUPercent:     grantCPU,
			MaxRAMMB:          grantRAM,
			MaxDuration:       MaxSessionDuration,
			AllowedCategories: append([]models.TaskCategory(nil), settings.AllowedCategories...),
		},
	}
}

func deny(reason DenialReason, retryAfterSeconds int) Decision {
	return Decision{
		Denial: &Denial{Reason: reason, RetryAfterSeconds: retryAfterSeconds},
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
