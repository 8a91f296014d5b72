package models

import (
	"time"
)

// TaskCategory names a kind of background work the user may allow.
type TaskCategory string

const (
	CategoryEmbedding     TaskCategory = "embedding"
	CategoryTranscription TaskCategory = "transcription"
	CategoryTextExtract   TaskCategory = "text-extraction"
	CategoryKnowledgePrep TaskCategory = "knowledge-prep"
)

// ContributionSettings is the user-owned contribution configuration.
// The value is immutable; updates construct a fresh value through
// SettingsBuilder and replace the stored one atomically. Every field
// defaults to its most conservative setting and the master flag can only
// become true together with a recorded acknowledgement.
type ContributionSettings struct {
	Enabled        bool       `json:"enabled"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`

	// Resource ceilings
	MaxCPUPercent    int `json:"max_cpu_percent"`
	MaxRAMMB         int `json:"max_ram_mb"`
	MaxBandwidthKBps int `json:"max_bandwidth_kbps"`

	// Temporal constraints
	RequireSystemIdle             bool           `json:"require_system_idle"`
	StopOnUserActivity            bool           `json:"stop_on_user_activity"`
	IdleBeforeContributionSeconds int            `json:"idle_before_contribution_seconds"`
	AllowedWeekdays               []time.Weekday `json:"allowed_weekdays"`
	AllowedHoursStart             int            `json:"allowed_hours_start"` // inclusive, 0-23
	AllowedHoursEnd               int            `json:"allowed_hours_end"`   // exclusive, 1-24

	// Power constraints
	RequireExternalPower bool `json:"require_external_power"`
	MinBatteryPercent    int  `json:"min_battery_percent"`

	// Explicit allow-list of task categories
	AllowedCategories []TaskCategory `json:"allowed_categories"`
}

// DefaultContributionSettings returns the conservative baseline:
// contribution disabled, modest ceilings, idle-only, external power
// required, no categories allowed.
func DefaultContributionSettings() ContributionSettings {
	return ContributionSettings{
		Enabled:                       false,
		MaxCPUPercent:                 30,
		MaxRAMMB:                      2048,
		MaxBandwidthKBps:              0,
		RequireSystemIdle:             true,
		StopOnUserActivity:            true,
		IdleBeforeContributionSeconds: 300,
		AllowedWeekdays:               nil,
		AllowedHoursStart:             0,
		AllowedHoursEnd:               24,
		RequireExternalPower:          true,
		MinBatteryPercent:             20,
		AllowedCategories:             nil,
	}
}

// CategoryAllowed reports whether the category is on the allow-list.
func (s ContributionSettings) CategoryAllowed(c TaskCategory) bool {
	for _, allowed := range s.AllowedCategories {
		if allowed == c {
			return true
		}
	}
	return false
}

// WeekdayAllowed reports whether work may run on the given weekday.
// An empty list means no weekday has been allowed yet.
func (s ContributionSettings) WeekdayAllowed(d time.Weekday) bool {
	for _, allowed := range s.AllowedWeekdays {
		if allowed == d {
			return true
		}
	}
	return false
}

// InWindow reports whether t falls inside the configured weekday and hour
// window.
func (s ContributionSettings) InWindow(t time.Time) bool {
	if !s.WeekdayAllowed(t.Weekday()) {
		return false
	}
	hour := t.Hour()
	return hour >= s.AllowedHoursStart && hour < s.AllowedHoursEnd
}

// NextWindowStart returns the earliest instant at or after t that falls
// inside the allowed window, and ok=false when no weekday is allowed at
// all.
func (s ContributionSettings) NextWindowStart(t time.Time) (time.Time, bool) {
	if len(s.AllowedWeekdays) == 0 {
		return time.Time{}, false
	}
	if s.InWindow(t) {
		return t, true
	}

	// Scan at most a full week plus one day of hour starts.
	candidate := time.Date(t.Year(), t.Month(), t.Day(), s.AllowedHoursStart, 0, 0, 0, t.Location())
	for day := 0; day <= 7; day++ {
		c := candidate.AddDate(0, 0, day)
		if c.After(t) && s.WeekdayAllowed(c.Weekday()) {
			return c, true
		}
	}
	return time.Time{}, false
}

// SettingsBuilder constructs a ContributionSettings value. The master
// flag is only settable through EnableWithAcknowledgement, which records
// the acknowledgement instant alongside it.
type SettingsBuilder struct {
	s ContributionSettings
}

// NewSettingsBuilder starts from the conservative defaults.
func NewSettingsBuilder() *SettingsBuilder {
	return &SettingsBuilder{s: DefaultContributionSettings()}
}

// From starts from an existing settings value.
func From(s ContributionSettings) *SettingsBuilder {
	return &SettingsBuilder{s: s}
}

// EnableWithAcknowledgement turns the master flag on, recording when the
// user acknowledged the contribution terms.
func (b *SettingsBuilder) EnableWithAcknowledgement(at time.Time) *SettingsBuilder {
	b.s.Enabled = true
	ack := at.UTC()
	b.s.AcknowledgedAt = &ack
	return b
}

// Disable turns the master flag off. The acknowledgement record is kept.
func (b *SettingsBuilder) Disable() *SettingsBuilder {
	b.s.Enabled = false
	return b
}

// CPUCeiling sets the maximum CPU percentage donated work may use.
func (b *SettingsBuilder) CPUCeiling(percent int) *SettingsBuilder {
	b.s.MaxCPUPercent = percent
	return b
}

// RAMCeiling sets the maximum resident memory in MB.
func (b *SettingsBuilder) RAMCeiling(mb int) *SettingsBuilder {
	b.s.MaxRAMMB = mb
	return b
}

// BandwidthCeiling sets the maximum bandwidth in KB/s.
func (b *SettingsBuilder) BandwidthCeiling(kbps int) *SettingsBuilder {
	b.s.MaxBandwidthKBps = kbps
	return b
}

// IdleRequirement configures whether work requires system idle and for
// how long the system must have been idle first.
func (b *SettingsBuilder) IdleRequirement(require bool, beforeSeconds int) *SettingsBuilder {
	b.s.RequireSystemIdle = require
	b.s.IdleBeforeContributionSeconds = beforeSeconds
	return b
}

// StopOnActivity configures immediate stop when the user becomes active.
func (b *SettingsBuilder) StopOnActivity(stop bool) *SettingsBuilder {
	b.s.StopOnUserActivity = stop
	return b
}

// Window sets the allowed weekdays and hour range.
func (b *SettingsBuilder) Window(weekdays []time.Weekday, startHour, endHour int) *SettingsBuilder {
	b.s.AllowedWeekdays = append([]time.Weekday(nil), weekdays...)
	b.s.AllowedHoursStart = startHour
	b.s.AllowedHoursEnd = endHour
	return b
}

// Power sets the power constraints.
func (b *SettingsBuilder) Power(requireExternal bool, minBatteryPercent int) *SettingsBuilder {
	b.s.RequireExternalPower = requireExternal
	b.s.MinBatteryPercent = minBatteryPercent
	return b
}

// Categories sets the task category allow-list.
func (b *SettingsBuilder) Categories(cats []TaskCategory) *SettingsBuilder {
	b.s.AllowedCategories = append([]TaskCategory(nil), cats...)
	return b
}

// Build returns the finished immutable settings value.
func (b *SettingsBuilder) Build() ContributionSettings {
	return b.s
}

// TaskStatus is the lifecycle state of a contribution task.
type TaskStatus string

const (
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskAborted   TaskStatus = "aborted"
	TaskFailed    TaskStatus = "failed"
)

// ResourceUsage accumulates what a contribution task actually consumed,
// reported upstream for transparency.
type ResourceUsage struct {
	CPUSecondsUsed float64 `json:"cpu_seconds_used"`
	PeakRAMMB      uint64  `json:"peak_ram_mb"`
	Ticks          int     `json:"ticks"`
}

// ContributionTask is one admitted unit of background work. It is created
// only after a granted permission decision and destroyed on completion,
// abort, or a denial at a later re-check.
type ContributionTask struct {
	TaskID        string        `json:"task_id"`
	Category      TaskCategory  `json:"category"`
	MaxCPUPercent int           `json:"max_cpu_percent"`
	MaxRAMMB      int           `json:"max_ram_mb"`
	MaxDuration   time.Duration `json:"max_duration"`
	StartedAt     time.Time     `json:"started_at"`
	Progress      float64       `json:"progress"` // 0..1
	Status        TaskStatus    `json:"status"`
	Usage         ResourceUsage `json:"usage"`
}
