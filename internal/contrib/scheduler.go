// Package contrib runs admitted background work under the permission
// engine's supervision. At most one task runs at a time, every tick
// re-checks the permission, and a denial aborts the running task
// immediately rather than draining it.
package contrib

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cirkelline/localagent/internal/agent/storage"
	"github.com/cirkelline/localagent/internal/models"
	"github.com/cirkelline/localagent/internal/permission"
)

// DefaultTickInterval bounds how long a revocation can take to act on a
// running task.
const DefaultTickInterval = 5 * time.Second

//go:generate moq -out runner_mock.go . Runner

// Runner is one unit of contributable work, executed in steps so the
// scheduler can stop between any two of them.
type Runner interface {
	// Category names the kind of work, checked against the grant.
	Category() models.TaskCategory

	// Step performs one bounded slice of work under the admitted
	// ceilings and reports what it consumed.
	Step(ctx context.Context) (StepResult, error)
}

// StepResult is what one work slice achieved and consumed.
type StepResult struct {
	Done       bool
	Progress   float64 // 0..1
	CPUSeconds float64
	RAMMB      uint64
}

// Reporter receives finished tasks with their accumulated usage.
type Reporter interface {
	ReportContribution(ctx context.Context, task *models.ContributionTask) error
}

// SnapshotSource supplies the freshest resource snapshot. ok is false
// before the first sample lands.
type SnapshotSource interface {
	Latest() (models.ResourceSnapshot, bool)
}

// Scheduler admits, steps and aborts contribution work.
type Scheduler struct {
	settings  storage.SettingsStorage
	snapshots SnapshotSource
	engine    *permission.Engine
	reporter  Reporter
	logger    *slog.Logger

	tick time.Duration
	now  func() time.Time

	mu      sync.Mutex
	queue   []Runner
	current *runningTask
}

type runningTask struct {
	task   models.ContributionTask
	runner Runner
}

// NewScheduler creates a scheduler. reporter may be nil when no history
// sink is configured.
func NewScheduler(
	settings storage.SettingsStorage,
	snapshots SnapshotSource,
	engine *permission.Engine,
	reporter Reporter,
	logger *slog.Logger,
) *Scheduler {
	return &Scheduler{
		settings:  settings,
		snapshots: snapshots,
		engine:    engine,
		reporter:  reporter,
		logger:    logger,
		tick:      DefaultTickInterval,
		now:       time.Now,
	}
}

// Submit queues work for admission at a later tick. Work whose category
// the user never allowed stays queued until the settings change.
func (s *Scheduler) Submit(runner Runner) {
	s.mu.Lock()
	s.queue = append(s.queue, runner)
	queued := len(s.queue)
	s.mu.Unlock()

	s.logger.Debug("contribution work submitted",
		"category", runner.Category(),
		"queued", queued)
}

// Current returns a copy of the running task, or nil when idle.
func (s *Scheduler) Current() *models.ContributionTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	task := s.current.task
	return &task
}

// QueuedCount returns how much work waits for admission.
func (s *Scheduler) QueuedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Run ticks until ctx ends. A running task is aborted on shutdown.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.abortCurrent(context.Background(), "shutdown")
			return
		case <-ticker.C:
			s.onTick(ctx)
		}
	}
}

// onTick re-derives the permission decision and advances the running
// task by one step, or admits new work when idle.
func (s *Scheduler) onTick(ctx context.Context) {
	settings, err := s.settings.GetSettings(ctx)
	if err != nil {
		s.logger.Warn("failed to load contribution settings", "error", err)
		return
	}

	snap, ok := s.snapshots.Latest()
	if !ok {
		// No measurement yet: nothing to admit on, and nothing to keep
		// running on either.
		s.abortCurrent(ctx, "no_resource_data")
		return
	}

	decision := s.engine.Evaluate(settings, snap, s.now())

	if !decision.Granted {
		s.abortCurrent(ctx, string(decision.Denial.Reason))
		return
	}

	s.mu.Lock()
	running := s.current
	s.mu.Unlock()

	if running == nil {
		s.admit(ctx, decision.Grant)
		return
	}

	// A grant is also bounded in time; an overrun ends the session even
	// while permission holds.
	if s.now().Sub(running.task.StartedAt) >= running.task.MaxDuration {
		s.abortCurrent(ctx, "session_duration_exceeded")
		return
	}

	s.step(ctx, running)
}

// admit starts the first queued runner whose category the grant allows.
func (s *Scheduler) admit(ctx context.Context, grant *permission.Grant) {
	s.mu.Lock()
	idx := -1
	for i, runner := range s.queue {
		if categoryAllowed(grant.AllowedCategories, runner.Category()) {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	runner := s.queue[idx]
	s.queue = append(s.queue[:idx], s.queue[idx+1:]...)

	s.current = &runningTask{
		runner: runner,
		task: models.ContributionTask{
			TaskID:        uuid.New().String(),
			Category:      runner.Category(),
			MaxCPUPercent: grant.MaxCPUPercent,
			MaxRAMMB:      grant.MaxRAMMB,
			MaxDuration:   grant.MaxDuration,
			StartedAt:     s.now(),
			Status:        models.TaskRunning,
		},
	}
	task := s.current.task
	s.mu.Unlock()

	s.logger.Info("contribution task admitted",
		"task_id", task.TaskID,
		"category", task.Category,
		"max_cpu_percent", task.MaxCPUPercent,
		"max_ram_mb", task.MaxRAMMB)
}

// step advances the running task one slice and accumulates its usage.
func (s *Scheduler) step(ctx context.Context, running *runningTask) {
	res, err := running.runner.Step(ctx)

	s.mu.Lock()
	if s.current != running {
		// Aborted concurrently; the step outcome is moot.
		s.mu.Unlock()
		return
	}
	running.task.Usage.Ticks++
	running.task.Usage.CPUSecondsUsed += res.CPUSeconds
	if res.RAMMB > running.task.Usage.PeakRAMMB {
		running.task.Usage.PeakRAMMB = res.RAMMB
	}
	running.task.Progress = res.Progress

	var finished *models.ContributionTask
	switch {
	case err != nil:
		running.task.Status = models.TaskFailed
		finished = s.detachLocked()
	case res.Done:
		running.task.Progress = 1
		running.task.Status = models.TaskCompleted
		finished = s.detachLocked()
	}
	s.mu.Unlock()

	if finished == nil {
		return
	}
	if err != nil {
		s.logger.Warn("contribution task failed", "task_id", finished.TaskID, "error", err)
	} else {
		s.logger.Info("contribution task completed",
			"task_id", finished.TaskID,
			"ticks", finished.Usage.Ticks,
			"cpu_seconds", finished.Usage.CPUSecondsUsed)
	}
	s.report(ctx, finished)
}

// abortCurrent stops the running task, if any, and reports its usage.
func (s *Scheduler) abortCurrent(ctx context.Context, reason string) {
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return
	}
	s.current.task.Status = models.TaskAborted
	finished := s.detachLocked()
	s.mu.Unlock()

	s.logger.Info("contribution task aborted",
		"task_id", finished.TaskID,
		"reason", reason,
		"ticks", finished.Usage.Ticks)
	s.report(ctx, finished)
}

// detachLocked removes the current task and returns its final state.
// Caller holds s.mu.
func (s *Scheduler) detachLocked() *models.ContributionTask {
	task := s.current.task
	s.current = nil
	return &task
}

func (s *Scheduler) report(ctx context.Context, task *models.ContributionTask) {
	if s.reporter == nil {
		return
	}
	if err := s.reporter.ReportContribution(ctx, task); err != nil {
		s.logger.Warn("failed to report contribution usage",
			"task_id", task.TaskID,
			"error", err)
	}
}

func categoryAllowed(allowed []models.TaskCategory, c models.TaskCategory) bool {
	for _, a := range allowed {
		if a == c {
			return true
		}
	}
	return false
}
