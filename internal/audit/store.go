// Package audit keeps a local history of sync cycles and contribution
// sessions in SQLite. It backs the status and transparency commands: the
// user can always see what the agent synced and what their device
// contributed.
package audit

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/cirkelline/localagent/internal/models"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// SyncCycleRecord is one completed (or failed) sync cycle.
type SyncCycleRecord struct {
	ID              int64
	StartedAt       time.Time
	FinishedAt      time.Time
	Success         bool
	Pushed          int
	Rejected        int
	Failed          int
	Pulled          int
	Applied         int
	Conflicts       int
	AutoResolved    int
	ManualConflicts int
	Error           string
}

// ContributionRecord is one finished contribution session.
type ContributionRecord struct {
	ID         int64
	TaskID     string
	Category   models.TaskCategory
	Status     models.TaskStatus
	StartedAt  time.Time
	ReportedAt time.Time
	Usage      models.ResourceUsage
	Progress   float64
}

// Store is the SQLite-backed audit history.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the audit database and runs migrations.
// Use ":memory:" for tests.
func New(ctx context.Context, dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite with WAL supports concurrent readers but one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	store := &Store{db: db}
	if err := store.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) runMigrations() error {
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set dialect: %w", err)
	}
	goose.SetBaseFS(embedMigrations)
	if err := goose.Up(s.db, "migrations"); err != nil {
		return fmt.Errorf("goose up failed: %w", err)
	}
	return nil
}

// RecordSyncCycle appends one sync cycle outcome.
func (s *Store) RecordSyncCycle(ctx context.Context, rec *SyncCycleRecord) error {
	query := `
		INSERT INTO sync_cycles (
			started_at, finished_at, success,
			pushed, rejected, failed, pulled, applied,
			conflicts, auto_resolved, manual_conflicts, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		rec.StartedAt.UTC(), rec.FinishedAt.UTC(), rec.Success,
		rec.Pushed, rec.Rejected, rec.Failed, rec.Pulled, rec.Applied,
		rec.Conflicts, rec.AutoResolved, rec.ManualConflicts, rec.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to record sync cycle: %w", err)
	}
	return nil
}

// ListSyncCycles returns the most recent cycles, newest first.
func (s *Store) ListSyncCycles(ctx context.Context, limit int) ([]*SyncCycleRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, started_at, finished_at, success,
		       pushed, rejected, failed, pulled, applied,
		       conflicts, auto_resolved, manual_conflicts, error
		FROM sync_cycles
		ORDER BY started_at DESC, id DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync cycles: %w", err)
	}
	defer rows.Close()

	var records []*SyncCycleRecord
	for rows.Next() {
		rec := &SyncCycleRecord{}
		if err := rows.Scan(
			&rec.ID, &rec.StartedAt, &rec.FinishedAt, &rec.Success,
			&rec.Pushed, &rec.Rejected, &rec.Failed, &rec.Pulled, &rec.Applied,
			&rec.Conflicts, &rec.AutoResolved, &rec.ManualConflicts, &rec.Error,
		); err != nil {
			return nil, fmt.Errorf("failed to scan sync cycle: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ReportContribution stores a finished contribution session. Implements
// the scheduler's reporter.
func (s *Store) ReportContribution(ctx context.Context, task *models.ContributionTask) error {
	query := `
		INSERT INTO contribution_sessions (
			task_id, category, status, started_at, reported_at,
			cpu_seconds_used, peak_ram_mb, ticks, progress
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		task.TaskID, string(task.Category), string(task.Status),
		task.StartedAt.UTC(), time.Now().UTC(),
		task.Usage.CPUSecondsUsed, task.Usage.PeakRAMMB, task.Usage.Ticks,
		task.Progress,
	)
	if err != nil {
		return fmt.Errorf("failed to record contribution session: %w", err)
	}
	return nil
}

// ListContributions returns the most recent sessions, newest first.
func (s *Store) ListContributions(ctx context.Context, limit int) ([]*ContributionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, task_id, category, status, started_at, reported_at,
		       cpu_seconds_used, peak_ram_mb, ticks, progress
		FROM contribution_sessions
		ORDER BY started_at DESC, id DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list contribution sessions: %w", err)
	}
	defer rows.Close()

	var records []*ContributionRecord
	for rows.Next() {
		rec := &ContributionRecord{}
		var category, status string
		if err := rows.Scan(
			&rec.ID, &rec.TaskID, &category, &status,
			&rec.StartedAt, &rec.ReportedAt,
			&rec.Usage.CPUSecondsUsed, &rec.Usage.PeakRAMMB, &rec.Usage.Ticks,
			&rec.Progress,
		); err != nil {
			return nil, fmt.Errorf("failed to scan contribution session: %w", err)
		}
		rec.Category = models.TaskCategory(category)
		rec.Status = models.TaskStatus(status)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ContributionTotals sums up everything the device has contributed.
func (s *Store) ContributionTotals(ctx context.Context) (models.ResourceUsage, error) {
	query := `
		SELECT COALESCE(SUM(cpu_seconds_used), 0),
		       COALESCE(MAX(peak_ram_mb), 0),
		       COALESCE(SUM(ticks), 0)
		FROM contribution_sessions`

	var totals models.ResourceUsage
	err := s.db.QueryRowContext(ctx, query).Scan(
		&totals.CPUSecondsUsed, &totals.PeakRAMMB, &totals.Ticks,
	)
	if err != nil {
		return models.ResourceUsage{}, fmt.Errorf("failed to sum contributions: %w", err)
	}
	return totals, nil
}
