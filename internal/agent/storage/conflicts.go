package storage

import (
	"context"

	"github.com/cirkelline/localagent/internal/models"
)

//go:generate moq -out conflicts_mock.go . ConflictStorage

// ConflictStorage holds conflicts awaiting a user decision. Automatic
// resolutions never land here; a stored conflict stays visible until
// resolved, never silently dropped.
type ConflictStorage interface {
	// SaveConflict stores a conflict awaiting manual resolution.
	SaveConflict(ctx context.Context, conflict *models.ConflictInfo) error

	// GetConflict retrieves a conflict by its conflict ID.
	// Returns ErrConflictNotFound when it does not exist.
	GetConflict(ctx context.Context, id string) (*models.ConflictInfo, error)

	// ListConflicts returns all unresolved conflicts, oldest first.
	ListConflicts(ctx context.Context) ([]*models.ConflictInfo, error)

	// RemoveConflict deletes a conflict once resolved.
	RemoveConflict(ctx context.Context, id string) error
}
