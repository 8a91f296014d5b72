// Package storage defines the durable local state interfaces of the
// agent: the pending change queue, the replica, sync metadata, settings,
// unresolved conflicts and credentials.
package storage

import (
	"context"

	"github.com/cirkelline/localagent/internal/models"
)

//go:generate moq -out queue_mock.go . QueueStorage

// QueueStorage is the pending change queue: the durable log of local
// mutations not yet acknowledged by the remote. The application enqueues,
// the sync manager is the only remover. Changes coalesce by item ID, so
// pushing the same item twice has at most one queued effect.
type QueueStorage interface {
	// Enqueue inserts or replaces the pending change for its item ID.
	Enqueue(ctx context.Context, change *models.PendingChange) error

	// Get returns the pending change for an item ID.
	// Returns ErrChangeNotFound when the item is not queued.
	Get(ctx context.Context, itemID string) (*models.PendingChange, error)

	// List returns up to limit non-failed changes, oldest first.
	// limit <= 0 means no limit.
	List(ctx context.Context, limit int) ([]*models.PendingChange, error)

	// ListFailed returns changes that exhausted their attempt budget.
	ListFailed(ctx context.Context) ([]*models.PendingChange, error)

	// Update rewrites a queued change (attempt count, failure flag).
	Update(ctx context.Context, change *models.PendingChange) error

	// Remove deletes the change for an item ID after acknowledgement.
	Remove(ctx context.Context, itemID string) error

	// Count returns the number of queued non-failed changes.
	Count(ctx context.Context) (int, error)
}
