package storage

import (
	"context"

	"github.com/cirkelline/localagent/internal/models"
)

//go:generate moq -out replica_mock.go . ReplicaStorage

// ReplicaStorage is the local copy of replicated records, keyed by
// (data type, item ID).
type ReplicaStorage interface {
	// SaveItem stores or replaces a record.
	SaveItem(ctx context.Context, item *models.SyncItem) error

	// GetItem retrieves a record.
	// Returns ErrItemNotFound when no record exists.
	GetItem(ctx context.Context, dataType models.DataType, id string) (*models.SyncItem, error)

	// ListByType returns all records of one data type.
	ListByType(ctx context.Context, dataType models.DataType) ([]*models.SyncItem, error)

	// DeleteItem removes a record. Deleting a missing record is not an
	// error; remote deletes are idempotent.
	DeleteItem(ctx context.Context, dataType models.DataType, id string) error
}
