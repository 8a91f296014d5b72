package storage

import (
	"context"

	"github.com/cirkelline/localagent/internal/models"
)

//go:generate moq -out metadata_mock.go . MetadataStorage

// MetadataStorage holds the sync bookkeeping: per-type checkpoints, the
// origin clock counter and the node identity.
type MetadataStorage interface {
	// SaveCheckpoint records the last fully applied server timestamp for
	// one data type. Callers only advance it after a successful cycle.
	SaveCheckpoint(ctx context.Context, dataType models.DataType, timestamp int64) error

	// GetCheckpoint returns the recorded checkpoint, 0 before the first
	// successful sync.
	GetCheckpoint(ctx context.Context, dataType models.DataType) (int64, error)

	// SaveClock persists the origin clock counter across restarts.
	SaveClock(ctx context.Context, counter int64) error

	// GetClock returns the persisted counter, 0 when never saved.
	GetClock(ctx context.Context) (int64, error)

	// GetNodeID returns the stable node identity, creating one on first
	// call.
	GetNodeID(ctx context.Context) (string, error)
}
