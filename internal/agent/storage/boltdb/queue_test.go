package boltdb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cirkelline/localagent/internal/agent/storage"
	"github.com/cirkelline/localagent/internal/models"
)

func pendingChange(id string, queuedAt time.Time) *models.PendingChange {
	payload := []byte(`{"content":"` + id + `"}`)
	return &models.PendingChange{
		Item: models.SyncItem{
			ID:        id,
			DataType:  models.DataTypeMemory,
			Operation: models.OperationUpdate,
			Payload:   payload,
			Timestamp: queuedAt.UnixNano(),
			Checksum:  models.ComputeChecksum(payload),
		},
		QueuedAt: queuedAt,
	}
}

func TestQueue_EnqueueGetRemove(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	change := pendingChange("item-1", time.Now().UTC())
	require.NoError(t, store.Enqueue(ctx, change))

	got, err := store.Get(ctx, "item-1")
	require.NoError(t, err)
	assert.Equal(t, change.Item.ID, got.Item.ID)
	assert.Equal(t, change.Item.Checksum, got.Item.Checksum)

	require.NoError(t, store.Remove(ctx, "item-1"))

	_, err = store.Get(ctx, "item-1")
	assert.ErrorIs(t, err, storage.ErrChangeNotFound)
}

func TestQueue_EnqueueCoalescesByItemID(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	base := time.Now().UTC()
	require.NoError(t, store.Enqueue(ctx, pendingChange("item-1", base)))

	// A later mutation of the same record replaces the queued one.
	newer := pendingChange("item-1", base.Add(time.Second))
	require.NoError(t, store.Enqueue(ctx, newer))

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := store.Get(ctx, "item-1")
	require.NoError(t, err)
	assert.Equal(t, newer.Item.Timestamp, got.Item.Timestamp)
}

func TestQueue_ListOldestFirstWithLimit(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	base := time.Now().UTC()
	// Enqueue out of chronological order.
	require.NoError(t, store.Enqueue(ctx, pendingChange("c", base.Add(2*time.Second))))
	require.NoError(t, store.Enqueue(ctx, pendingChange("a", base)))
	require.NoError(t, store.Enqueue(ctx, pendingChange("b", base.Add(time.Second))))

	changes, err := store.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, "a", changes[0].Item.ID)
	assert.Equal(t, "b", changes[1].Item.ID)
}

func TestQueue_FailedChangesAreSurfacedSeparately(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	change := pendingChange("item-1", time.Now().UTC())
	require.NoError(t, store.Enqueue(ctx, change))

	change.AttemptCount = 3
	change.Failed = true
	change.LastError = "validation failed"
	require.NoError(t, store.Update(ctx, change))

	active, err := store.List(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, active)

	failed, err := store.ListFailed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "validation failed", failed[0].LastError)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestQueue_UpdateMissingChange(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	err := store.Update(ctx, pendingChange("ghost", time.Now().UTC()))
	assert.ErrorIs(t, err, storage.ErrChangeNotFound)
}
