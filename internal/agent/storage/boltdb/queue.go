package boltdb

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"go.etcd.io/bbolt"

	"github.com/cirkelline/localagent/internal/agent/storage"
	"github.com/cirkelline/localagent/internal/models"
)

// Enqueue inserts or replaces the pending change for its item ID
func (s *Storage) Enqueue(ctx context.Context, change *models.PendingChange) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	data, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("failed to marshal pending change: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketQueue)
		if err := bucket.Put([]byte(change.Item.ID), data); err != nil {
			return fmt.Errorf("failed to save pending change: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("transaction failed: %w", err)
	}

	return nil
}

// Get returns the pending change for an item ID
func (s *Storage) Get(ctx context.Context, itemID string) (*models.PendingChange, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	var change *models.PendingChange

	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketQueue).Get([]byte(itemID))
		if data == nil {
			return storage.ErrChangeNotFound
		}

		change = &models.PendingChange{}
		if err := json.Unmarshal(data, change); err != nil {
			return fmt.Errorf("%w: pending change %s: %v", storage.ErrCorrupted, itemID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return change, nil
}

// List returns up to limit non-failed changes, oldest first
func (s *Storage) List(ctx context.Context, limit int) ([]*models.PendingChange, error) {
	changes, err := s.scanQueue(func(c *models.PendingChange) bool { return !c.Failed })
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(changes) > limit {
		changes = changes[:limit]
	}
	return changes, nil
}

// ListFailed returns changes that exhausted their attempt budget
func (s *Storage) ListFailed(ctx context.Context) ([]*models.PendingChange, error) {
	return s.scanQueue(func(c *models.PendingChange) bool { return c.Failed })
}

// Update rewrites a queued change
func (s *Storage) Update(ctx context.Context, change *models.PendingChange) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	data, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("failed to marshal pending change: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketQueue)
		if bucket.Get([]byte(change.Item.ID)) == nil {
			return storage.ErrChangeNotFound
		}
		return bucket.Put([]byte(change.Item.ID), data)
	})
}

// Remove deletes the change for an item ID after acknowledgement
func (s *Storage) Remove(ctx context.Context, itemID string) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketQueue).Delete([]byte(itemID))
	})
}

// Count returns the number of queued non-failed changes
func (s *Storage) Count(ctx context.Context) (int, error) {
	changes, err := s.scanQueue(func(c *models.PendingChange) bool { return !c.Failed })
	if err != nil {
		return 0, err
	}
	return len(changes), nil
}

func (s *Storage) scanQueue(keep func(*models.PendingChange) bool) ([]*models.PendingChange, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	var changes []*models.PendingChange

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketQueue).ForEach(func(k, v []byte) error {
			var change models.PendingChange
			if err := json.Unmarshal(v, &change); err != nil {
				return fmt.Errorf("%w: pending change %s: %v", storage.ErrCorrupted, k, err)
			}
			if keep(&change) {
				changes = append(changes, &change)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(changes, func(i, j int) bool {
		return changes[i].QueuedAt.Before(changes[j].QueuedAt)
	})

	return changes, nil
}
