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

// SaveConflict stores a conflict awaiting manual resolution
func (s *Storage) SaveConflict(ctx context.Context, conflict *models.ConflictInfo) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	data, err := json.Marshal(conflict)
	if err != nil {
		return fmt.Errorf("failed to marshal conflict: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketConflicts).Put([]byte(conflict.ID), data)
	})
}

// GetConflict retrieves a conflict by its conflict ID
func (s *Storage) GetConflict(ctx context.Context, id string) (*models.ConflictInfo, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	var conflict *models.ConflictInfo

	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketConflicts).Get([]byte(id))
		if data == nil {
			return storage.ErrConflictNotFound
		}

		conflict = &models.ConflictInfo{}
		if err := json.Unmarshal(data, conflict); err != nil {
			return fmt.Errorf("failed to unmarshal conflict: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return conflict, nil
}

// ListConflicts returns all unresolved conflicts, oldest first
func (s *Storage) ListConflicts(ctx context.Context) ([]*models.ConflictInfo, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	var conflicts []*models.ConflictInfo

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketConflicts).ForEach(func(k, v []byte) error {
			var conflict models.ConflictInfo
			if err := json.Unmarshal(v, &conflict); err != nil {
				return fmt.Errorf("failed to unmarshal conflict %s: %w", k, err)
			}
			conflicts = append(conflicts, &conflict)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(conflicts, func(i, j int) bool {
		return conflicts[i].DetectedAt.Before(conflicts[j].DetectedAt)
	})

	return conflicts, nil
}

// RemoveConflict deletes a conflict once resolved
func (s *Storage) RemoveConflict(ctx context.Context, id string) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketConflicts).Delete([]byte(id))
	})
}
