package boltdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/cirkelline/localagent/internal/agent/storage"
	"github.com/cirkelline/localagent/internal/models"
)

// replicaKey addresses one logical record: "<data_type>/<id>"
func replicaKey(dataType models.DataType, id string) []byte {
	return []byte(string(dataType) + "/" + id)
}

// SaveItem stores or replaces a record
func (s *Storage) SaveItem(ctx context.Context, item *models.SyncItem) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal item: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketReplica).Put(replicaKey(item.DataType, item.ID), data)
	})
}

// GetItem retrieves a record
func (s *Storage) GetItem(ctx context.Context, dataType models.DataType, id string) (*models.SyncItem, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	var item *models.SyncItem

	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketReplica).Get(replicaKey(dataType, id))
		if data == nil {
			return storage.ErrItemNotFound
		}

		item = &models.SyncItem{}
		if err := json.Unmarshal(data, item); err != nil {
			return fmt.Errorf("%w: replica item %s/%s: %v", storage.ErrCorrupted, dataType, id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return item, nil
}

// ListByType returns all records of one data type
func (s *Storage) ListByType(ctx context.Context, dataType models.DataType) ([]*models.SyncItem, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	var items []*models.SyncItem
	prefix := []byte(string(dataType) + "/")

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketReplica).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var item models.SyncItem
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("%w: replica item %s: %v", storage.ErrCorrupted, k, err)
			}
			items = append(items, &item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return items, nil
}

// DeleteItem removes a record. Deleting a missing record is a no-op.
func (s *Storage) DeleteItem(ctx context.Context, dataType models.DataType, id string) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketReplica).Delete(replicaKey(dataType, id))
	})
}
