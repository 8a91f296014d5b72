package boltdb

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/cirkelline/localagent/internal/agent/storage"
	"github.com/cirkelline/localagent/internal/models"
)

const (
	keyClock  = "origin_clock"
	keyNodeID = "node_id"

	checkpointPrefix = "checkpoint/"
)

// SaveCheckpoint records the last fully applied server timestamp for one
// data type
func (s *Storage) SaveCheckpoint(ctx context.Context, dataType models.DataType, timestamp int64) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return putInt64(tx.Bucket(bucketMetadata), checkpointPrefix+string(dataType), timestamp)
	})
}

// GetCheckpoint returns the recorded checkpoint, 0 before the first
// successful sync
func (s *Storage) GetCheckpoint(ctx context.Context, dataType models.DataType) (int64, error) {
	if s.db == nil {
		return 0, storage.ErrStorageClosed
	}

	var timestamp int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		timestamp = getInt64(tx.Bucket(bucketMetadata), checkpointPrefix+string(dataType))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get checkpoint: %w", err)
	}

	return timestamp, nil
}

// SaveClock persists the origin clock counter
func (s *Storage) SaveClock(ctx context.Context, counter int64) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return putInt64(tx.Bucket(bucketMetadata), keyClock, counter)
	})
}

// GetClock returns the persisted counter, 0 when never saved
func (s *Storage) GetClock(ctx context.Context) (int64, error) {
	if s.db == nil {
		return 0, storage.ErrStorageClosed
	}

	var counter int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		counter = getInt64(tx.Bucket(bucketMetadata), keyClock)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get clock: %w", err)
	}

	return counter, nil
}

// GetNodeID returns the stable node identity, creating one on first call
func (s *Storage) GetNodeID(ctx context.Context) (string, error) {
	if s.db == nil {
		return "", storage.ErrStorageClosed
	}

	var nodeID string
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMetadata)

		if data := bucket.Get([]byte(keyNodeID)); data != nil {
			nodeID = string(data)
			return nil
		}

		nodeID = uuid.New().String()
		return bucket.Put([]byte(keyNodeID), []byte(nodeID))
	})
	if err != nil {
		return "", fmt.Errorf("failed to get node id: %w", err)
	}

	return nodeID, nil
}

func putInt64(bucket *bbolt.Bucket, key string, value int64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(value))
	return bucket.Put([]byte(key), buf)
}

func getInt64(bucket *bbolt.Bucket, key string) int64 {
	data := bucket.Get([]byte(key))
	if len(data) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(data))
}
