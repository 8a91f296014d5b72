// Package boltdb implements the agent storage interfaces on a single
// BoltDB file, one bucket per concern.
package boltdb

import (
	"context"
	"fmt"

	"go.etcd.io/bbolt"
)

var (
	bucketQueue     = []byte("pending")
	bucketReplica   = []byte("replica")
	bucketMetadata  = []byte("metadata")
	bucketSettings  = []byte("settings")
	bucketConflicts = []byte("conflicts")
	bucketCreds     = []byte("credentials")
)

// Storage represents BoltDB storage implementation for the agent
type Storage struct {
	db *bbolt.DB
}

// New creates a new BoltDB storage instance
// dbPath is the path to the BoltDB database file
func New(ctx context.Context, dbPath string) (*Storage, error) {
	db, err := bbolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb: %w", err)
	}

	storage := &Storage{db: db}

	if err := storage.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	return storage, nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Storage) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{
			bucketQueue, bucketReplica, bucketMetadata,
			bucketSettings, bucketConflicts, bucketCreds,
		}
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}
