package boltdb

import (
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/cirkelline/localagent/internal/agent/storage"
)

const keyCredentials = "credentials"

// SaveCredentials stores the credential record. The token inside is
// expected to be encrypted already by the creds service.
func (s *Storage) SaveCredentials(ctx context.Context, creds *storage.Credentials) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCreds).Put([]byte(keyCredentials), data)
	})
}

// GetCredentials retrieves the stored record
func (s *Storage) GetCredentials(ctx context.Context) (*storage.Credentials, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	var creds *storage.Credentials

	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketCreds).Get([]byte(keyCredentials))
		if data == nil {
			return storage.ErrCredentialsNotFound
		}

		creds = &storage.Credentials{}
		if err := json.Unmarshal(data, creds); err != nil {
			return fmt.Errorf("failed to unmarshal credentials: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return creds, nil
}

// DeleteCredentials removes the stored record
func (s *Storage) DeleteCredentials(ctx context.Context) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCreds).Delete([]byte(keyCredentials))
	})
}
