package boltdb

import (
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/cirkelline/localagent/internal/agent/storage"
	"github.com/cirkelline/localagent/internal/models"
)

const keyContributionSettings = "contribution_settings"

// SaveSettings atomically replaces the stored settings value. The whole
// value is rewritten in one transaction, so readers never see a partial
// update.
func (s *Storage) SaveSettings(ctx context.Context, settings models.ContributionSettings) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSettings).Put([]byte(keyContributionSettings), data)
	})
}

// GetSettings returns the stored settings, or the conservative defaults
// when none have been saved yet.
func (s *Storage) GetSettings(ctx context.Context) (models.ContributionSettings, error) {
	if s.db == nil {
		return models.ContributionSettings{}, storage.ErrStorageClosed
	}

	settings := models.DefaultContributionSettings()

	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSettings).Get([]byte(keyContributionSettings))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &settings); err != nil {
			return fmt.Errorf("failed to unmarshal settings: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.ContributionSettings{}, err
	}

	return settings, nil
}
