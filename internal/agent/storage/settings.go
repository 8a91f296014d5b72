package storage

import (
	"context"

	"github.com/cirkelline/localagent/internal/models"
)

//go:generate moq -out settings_mock.go . SettingsStorage

// SettingsStorage persists the contribution settings. The value is
// replaced as a whole on every save, so readers never observe a partial
// update.
type SettingsStorage interface {
	// SaveSettings atomically replaces the stored settings value.
	SaveSettings(ctx context.Context, settings models.ContributionSettings) error

	// GetSettings returns the stored settings, or the conservative
	// defaults when none have been saved.
	GetSettings(ctx context.Context) (models.ContributionSettings, error)
}
