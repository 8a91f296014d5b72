package storage

import (
	"context"
	"time"
)

// Credentials is the bearer credential plus device identity presented on
// every remote call. The token is stored encrypted; this struct always
// carries plaintext.
type Credentials struct {
	Token    string    `json:"token"`
	DeviceID string    `json:"device_id"`
	Salt     string    `json:"salt,omitempty"` // key derivation salt, managed by the creds service
	SavedAt  time.Time `json:"saved_at"`
}

//go:generate moq -out creds_mock.go . CredentialStorage

// CredentialStorage persists the (encrypted) remote credentials.
type CredentialStorage interface {
	// SaveCredentials stores the credential record.
	SaveCredentials(ctx context.Context, creds *Credentials) error

	// GetCredentials retrieves the stored record.
	// Returns ErrCredentialsNotFound when none are stored.
	GetCredentials(ctx context.Context) (*Credentials, error)

	// DeleteCredentials removes the stored record.
	DeleteCredentials(ctx context.Context) error
}
