// Package creds persists the remote bearer credential, encrypting the
// token before it reaches storage and decrypting it on the way out.
package creds

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cirkelline/localagent/internal/agent/storage"
	"github.com/cirkelline/localagent/internal/crypto"
)

// Service is the encryption layer between callers and credential
// storage. Tokens are never written to disk in plaintext.
type Service struct {
	storage      storage.CredentialStorage
	deviceSecret string
}

// NewService creates a credential service. deviceSecret is the local
// machine secret the encryption key is derived from.
func NewService(credStorage storage.CredentialStorage, deviceSecret string) *Service {
	return &Service{
		storage:      credStorage,
		deviceSecret: deviceSecret,
	}
}

// Save encrypts the token and stores the credential record.
func (s *Service) Save(ctx context.Context, token, deviceID string) error {
	if token == "" {
		return fmt.Errorf("token cannot be empty")
	}
	if deviceID == "" {
		return fmt.Errorf("device id cannot be empty")
	}

	salt, err := crypto.GenerateSalt()
	if err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}

	key, err := crypto.DeriveKey(s.deviceSecret, salt)
	if err != nil {
		return fmt.Errorf("failed to derive key: %w", err)
	}

	encryptedToken, err := crypto.EncryptToBase64([]byte(token), key)
	if err != nil {
		return fmt.Errorf("failed to encrypt token: %w", err)
	}

	record := &storage.Credentials{
		Token:    encryptedToken,
		DeviceID: deviceID,
		Salt:     base64.StdEncoding.EncodeToString(salt),
		SavedAt:  time.Now().UTC(),
	}

	return s.storage.SaveCredentials(ctx, record)
}

// Load retrieves and decrypts the stored credential.
// Returns storage.ErrCredentialsNotFound when none are stored.
func (s *Service) Load(ctx context.Context) (*storage.Credentials, error) {
	record, err := s.storage.GetCredentials(ctx)
	if err != nil {
		return nil, err
	}

	salt, err := base64.StdEncoding.DecodeString(record.Salt)
	if err != nil {
		return nil, fmt.Errorf("failed to decode salt: %w", err)
	}

	key, err := crypto.DeriveKey(s.deviceSecret, salt)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}

	token, err := crypto.DecryptFromBase64(record.Token, key)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt token: %w", err)
	}

	decrypted := *record
	decrypted.Token = string(token)
	decrypted.Salt = ""
	return &decrypted, nil
}

// Delete removes the stored credential.
func (s *Service) Delete(ctx context.Context) error {
	return s.storage.DeleteCredentials(ctx)
}

// TokenExpiry extracts the expiry claim from a bearer token without
// verifying its signature; verification happens server-side, the agent
// only needs to know whether a refresh is due. Returns ok=false when the
// token is not a JWT or carries no expiry.
func TokenExpiry(token string) (time.Time, bool) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}

	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// Expired reports whether the token carries an expiry in the past.
// Tokens without a readable expiry are treated as still valid; the
// server is the authority either way.
func Expired(token string, now time.Time) bool {
	exp, ok := TokenExpiry(token)
	if !ok {
		return false
	}
	return exp.Before(now)
}
