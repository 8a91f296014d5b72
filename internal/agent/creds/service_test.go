package creds

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cirkelline/localagent/internal/agent/storage"
)

// memCredStorage is an in-memory CredentialStorage for tests.
type memCredStorage struct {
	record *storage.Credentials
}

func (m *memCredStorage) SaveCredentials(ctx context.Context, creds *storage.Credentials) error {
	copied := *creds
	m.record = &copied
	return nil
}

func (m *memCredStorage) GetCredentials(ctx context.Context) (*storage.Credentials, error) {
	if m.record == nil {
		return nil, storage.ErrCredentialsNotFound
	}
	copied := *m.record
	return &copied, nil
}

func (m *memCredStorage) DeleteCredentials(ctx context.Context) error {
	m.record = nil
	return nil
}

func TestService_SaveEncryptsToken(t *testing.T) {
	store := &memCredStorage{}
	service := NewService(store, "machine-secret")
	ctx := context.Background()

	require.NoError(t, service.Save(ctx, "plain-token", "device-1"))

	// The stored record must not contain the plaintext token.
	require.NotNil(t, store.record)
	assert.NotEqual(t, "plain-token", store.record.Token)
	assert.NotEmpty(t, store.record.Salt)
	assert.Equal(t, "device-1", store.record.DeviceID)
}

func TestService_LoadRoundTrip(t *testing.T) {
	store := &memCredStorage{}
	service := NewService(store, "machine-secret")
	ctx := context.Background()

	require.NoError(t, service.Save(ctx, "plain-token", "device-1"))

	loaded, err := service.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "plain-token", loaded.Token)
	assert.Equal(t, "device-1", loaded.DeviceID)
}

func TestService_LoadWithWrongSecretFails(t *testing.T) {
	store := &memCredStorage{}
	ctx := context.Background()

	require.NoError(t, NewService(store, "machine-secret").Save(ctx, "plain-token", "device-1"))

	_, err := NewService(store, "other-secret").Load(ctx)
	assert.Error(t, err)
}

func TestService_LoadMissing(t *testing.T) {
	service := NewService(&memCredStorage{}, "machine-secret")

	_, err := service.Load(context.Background())
	assert.ErrorIs(t, err, storage.ErrCredentialsNotFound)
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "device-1",
		"exp": exp.Unix(),
	})
	signed, err := token.SignedString([]byte("test-key"))
	require.NoError(t, err)
	return signed
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)

	got, ok := TokenExpiry(signedToken(t, exp))
	require.True(t, ok)
	assert.WithinDuration(t, exp, got, time.Second)

	_, ok = TokenExpiry("not-a-jwt")
	assert.False(t, ok)
}

func TestExpired(t *testing.T) {
	now := time.Now()

	assert.True(t, Expired(signedToken(t, now.Add(-time.Hour)), now))
	assert.False(t, Expired(signedToken(t, now.Add(time.Hour)), now))

	// Opaque tokens are left to the server to judge.
	assert.False(t, Expired("opaque-token", now))
}
