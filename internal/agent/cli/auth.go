package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	httpapi "github.com/cirkelline/localagent/internal/agent/api"
	"github.com/cirkelline/localagent/internal/agent/creds"
	"github.com/cirkelline/localagent/internal/agent/storage"
)

// RunLogin stores the access credential for this device. The token is
// read without echo and encrypted before it touches disk.
func (c *Cli) RunLogin(ctx context.Context) error {
	token, err := readSecret("Access token: ")
	if err != nil {
		return fmt.Errorf("failed to read token: %w", err)
	}
	if token == "" {
		return fmt.Errorf("token cannot be empty")
	}

	deviceID, err := readInput("Device ID (empty to generate): ")
	if err != nil {
		return fmt.Errorf("failed to read device id: %w", err)
	}
	if deviceID == "" {
		deviceID = uuid.New().String()
		fmt.Printf("Generated device ID: %s\n", deviceID)
	}

	// Sanity-check against the service before persisting anything.
	if err := c.client.Health(ctx); err != nil {
		fmt.Printf("Warning: service not reachable (%v), storing credential anyway\n", err)
	}

	if err := c.creds.Save(ctx, token, deviceID); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}

	if exp, ok := creds.TokenExpiry(token); ok {
		fmt.Printf("Credential stored, expires %s\n", exp.Format(time.RFC3339))
	} else {
		fmt.Println("Credential stored")
	}
	return nil
}

// RunLogout removes the stored credential.
func (c *Cli) RunLogout(ctx context.Context) error {
	if err := c.creds.Delete(ctx); err != nil {
		return fmt.Errorf("failed to remove credential: %w", err)
	}
	fmt.Println("Credential removed")
	return nil
}

// auth loads the stored credential as request auth.
func (c *Cli) auth(ctx context.Context) (httpapi.Auth, error) {
	record, err := c.creds.Load(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrCredentialsNotFound) {
			return httpapi.Auth{}, fmt.Errorf("not logged in, run 'localagent login' first")
		}
		return httpapi.Auth{}, fmt.Errorf("failed to load credential: %w", err)
	}
	if creds.Expired(record.Token, time.Now()) {
		return httpapi.Auth{}, fmt.Errorf("stored credential expired, run 'localagent login' again")
	}
	return httpapi.Auth{Token: record.Token, DeviceID: record.DeviceID}, nil
}
