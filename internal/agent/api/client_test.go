package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cirkelline/localagent/pkg/api"
)

func TestClient_Pull(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/sync/pull", r.URL.Path)
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		assert.Equal(t, "device-1", r.Header.Get("X-Device-ID"))

		var req api.PullRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "memory-record", req.DataType)
		assert.EqualValues(t, 100, req.SinceTimestamp)

		resp := api.PullResponse{
			Items:           []api.SyncItem{{ID: "item-1", DataType: "memory-record", Timestamp: 150}},
			HasMore:         false,
			ServerTimestamp: 200,
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer server.Close()

	client := NewClient(server.URL)
	auth := Auth{Token: "token-1", DeviceID: "device-1"}

	resp, err := client.Pull(context.Background(), auth, api.PullRequest{
		DataType:       "memory-record",
		SinceTimestamp: 100,
		Limit:          50,
	})
	require.NoError(t, err)
	require.Len(t, resp.Items, 1)
	assert.Equal(t, "item-1", resp.Items[0].ID)
	assert.EqualValues(t, 200, resp.ServerTimestamp)
}

func TestClient_PushReportsPerItemResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/sync/push", r.URL.Path)

		var req api.PushRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Items, 2)

		resp := api.PushResponse{
			Results: []api.PushResult{
				{ID: req.Items[0].ID, Success: true},
				{ID: req.Items[1].ID, Success: false, Error: "payload too large"},
			},
			ServerTimestamp: 300,
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer server.Close()

	client := NewClient(server.URL)

	resp, err := client.Push(context.Background(), Auth{Token: "t"}, api.PushRequest{
		Items: []api.SyncItem{{ID: "a"}, {ID: "b"}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.True(t, resp.Results[0].Success)
	assert.False(t, resp.Results[1].Success)
	assert.Equal(t, "payload too large", resp.Results[1].Error)
}

func TestClient_ServerErrorIsDecoded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "unauthorized", Message: "credential expired"})
	}))
	defer server.Close()

	client := NewClient(server.URL)

	_, err := client.Pull(context.Background(), Auth{}, api.PullRequest{DataType: "setting"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "credential expired")
}

func TestClient_Health(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	assert.NoError(t, NewClient(server.URL).Health(context.Background()))
}

func TestClient_NetworkFailure(t *testing.T) {
	// Closed server: connection refused.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	client := NewClient(server.URL)
	err := client.Health(context.Background())
	assert.Error(t, err)
}
