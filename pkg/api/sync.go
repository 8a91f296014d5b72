// Package api defines the wire format spoken between the local agent and
// the knowledge center. All shapes are plain JSON so other clients can
// implement the same protocol.
package api

import "encoding/json"

// SyncItem is one unit of replication on the wire.
// (id, data_type) addresses exactly one logical record; timestamp is an
// origin-clock value, monotonic per origin node.
type SyncItem struct {
	ID        string          `json:"id"`
	DataType  string          `json:"data_type"`
	Operation string          `json:"operation"` // "create", "update" or "delete"
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Checksum  string          `json:"checksum"`
}

// PullRequest asks for changes of one data type since a server timestamp.
// Cursor is an opaque pagination token issued by the server.
type PullRequest struct {
	DataType       string `json:"data_type"`
	SinceTimestamp int64  `json:"since_timestamp"`
	Cursor         string `json:"cursor,omitempty"`
	Limit          int    `json:"limit"`
}

// PullResponse returns one page of remote changes.
type PullResponse struct {
	Items           []SyncItem `json:"items"`
	NextCursor      string     `json:"next_cursor,omitempty"`
	HasMore         bool       `json:"has_more"`
	ServerTimestamp int64      `json:"server_timestamp"`
}

// PushRequest uploads a batch of local changes. The batch is applied
// atomically on the server side; per-item outcomes come back in results.
type PushRequest struct {
	Items []SyncItem `json:"items"`
}

// PushResult is the per-item outcome of a push. Success false with a
// non-empty Error means the item was rejected by validation and must not
// be retried.
type PushResult struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// PushConflict reports that the server holds a newer version of an item
// the client tried to push.
type PushConflict struct {
	ID                  string   `json:"id"`
	LocalVersion        SyncItem `json:"local_version"`
	ServerVersion       SyncItem `json:"server_version"`
	SuggestedResolution string   `json:"suggested_resolution,omitempty"`
}

// PushResponse returns per-item results plus any conflicts detected
// server-side.
type PushResponse struct {
	Results         []PushResult   `json:"results"`
	Conflicts       []PushConflict `json:"conflicts,omitempty"`
	ServerTimestamp int64          `json:"server_timestamp"`
}

// ErrorResponse is the generic error body returned by the server.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
