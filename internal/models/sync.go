// Package models holds the domain types shared by the sync engine and the
// contribution subsystem.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// DataType identifies the kind of record being replicated.
type DataType string

const (
	DataTypeMemory    DataType = "memory-record"
	DataTypeSession   DataType = "session-record"
	DataTypeKnowledge DataType = "knowledge-chunk"
	DataTypeSetting   DataType = "setting"
)

// DataTypes lists every replicated type, in pull order.
func DataTypes() []DataType {
	return []DataType{DataTypeMemory, DataTypeSession, DataTypeKnowledge, DataTypeSetting}
}

// Valid reports whether t is a member of the closed data type set.
func (t DataType) Valid() bool {
	switch t {
	case DataTypeMemory, DataTypeSession, DataTypeKnowledge, DataTypeSetting:
		return true
	}
	return false
}

// Operation is the mutation kind carried by a sync item.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// SyncItem is one unit of replication. ID is stable across replicas;
// (ID, DataType) addresses exactly one logical record. Timestamp is an
// origin-clock value, monotonic per origin. A delete may carry an empty
// payload.
type SyncItem struct {
	ID        string    `json:"id"`
	DataType  DataType  `json:"data_type"`
	Operation Operation `json:"operation"`
	Payload   []byte    `json:"payload,omitempty"`
	Timestamp int64     `json:"timestamp"`
	Checksum  string    `json:"checksum"`
}

// NewerThan reports whether the item carries a strictly greater origin
// timestamp than other. Equal timestamps are not "newer"; callers that
// need a tiebreak prefer the server version.
func (i *SyncItem) NewerThan(other *SyncItem) bool {
	return i.Timestamp > other.Timestamp
}

// Clone returns a deep copy of the item.
func (i *SyncItem) Clone() *SyncItem {
	payload := make([]byte, len(i.Payload))
	copy(payload, i.Payload)

	clone := *i
	clone.Payload = payload
	return &clone
}

// ComputeChecksum derives the item checksum from its payload.
func ComputeChecksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// PendingChange is a locally produced sync item waiting for a remote
// acknowledgement. It is owned by the pending change queue until the
// server confirms it, then removed.
type PendingChange struct {
	Item         SyncItem  `json:"item"`
	QueuedAt     time.Time `json:"queued_at"`
	AttemptCount int       `json:"attempt_count"`
	LastError    string    `json:"last_error,omitempty"`
	Failed       bool      `json:"failed"`
}

// ResolutionStrategy names how a conflict should be (or was) resolved.
type ResolutionStrategy string

const (
	ResolutionMerge     ResolutionStrategy = "merge"
	ResolutionUseServer ResolutionStrategy = "use-server"
	ResolutionUseLocal  ResolutionStrategy = "use-local"
	ResolutionLatest    ResolutionStrategy = "latest-wins"
	ResolutionManual    ResolutionStrategy = "manual"
)

// ConflictInfo pairs a dirty local item with a newer server version of the
// same (ID, DataType). It exists from detection until resolution, either
// automatic or user-driven.
type ConflictInfo struct {
	ID                  string             `json:"id"` // conflict id, not item id
	LocalVersion        SyncItem           `json:"local_version"`
	ServerVersion       SyncItem           `json:"server_version"`
	SuggestedResolution ResolutionStrategy `json:"suggested_resolution"`
	DetectedAt          time.Time          `json:"detected_at"`
}
