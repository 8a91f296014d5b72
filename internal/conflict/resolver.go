// Package conflict decides how a dirty local item and a newer server
// item for the same record reconcile. Resolution is a pure function of
// its inputs: identical inputs always yield the identical outcome.
package conflict

import (
	"encoding/json"

	"github.com/cirkelline/localagent/internal/models"
)

// Resolution is the outcome of resolving one conflict. Resolved is nil
// exactly when Strategy is manual, in which case the conflict is queued
// for a user decision instead of guessed.
type Resolution struct {
	Strategy models.ResolutionStrategy
	Resolved *models.SyncItem
}

// Resolver maps data types to resolution strategies.
type Resolver struct {
	policy map[models.DataType]models.ResolutionStrategy
}

// NewResolver creates a resolver with the default per-type policy:
// user-note data merges, server-of-record data takes the server side,
// device-local preferences keep the local side. Unknown types fall back
// to latest-wins with the server breaking ties.
func NewResolver() *Resolver {
	return &Resolver{
		policy: map[models.DataType]models.ResolutionStrategy{
			models.DataTypeMemory:    models.ResolutionMerge,
			models.DataTypeSession:   models.ResolutionUseServer,
			models.DataTypeKnowledge: models.ResolutionUseServer,
			models.DataTypeSetting:   models.ResolutionUseLocal,
		},
	}
}

// NewResolverWithPolicy creates a resolver with an explicit policy,
// letting callers mark types as requiring manual resolution.
func NewResolverWithPolicy(policy map[models.DataType]models.ResolutionStrategy) *Resolver {
	copied := make(map[models.DataType]models.ResolutionStrategy, len(policy))
	for k, v := range policy {
		copied[k] = v
	}
	return &Resolver{policy: copied}
}

// Suggest returns the strategy the policy prescribes for a data type
// without executing it.
func (r *Resolver) Suggest(dataType models.DataType) models.ResolutionStrategy {
	if strategy, ok := r.policy[dataType]; ok {
		return strategy
	}
	return models.ResolutionLatest
}

// Resolve reconciles local and server versions of one record. Both
// versions must share (ID, DataType); the caller guarantees the server
// side is the newer of the two relative to the sync checkpoint.
func (r *Resolver) Resolve(local, server *models.SyncItem) Resolution {
	switch r.Suggest(local.DataType) {
	case models.ResolutionMerge:
		return mergeNotes(local, server)
	case models.ResolutionUseServer:
		return Resolution{Strategy: models.ResolutionUseServer, Resolved: server.Clone()}
	case models.ResolutionUseLocal:
		return Resolution{Strategy: models.ResolutionUseLocal, Resolved: local.Clone()}
	case models.ResolutionManual:
		return Resolution{Strategy: models.ResolutionManual}
	default:
		return latestWins(local, server)
	}
}

// notePayload is the mergeable shape of user-note data.
type notePayload struct {
	Content string   `json:"content"`
	Tags    []string `json:"tags,omitempty"`
}

// mergeNotes merges two note versions: union of tags, longest content
// wins (server on a length tie), timestamp is the max of both. Payloads
// that do not parse cannot be merged confidently and go to manual
// resolution.
func mergeNotes(local, server *models.SyncItem) Resolution {
	var localNote, serverNote notePayload
	if err := json.Unmarshal(local.Payload, &localNote); err != nil {
		return Resolution{Strategy: models.ResolutionManual}
	}
	if err := json.Unmarshal(server.Payload, &serverNote); err != nil {
		return Resolution{Strategy: models.ResolutionManual}
	}

	merged := notePayload{
		Content: serverNote.Content,
		Tags:    unionTags(localNote.Tags, serverNote.Tags),
	}
	if len(localNote.Content) > len(serverNote.Content) {
		merged.Content = localNote.Content
	}

	payload, err := json.Marshal(merged)
	if err != nil {
		return Resolution{Strategy: models.ResolutionManual}
	}

	resolved := &models.SyncItem{
		ID:        local.ID,
		DataType:  local.DataType,
		Operation: models.OperationUpdate,
		Payload:   payload,
		Timestamp: maxInt64(local.Timestamp, server.Timestamp),
		Checksum:  models.ComputeChecksum(payload),
	}
	return Resolution{Strategy: models.ResolutionMerge, Resolved: resolved}
}

// latestWins picks the strictly newer version; the server version wins
// timestamp ties because the server is the cross-device point of truth.
func latestWins(local, server *models.SyncItem) Resolution {
	if local.NewerThan(server) {
		return Resolution{Strategy: models.ResolutionLatest, Resolved: local.Clone()}
	}
	return Resolution{Strategy: models.ResolutionLatest, Resolved: server.Clone()}
}

// unionTags returns local tags followed by server tags not already
// present, preserving first-seen order so the result is deterministic.
func unionTags(local, server []string) []string {
	if len(local) == 0 && len(server) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(local)+len(server))
	union := make([]string, 0, len(local)+len(server))
	for _, lists := range [][]string{local, server} {
		for _, tag := range lists {
			if _, ok := seen[tag]; ok {
				continue
			}
			seen[tag] = struct{}{}
			union = append(union, tag)
		}
	}
	return union
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
