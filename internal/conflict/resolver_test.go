package conflict

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cirkelline/localagent/internal/models"
)

func noteItem(t *testing.T, id string, content string, tags []string, ts int64) *models.SyncItem {
	t.Helper()
	payload, err := json.Marshal(notePayload{Content: content, Tags: tags})
	require.NoError(t, err)
	return &models.SyncItem{
		ID:        id,
		DataType:  models.DataTypeMemory,
		Operation: models.OperationUpdate,
		Payload:   payload,
		Timestamp: ts,
		Checksum:  models.ComputeChecksum(payload),
	}
}

func TestResolve_MemoryMergesTagsAndContent(t *testing.T) {
	resolver := NewResolver()

	local := noteItem(t, "n-1", "short", []string{"work", "draft"}, 100)
	server := noteItem(t, "n-1", "a much longer revision", []string{"draft", "shared"}, 90)

	res := resolver.Resolve(local, server)
	require.Equal(t, models.ResolutionMerge, res.Strategy)
	require.NotNil(t, res.Resolved)

	var merged notePayload
	require.NoError(t, json.Unmarshal(res.Resolved.Payload, &merged))
	assert.Equal(t, "a much longer revision", merged.Content)
	assert.Equal(t, []string{"work", "draft", "shared"}, merged.Tags)
	assert.EqualValues(t, 100, res.Resolved.Timestamp)
	assert.Equal(t, models.ComputeChecksum(res.Resolved.Payload), res.Resolved.Checksum)
}

func TestResolve_MergeContentTieFavorsServer(t *testing.T) {
	resolver := NewResolver()

	local := noteItem(t, "n-1", "local", nil, 100)
	server := noteItem(t, "n-1", "remot", nil, 100)

	res := resolver.Resolve(local, server)
	require.Equal(t, models.ResolutionMerge, res.Strategy)

	var merged notePayload
	require.NoError(t, json.Unmarshal(res.Resolved.Payload, &merged))
	assert.Equal(t, "remot", merged.Content)
}

func TestResolve_MergeIsDeterministic(t *testing.T) {
	resolver := NewResolver()

	local := noteItem(t, "n-1", "alpha", []string{"b", "a"}, 50)
	server := noteItem(t, "n-1", "alphabet", []string{"a", "c"}, 60)

	first := resolver.Resolve(local, server)
	second := resolver.Resolve(local, server)
	require.NotNil(t, first.Resolved)
	require.NotNil(t, second.Resolved)
	assert.Equal(t, first.Resolved.Payload, second.Resolved.Payload)
	assert.Equal(t, first.Resolved.Checksum, second.Resolved.Checksum)
}

func TestResolve_UnparseableNoteGoesManual(t *testing.T) {
	resolver := NewResolver()

	local := noteItem(t, "n-1", "fine", nil, 100)
	server := local.Clone()
	server.Payload = json.RawMessage(`{broken`)

	res := resolver.Resolve(local, server)
	assert.Equal(t, models.ResolutionManual, res.Strategy)
	assert.Nil(t, res.Resolved)
}

func TestResolve_SessionAndKnowledgeTakeServer(t *testing.T) {
	resolver := NewResolver()

	for _, dataType := range []models.DataType{models.DataTypeSession, models.DataTypeKnowledge} {
		local := &models.SyncItem{ID: "s-1", DataType: dataType, Payload: json.RawMessage(`{"v":"local"}`), Timestamp: 200}
		server := &models.SyncItem{ID: "s-1", DataType: dataType, Payload: json.RawMessage(`{"v":"server"}`), Timestamp: 100}

		res := resolver.Resolve(local, server)
		require.Equal(t, models.ResolutionUseServer, res.Strategy, "data type %s", dataType)
		assert.JSONEq(t, `{"v":"server"}`, string(res.Resolved.Payload))
	}
}

func TestResolve_SettingKeepsLocal(t *testing.T) {
	resolver := NewResolver()

	local := &models.SyncItem{ID: "cfg-1", DataType: models.DataTypeSetting, Payload: json.RawMessage(`{"theme":"dark"}`), Timestamp: 100}
	server := &models.SyncItem{ID: "cfg-1", DataType: models.DataTypeSetting, Payload: json.RawMessage(`{"theme":"light"}`), Timestamp: 300}

	res := resolver.Resolve(local, server)
	require.Equal(t, models.ResolutionUseLocal, res.Strategy)
	assert.JSONEq(t, `{"theme":"dark"}`, string(res.Resolved.Payload))
}

func TestResolve_UnknownTypeLatestWinsServerTie(t *testing.T) {
	resolver := NewResolver()

	local := &models.SyncItem{ID: "x-1", DataType: "unmapped", Payload: json.RawMessage(`{"v":"local"}`), Timestamp: 100}
	server := &models.SyncItem{ID: "x-1", DataType: "unmapped", Payload: json.RawMessage(`{"v":"server"}`), Timestamp: 100}

	res := resolver.Resolve(local, server)
	require.Equal(t, models.ResolutionLatest, res.Strategy)
	assert.JSONEq(t, `{"v":"server"}`, string(res.Resolved.Payload))

	local.Timestamp = 101
	res = resolver.Resolve(local, server)
	assert.JSONEq(t, `{"v":"local"}`, string(res.Resolved.Payload))
}

func TestResolve_PolicyCanForceManual(t *testing.T) {
	resolver := NewResolverWithPolicy(map[models.DataType]models.ResolutionStrategy{
		models.DataTypeMemory: models.ResolutionManual,
	})

	res := resolver.Resolve(noteItem(t, "n-1", "a", nil, 1), noteItem(t, "n-1", "b", nil, 2))
	assert.Equal(t, models.ResolutionManual, res.Strategy)
	assert.Nil(t, res.Resolved)
}

func TestResolve_DoesNotMutateInputs(t *testing.T) {
	resolver := NewResolver()

	server := &models.SyncItem{ID: "s-1", DataType: models.DataTypeSession, Payload: json.RawMessage(`{"v":"server"}`), Timestamp: 100}
	res := resolver.Resolve(&models.SyncItem{ID: "s-1", DataType: models.DataTypeSession, Timestamp: 50}, server)

	res.Resolved.Payload = json.RawMessage(`{"v":"mutated"}`)
	assert.JSONEq(t, `{"v":"server"}`, string(server.Payload))
}
