package syncer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpapi "github.com/cirkelline/localagent/internal/agent/api"
	"github.com/cirkelline/localagent/internal/agent/storage"
	"github.com/cirkelline/localagent/internal/agent/storage/boltdb"
	"github.com/cirkelline/localagent/internal/models"
	"github.com/cirkelline/localagent/internal/retry"
	"github.com/cirkelline/localagent/pkg/api"
)

// fakeClient is a scriptable ClientAPI recording the call sequence.
type fakeClient struct {
	mu    sync.Mutex
	calls []string

	pushFn func(req api.PushRequest) (*api.PushResponse, error)
	pullFn func(req api.PullRequest) (*api.PullResponse, error)
}

func (f *fakeClient) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeClient) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeClient) Health(ctx context.Context) error { return nil }

func (f *fakeClient) Push(ctx context.Context, auth httpapi.Auth, req api.PushRequest) (*api.PushResponse, error) {
	f.record("push")
	if f.pushFn != nil {
		return f.pushFn(req)
	}
	// Default: acknowledge everything.
	resp := &api.PushResponse{ServerTimestamp: 1000}
	for _, item := range req.Items {
		resp.Results = append(resp.Results, api.PushResult{ID: item.ID, Success: true})
	}
	return resp, nil
}

func (f *fakeClient) Pull(ctx context.Context, auth httpapi.Auth, req api.PullRequest) (*api.PullResponse, error) {
	f.record("pull:" + req.DataType)
	if f.pullFn != nil {
		return f.pullFn(req)
	}
	return &api.PullResponse{ServerTimestamp: 1000}, nil
}

var _ httpapi.ClientAPI = (*fakeClient)(nil)

func fastTestPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:     1,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		Multiplier:      1.0,
	}
}

func newTestManager(t *testing.T) (*Manager, *fakeClient, *boltdb.Storage) {
	t.Helper()
	ctx := context.Background()

	store, err := boltdb.New(ctx, filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	client := &fakeClient{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	m := NewManager(client, store, store, store, store, logger)
	m.policy = fastTestPolicy()
	require.NoError(t, m.Restore(ctx))
	return m, client, store
}

func testAuth() httpapi.Auth {
	return httpapi.Auth{Token: "token", DeviceID: "device-1"}
}

func TestQueueChange_StampsAndStores(t *testing.T) {
	m, _, store := newTestManager(t)
	ctx := context.Background()

	first, err := m.QueueChange(ctx, models.DataTypeMemory, "n-1", models.OperationCreate, []byte(`{"content":"a"}`))
	require.NoError(t, err)
	second, err := m.QueueChange(ctx, models.DataTypeMemory, "n-2", models.OperationCreate, []byte(`{"content":"b"}`))
	require.NoError(t, err)

	assert.Greater(t, second.Timestamp, first.Timestamp)
	assert.Equal(t, models.ComputeChecksum(first.Payload), first.Checksum)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// The local replica already reflects the queued mutation.
	got, err := store.GetItem(ctx, models.DataTypeMemory, "n-1")
	require.NoError(t, err)
	assert.Equal(t, first.Timestamp, got.Timestamp)
}

func TestQueueChange_RejectsInvalidType(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.QueueChange(context.Background(), "bogus", "id", models.OperationCreate, nil)
	assert.Error(t, err)
}

func TestQueueChange_RejectsMalformedPayload(t *testing.T) {
	// Push requests carry payloads as raw JSON; a malformed one would
	// fail the marshal of every co-batched change, so it must never get
	// into the queue in the first place.
	m, _, store := newTestManager(t)
	ctx := context.Background()

	_, err := m.QueueChange(ctx, models.DataTypeMemory, "n-1", models.OperationUpdate, []byte(`not json`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not valid JSON")

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	// A healthy change queued afterwards pushes cleanly on its own.
	_, err = m.QueueChange(ctx, models.DataTypeMemory, "n-2", models.OperationCreate, []byte(`{"content":"ok"}`))
	require.NoError(t, err)

	result, err := m.Sync(ctx, testAuth())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Pushed)
}

func TestQueueChange_AllowsEmptyDeletePayload(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.QueueChange(context.Background(), models.DataTypeMemory, "n-1", models.OperationDelete, nil)
	assert.NoError(t, err)
}

func TestSync_PushPrecedesPull(t *testing.T) {
	m, client, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.QueueChange(ctx, models.DataTypeMemory, "n-1", models.OperationCreate, []byte(`{}`))
	require.NoError(t, err)

	_, err = m.Sync(ctx, testAuth())
	require.NoError(t, err)

	calls := client.callLog()
	require.NotEmpty(t, calls)
	assert.Equal(t, "push", calls[0])
	assert.Contains(t, calls, "pull:memory-record")
}

func TestSync_AcknowledgedChangesLeaveTheQueue(t *testing.T) {
	m, _, store := newTestManager(t)
	ctx := context.Background()

	_, err := m.QueueChange(ctx, models.DataTypeMemory, "n-1", models.OperationCreate, []byte(`{}`))
	require.NoError(t, err)

	result, err := m.Sync(ctx, testAuth())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Pushed)
	assert.Equal(t, StateIdle, m.State())

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSync_RejectedChangeIsSurfacedNotRetried(t *testing.T) {
	m, client, store := newTestManager(t)
	ctx := context.Background()

	client.pushFn = func(req api.PushRequest) (*api.PushResponse, error) {
		resp := &api.PushResponse{ServerTimestamp: 1000}
		for _, item := range req.Items {
			resp.Results = append(resp.Results, api.PushResult{ID: item.ID, Success: false, Error: "payload too large"})
		}
		return resp, nil
	}

	_, err := m.QueueChange(ctx, models.DataTypeMemory, "n-1", models.OperationCreate, []byte(`{}`))
	require.NoError(t, err)

	result, err := m.Sync(ctx, testAuth())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Rejected)

	failed, err := store.ListFailed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "payload too large", failed[0].LastError)
	assert.Equal(t, 1, failed[0].AttemptCount)

	// The next cycle must not push it again.
	client.calls = nil
	client.pushFn = nil
	_, err = m.Sync(ctx, testAuth())
	require.NoError(t, err)
	assert.NotContains(t, client.callLog(), "push")
}

func TestSync_NetworkFailureCountsAttemptsAndGoesOffline(t *testing.T) {
	m, client, store := newTestManager(t)
	ctx := context.Background()

	client.pushFn = func(req api.PushRequest) (*api.PushResponse, error) {
		return nil, errors.New("connection refused")
	}

	_, err := m.QueueChange(ctx, models.DataTypeMemory, "n-1", models.OperationCreate, []byte(`{}`))
	require.NoError(t, err)

	for attempt := 1; attempt <= MaxPushAttempts; attempt++ {
		_, err = m.Sync(ctx, testAuth())
		require.Error(t, err)
		assert.Equal(t, StateOffline, m.State())
	}

	// After the attempt budget the change is failed, not retried forever.
	failed, err := store.ListFailed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, MaxPushAttempts, failed[0].AttemptCount)

	// Checkpoint never moved.
	cp, err := store.GetCheckpoint(ctx, models.DataTypeMemory)
	require.NoError(t, err)
	assert.Zero(t, cp)
}

func TestSync_AppliesPulledItems(t *testing.T) {
	m, client, store := newTestManager(t)
	ctx := context.Background()

	client.pullFn = func(req api.PullRequest) (*api.PullResponse, error) {
		if req.DataType != string(models.DataTypeSession) {
			return &api.PullResponse{ServerTimestamp: 500}, nil
		}
		return &api.PullResponse{
			Items: []api.SyncItem{
				{ID: "s-1", DataType: req.DataType, Operation: "create", Payload: []byte(`{"v":1}`), Timestamp: 400},
				{ID: "s-2", DataType: req.DataType, Operation: "delete", Timestamp: 450},
			},
			ServerTimestamp: 500,
		}, nil
	}

	result, err := m.Sync(ctx, testAuth())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Pulled)
	assert.Equal(t, 2, result.Applied)

	got, err := store.GetItem(ctx, models.DataTypeSession, "s-1")
	require.NoError(t, err)
	assert.EqualValues(t, 400, got.Timestamp)

	_, err = store.GetItem(ctx, models.DataTypeSession, "s-2")
	assert.ErrorIs(t, err, storage.ErrItemNotFound)

	cp, err := store.GetCheckpoint(ctx, models.DataTypeSession)
	require.NoError(t, err)
	assert.EqualValues(t, 500, cp)
}

func TestSync_PullPaginates(t *testing.T) {
	m, client, _ := newTestManager(t)
	ctx := context.Background()

	var cursors []string
	client.pullFn = func(req api.PullRequest) (*api.PullResponse, error) {
		if req.DataType != string(models.DataTypeKnowledge) {
			return &api.PullResponse{ServerTimestamp: 900}, nil
		}
		cursors = append(cursors, req.Cursor)
		if req.Cursor == "" {
			return &api.PullResponse{
				Items:           []api.SyncItem{{ID: "k-1", DataType: req.DataType, Operation: "create", Timestamp: 800}},
				NextCursor:      "page-2",
				HasMore:         true,
				ServerTimestamp: 900,
			}, nil
		}
		return &api.PullResponse{
			Items:           []api.SyncItem{{ID: "k-2", DataType: req.DataType, Operation: "create", Timestamp: 850}},
			ServerTimestamp: 900,
		}, nil
	}

	result, err := m.Sync(ctx, testAuth())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Pulled)
	assert.Equal(t, []string{"", "page-2"}, cursors)
}

func TestSync_DirtyAndNewerBecomesConflict(t *testing.T) {
	m, client, store := newTestManager(t)
	ctx := context.Background()

	// Local dirty setting; settings resolve use-local, so the local
	// version must survive and be re-queued for push.
	local, err := m.QueueChange(ctx, models.DataTypeSetting, "cfg-1", models.OperationUpdate, []byte(`{"theme":"dark"}`))
	require.NoError(t, err)

	client.pushFn = func(req api.PushRequest) (*api.PushResponse, error) {
		// Server refuses the stale push and reports the conflict.
		resp := &api.PushResponse{ServerTimestamp: 2000}
		for _, item := range req.Items {
			resp.Results = append(resp.Results, api.PushResult{ID: item.ID, Success: false})
			resp.Conflicts = append(resp.Conflicts, api.PushConflict{
				ID:           item.ID,
				LocalVersion: item,
				ServerVersion: api.SyncItem{
					ID: item.ID, DataType: item.DataType, Operation: "update",
					Payload: []byte(`{"theme":"light"}`), Timestamp: 1500,
				},
			})
		}
		return resp, nil
	}

	result, err := m.Sync(ctx, testAuth())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Conflicts)
	assert.Equal(t, 1, result.AutoResolved)
	assert.Zero(t, result.ManualConflicts)

	// Local side won and was re-stamped after the server version.
	got, err := store.GetItem(ctx, models.DataTypeSetting, "cfg-1")
	require.NoError(t, err)
	assert.Equal(t, local.Payload, got.Payload)
	assert.Greater(t, got.Timestamp, int64(1500))

	pending, err := store.Get(ctx, "cfg-1")
	require.NoError(t, err)
	assert.Equal(t, got.Timestamp, pending.Item.Timestamp)
}

func TestSync_PullConflictUsesServerForSessionData(t *testing.T) {
	m, client, store := newTestManager(t)
	ctx := context.Background()

	_, err := m.QueueChange(ctx, models.DataTypeSession, "s-1", models.OperationUpdate, []byte(`{"v":"local"}`))
	require.NoError(t, err)

	client.pushFn = func(req api.PushRequest) (*api.PushResponse, error) {
		// Nothing acknowledged; the pull will surface the newer server
		// version.
		return &api.PushResponse{ServerTimestamp: 2000}, nil
	}
	client.pullFn = func(req api.PullRequest) (*api.PullResponse, error) {
		if req.DataType != string(models.DataTypeSession) {
			return &api.PullResponse{ServerTimestamp: 2000}, nil
		}
		return &api.PullResponse{
			Items: []api.SyncItem{
				{ID: "s-1", DataType: req.DataType, Operation: "update", Payload: []byte(`{"v":"server"}`), Timestamp: 1900},
			},
			ServerTimestamp: 2000,
		}, nil
	}

	result, err := m.Sync(ctx, testAuth())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Conflicts)
	assert.Equal(t, 1, result.AutoResolved)

	// Server won; the local change is gone from the queue.
	got, err := store.GetItem(ctx, models.DataTypeSession, "s-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":"server"}`, string(got.Payload))

	_, err = store.Get(ctx, "s-1")
	assert.ErrorIs(t, err, storage.ErrChangeNotFound)
}

func TestSync_UnmergeableConflictIsStoredForUser(t *testing.T) {
	m, client, store := newTestManager(t)
	ctx := context.Background()

	// Memory records merge, but a payload that is not a note shape
	// cannot be merged confidently and must wait for the user.
	_, err := m.QueueChange(ctx, models.DataTypeMemory, "n-1", models.OperationUpdate, []byte(`"free text"`))
	require.NoError(t, err)

	client.pushFn = func(req api.PushRequest) (*api.PushResponse, error) {
		resp := &api.PushResponse{ServerTimestamp: 2000}
		for _, item := range req.Items {
			resp.Results = append(resp.Results, api.PushResult{ID: item.ID, Success: false})
			resp.Conflicts = append(resp.Conflicts, api.PushConflict{
				ID:           item.ID,
				LocalVersion: item,
				ServerVersion: api.SyncItem{
					ID: item.ID, DataType: item.DataType, Operation: "update",
					Payload: []byte(`"other free text"`), Timestamp: 1500,
				},
			})
		}
		return resp, nil
	}

	result, err := m.Sync(ctx, testAuth())
	require.NoError(t, err)
	assert.Equal(t, 1, result.ManualConflicts)

	stored, err := store.ListConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, models.ResolutionManual, stored[0].SuggestedResolution)

	// Parked out of the queue until the user decides.
	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestResolveManual(t *testing.T) {
	m, _, store := newTestManager(t)
	ctx := context.Background()

	ci := &models.ConflictInfo{
		ID:                  "memory-record/n-1",
		LocalVersion:        models.SyncItem{ID: "n-1", DataType: models.DataTypeMemory, Operation: models.OperationUpdate, Payload: []byte(`{"v":"local"}`), Timestamp: 100},
		ServerVersion:       models.SyncItem{ID: "n-1", DataType: models.DataTypeMemory, Operation: models.OperationUpdate, Payload: []byte(`{"v":"server"}`), Timestamp: 200},
		SuggestedResolution: models.ResolutionManual,
		DetectedAt:          time.Now().UTC(),
	}
	require.NoError(t, store.SaveConflict(ctx, ci))

	require.NoError(t, m.ResolveManual(ctx, ci.ID, models.ResolutionUseLocal))

	// Local version kept, re-stamped past the server version, queued.
	got, err := store.GetItem(ctx, models.DataTypeMemory, "n-1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"v":"local"}`), got.Payload)
	assert.Greater(t, got.Timestamp, int64(200))

	pending, err := store.Get(ctx, "n-1")
	require.NoError(t, err)
	assert.False(t, pending.Failed)

	_, err = store.GetConflict(ctx, ci.ID)
	assert.ErrorIs(t, err, storage.ErrConflictNotFound)
}

func TestResolveManual_UnknownConflict(t *testing.T) {
	m, _, _ := newTestManager(t)

	err := m.ResolveManual(context.Background(), "nope", models.ResolutionUseLocal)
	assert.ErrorIs(t, err, storage.ErrConflictNotFound)
}

func TestSync_CheckpointIsMonotonic(t *testing.T) {
	m, client, store := newTestManager(t)
	ctx := context.Background()

	client.pullFn = func(req api.PullRequest) (*api.PullResponse, error) {
		return &api.PullResponse{ServerTimestamp: 500}, nil
	}
	_, err := m.Sync(ctx, testAuth())
	require.NoError(t, err)

	// A later cycle reporting an older server timestamp must not move
	// the checkpoint backward.
	client.pullFn = func(req api.PullRequest) (*api.PullResponse, error) {
		return &api.PullResponse{ServerTimestamp: 300}, nil
	}
	_, err = m.Sync(ctx, testAuth())
	require.NoError(t, err)

	cp, err := store.GetCheckpoint(ctx, models.DataTypeMemory)
	require.NoError(t, err)
	assert.EqualValues(t, 500, cp)
}

func TestSync_PartialPullFailureLeavesCheckpoint(t *testing.T) {
	m, client, store := newTestManager(t)
	ctx := context.Background()

	client.pullFn = func(req api.PullRequest) (*api.PullResponse, error) {
		if req.DataType == string(models.DataTypeKnowledge) {
			return nil, errors.New("connection reset")
		}
		return &api.PullResponse{ServerTimestamp: 700}, nil
	}

	_, err := m.Sync(ctx, testAuth())
	require.Error(t, err)
	assert.Equal(t, StateOffline, m.State())

	// Even the types that pulled cleanly keep their old checkpoint; the
	// next cycle re-derives the same delta.
	for _, dataType := range models.DataTypes() {
		cp, err := store.GetCheckpoint(ctx, dataType)
		require.NoError(t, err)
		assert.Zero(t, cp, "checkpoint for %s", dataType)
	}
}

func TestSync_ConcurrentCallJoinsInflightCycle(t *testing.T) {
	m, client, _ := newTestManager(t)
	ctx := context.Background()

	release := make(chan struct{})
	client.pullFn = func(req api.PullRequest) (*api.PullResponse, error) {
		<-release
		return &api.PullResponse{ServerTimestamp: 100}, nil
	}

	var wg sync.WaitGroup
	results := make([]*Result, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.Sync(ctx, testAuth())
		}(i)
	}

	// Let both callers arrive, then release the cycle.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	// One cycle ran: one pull per data type, no duplicates.
	pulls := 0
	for _, call := range client.callLog() {
		if call != "push" {
			pulls++
		}
	}
	assert.Equal(t, len(models.DataTypes()), pulls)
	assert.Same(t, results[0], results[1])
}

func TestRestore_KeepsClockAndIdentity(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := boltdb.New(ctx, filepath.Join(dir, "agent.db"))
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	m := NewManager(&fakeClient{}, store, store, store, store, logger)
	m.policy = fastTestPolicy()
	require.NoError(t, m.Restore(ctx))

	item, err := m.QueueChange(ctx, models.DataTypeMemory, "n-1", models.OperationCreate, []byte(`{}`))
	require.NoError(t, err)
	nodeID := m.clock.NodeID()
	require.NoError(t, store.Close())

	// Reopen: the clock never moves backward and identity is stable.
	store2, err := boltdb.New(ctx, filepath.Join(dir, "agent.db"))
	require.NoError(t, err)
	defer store2.Close()

	m2 := NewManager(&fakeClient{}, store2, store2, store2, store2, logger)
	require.NoError(t, m2.Restore(ctx))
	assert.Equal(t, nodeID, m2.clock.NodeID())

	next, err := m2.QueueChange(ctx, models.DataTypeMemory, "n-2", models.OperationCreate, []byte(`{}`))
	require.NoError(t, err)
	assert.Greater(t, next.Timestamp, item.Timestamp)
}

func TestSync_OnCycleObserverReceivesOutcome(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.QueueChange(ctx, models.DataTypeMemory, "n-1", models.OperationCreate, []byte(`{}`))
	require.NoError(t, err)

	var (
		calls    int
		started  time.Time
		observed *Result
	)
	m.OnCycle(func(cycleStart time.Time, result *Result, err error) {
		calls++
		started = cycleStart
		observed = result
		assert.NoError(t, err)
	})

	result, err := m.Sync(ctx, testAuth())
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Same(t, result, observed)
	assert.False(t, started.IsZero())
}
