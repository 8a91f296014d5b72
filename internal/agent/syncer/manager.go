// Package syncer orchestrates the sync cycle: drain the pending change
// queue to the server, pull remote changes per data type, resolve
// conflicts, then advance the checkpoint. At most one cycle runs at a
// time; a concurrent "sync now" joins the in-flight cycle.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	httpapi "github.com/cirkelline/localagent/internal/agent/api"
	"github.com/cirkelline/localagent/internal/agent/storage"
	"github.com/cirkelline/localagent/internal/conflict"
	"github.com/cirkelline/localagent/internal/models"
	"github.com/cirkelline/localagent/internal/retry"
	"github.com/cirkelline/localagent/pkg/api"
)

const (
	// DefaultBatchSize is how many pending changes one push carries and
	// how many items one pull page requests.
	DefaultBatchSize = 50

	// DefaultPollInterval is the batch sync cadence of the daemon loop.
	DefaultPollInterval = 60 * time.Second

	// MaxPushAttempts bounds how often an unacknowledged change is
	// re-pushed before it is marked failed and surfaced.
	MaxPushAttempts = 3
)

// State is the sync manager lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StatePushing   State = "pushing"
	StatePulling   State = "pulling"
	StateResolving State = "resolving_conflicts"
	StateOffline   State = "offline"
)

// Result summarizes one completed sync cycle.
type Result struct {
	Pushed          int // changes acknowledged by the server
	Rejected        int // changes refused by validation, not retried
	Failed          int // changes that exhausted their attempt budget
	Pulled          int // remote items received
	Applied         int // remote items applied to the replica
	Conflicts       int // conflicts detected (push- and pull-side)
	AutoResolved    int // conflicts resolved without the user
	ManualConflicts int // conflicts stored for a user decision
}

// Manager drives sync cycles over the queue, replica and metadata
// stores.
type Manager struct {
	client    httpapi.ClientAPI
	queue     storage.QueueStorage
	replica   storage.ReplicaStorage
	metadata  storage.MetadataStorage
	conflicts storage.ConflictStorage
	resolver  *conflict.Resolver
	logger    *slog.Logger

	batchSize int
	policy    retry.Policy
	clock     *OriginClock

	mu       sync.Mutex
	state    State
	inflight *inflightCycle
	onCycle  func(started time.Time, result *Result, err error)
}

// inflightCycle lets concurrent Sync callers join the running cycle
// instead of starting a second one.
type inflightCycle struct {
	done   chan struct{}
	result *Result
	err    error
}

// NewManager creates a sync manager. Call Restore before the first
// cycle to load the persisted clock and node identity.
func NewManager(
	client httpapi.ClientAPI,
	queue storage.QueueStorage,
	replica storage.ReplicaStorage,
	metadata storage.MetadataStorage,
	conflicts storage.ConflictStorage,
	logger *slog.Logger,
) *Manager {
	return &Manager{
		client:    client,
		queue:     queue,
		replica:   replica,
		metadata:  metadata,
		conflicts: conflicts,
		resolver:  conflict.NewResolver(),
		logger:    logger,
		batchSize: DefaultBatchSize,
		policy:    retry.DefaultPolicy(),
		clock:     NewOriginClock(),
		state:     StateIdle,
	}
}

// Restore loads the persisted origin clock and node identity.
func (m *Manager) Restore(ctx context.Context) error {
	nodeID, err := m.metadata.GetNodeID(ctx)
	if err != nil {
		return fmt.Errorf("failed to load node id: %w", err)
	}

	counter, err := m.metadata.GetClock(ctx)
	if err != nil {
		return fmt.Errorf("failed to load origin clock: %w", err)
	}

	m.mu.Lock()
	m.clock = NewOriginClockWithNodeID(nodeID)
	m.clock.Set(counter)
	m.mu.Unlock()

	m.logger.Debug("sync state restored", "node_id", nodeID, "clock", counter)
	return nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// QueueChange records a local mutation: stamps it with the origin clock,
// computes its checksum and enqueues it for the next push. Re-queueing
// an item ID replaces the previous pending change.
func (m *Manager) QueueChange(ctx context.Context, dataType models.DataType, id string, op models.Operation, payload []byte) (*models.SyncItem, error) {
	if !dataType.Valid() {
		return nil, fmt.Errorf("invalid data type %q", dataType)
	}
	if id == "" {
		return nil, fmt.Errorf("item id cannot be empty")
	}
	// Push requests embed the payload as raw JSON, so one malformed
	// payload would fail the marshal of its whole batch. Refuse it here,
	// before it can poison co-batched changes. Deletes may stay empty.
	if len(payload) > 0 && !json.Valid(payload) {
		return nil, fmt.Errorf("payload for %s is not valid JSON", id)
	}

	item := &models.SyncItem{
		ID:        id,
		DataType:  dataType,
		Operation: op,
		Payload:   payload,
		Timestamp: m.clock.Tick(),
		Checksum:  models.ComputeChecksum(payload),
	}

	change := &models.PendingChange{
		Item:     *item,
		QueuedAt: time.Now().UTC(),
	}
	if err := m.queue.Enqueue(ctx, change); err != nil {
		return nil, fmt.Errorf("failed to enqueue change: %w", err)
	}
	if err := m.replica.SaveItem(ctx, item); err != nil {
		return nil, fmt.Errorf("failed to save local item: %w", err)
	}

	if err := m.metadata.SaveClock(ctx, m.clock.Current()); err != nil {
		m.logger.Warn("failed to persist origin clock", "error", err)
	}

	m.logger.Debug("change queued", "item_id", id, "data_type", dataType, "operation", op)
	return item, nil
}

// OnCycle registers an observer invoked after every completed cycle
// with its outcome. Joining callers do not re-trigger it; one cycle
// fires it once. Set it before the first Sync or Run call.
func (m *Manager) OnCycle(fn func(started time.Time, result *Result, err error)) {
	m.mu.Lock()
	m.onCycle = fn
	m.mu.Unlock()
}

// Sync runs one full cycle, or joins the cycle already in flight.
func (m *Manager) Sync(ctx context.Context, auth httpapi.Auth) (*Result, error) {
	m.mu.Lock()
	if m.inflight != nil {
		fl := m.inflight
		m.mu.Unlock()
		m.logger.Debug("sync already in flight, joining")
		select {
		case <-fl.done:
			return fl.result, fl.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	fl := &inflightCycle{done: make(chan struct{})}
	m.inflight = fl
	m.mu.Unlock()

	started := time.Now()
	result, err := m.cycle(ctx, auth)

	fl.result, fl.err = result, err
	close(fl.done)

	m.mu.Lock()
	m.inflight = nil
	onCycle := m.onCycle
	m.mu.Unlock()

	if onCycle != nil {
		onCycle(started, result, err)
	}

	return result, err
}

// Run is the daemon loop: a cycle per poll interval until ctx ends.
func (m *Manager) Run(ctx context.Context, auth httpapi.Auth, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Sync(ctx, auth); err != nil {
				m.logger.Warn("sync cycle failed", "error", err)
			}
		}
	}
}

// cycle is one push -> pull -> resolve -> checkpoint pass. Any network
// failure leaves the checkpoint untouched and the manager offline; the
// next cycle re-derives the same delta, which is safe because the
// remote delta is idempotent by item ID.
func (m *Manager) cycle(ctx context.Context, auth httpapi.Auth) (*Result, error) {
	m.logger.Info("starting sync cycle")
	result := &Result{}

	m.setState(StatePushing)
	pushConflicts, err := m.push(ctx, auth, result)
	if err != nil {
		m.setState(StateOffline)
		return result, fmt.Errorf("push phase failed: %w", err)
	}

	m.setState(StatePulling)
	checkpoints := make(map[models.DataType]int64)
	var pullConflicts []*models.ConflictInfo
	for _, dataType := range models.DataTypes() {
		serverTS, typeConflicts, err := m.pullType(ctx, auth, dataType, result)
		if err != nil {
			m.setState(StateOffline)
			return result, fmt.Errorf("pull phase failed for %s: %w", dataType, err)
		}
		checkpoints[dataType] = serverTS
		pullConflicts = append(pullConflicts, typeConflicts...)
	}

	m.setState(StateResolving)
	allConflicts := append(pushConflicts, pullConflicts...)
	result.Conflicts = len(allConflicts)
	if err := m.resolve(ctx, allConflicts, result); err != nil {
		m.setState(StateIdle)
		return result, fmt.Errorf("resolve phase failed: %w", err)
	}

	// Checkpoint only after a fully successful cycle, and only forward.
	for dataType, serverTS := range checkpoints {
		if err := m.advanceCheckpoint(ctx, dataType, serverTS); err != nil {
			m.setState(StateIdle)
			return result, err
		}
	}

	if err := m.metadata.SaveClock(ctx, m.clock.Current()); err != nil {
		m.logger.Warn("failed to persist origin clock", "error", err)
	}

	m.setState(StateIdle)
	m.logger.Info("sync cycle completed",
		"pushed", result.Pushed,
		"rejected", result.Rejected,
		"failed", result.Failed,
		"pulled", result.Pulled,
		"applied", result.Applied,
		"conflicts", result.Conflicts,
		"auto_resolved", result.AutoResolved,
		"manual", result.ManualConflicts)
	return result, nil
}

// push drains the queue in fixed-size batches. Acknowledged changes are
// removed, validation rejections are marked failed immediately, and a
// network failure increments every batch member's attempt count before
// surfacing the error.
func (m *Manager) push(ctx context.Context, auth httpapi.Auth, result *Result) ([]*models.ConflictInfo, error) {
	var conflicts []*models.ConflictInfo
	seen := make(map[string]bool)

	for {
		listed, err := m.queue.List(ctx, m.batchSize)
		if err != nil {
			return nil, fmt.Errorf("failed to list pending changes: %w", err)
		}

		// Conflicted items stay queued until the resolve phase; skip
		// anything already sent this cycle so the drain terminates.
		changes := listed[:0]
		for _, change := range listed {
			if !seen[change.Item.ID] {
				changes = append(changes, change)
			}
		}
		if len(changes) == 0 {
			return conflicts, nil
		}

		items := make([]api.SyncItem, 0, len(changes))
		byID := make(map[string]*models.PendingChange, len(changes))
		for _, change := range changes {
			seen[change.Item.ID] = true
			items = append(items, toWire(&change.Item))
			byID[change.Item.ID] = change
		}

		var resp *api.PushResponse
		err = m.policy.Do(ctx, m.logger, "push batch", func() error {
			var pushErr error
			resp, pushErr = m.client.Push(ctx, auth, api.PushRequest{Items: items})
			return pushErr
		})
		if err != nil {
			m.recordPushFailure(ctx, changes, err, result)
			return nil, err
		}

		m.clock.Observe(resp.ServerTimestamp)

		conflicted := make(map[string]bool, len(resp.Conflicts))
		for i := range resp.Conflicts {
			pc := &resp.Conflicts[i]
			change, ok := byID[pc.ID]
			if !ok {
				m.logger.Warn("push conflict for unknown item", "item_id", pc.ID)
				continue
			}
			conflicts = append(conflicts, &models.ConflictInfo{
				ID:                  conflictID(&change.Item),
				LocalVersion:        change.Item,
				ServerVersion:       FromWire(&pc.ServerVersion),
				SuggestedResolution: m.resolver.Suggest(change.Item.DataType),
				DetectedAt:          time.Now().UTC(),
			})
			conflicted[pc.ID] = true
		}

		for _, res := range resp.Results {
			change, ok := byID[res.ID]
			if !ok {
				continue
			}
			switch {
			case res.Success:
				if err := m.queue.Remove(ctx, res.ID); err != nil {
					return nil, fmt.Errorf("failed to remove acknowledged change %s: %w", res.ID, err)
				}
				result.Pushed++
			case conflicted[res.ID]:
				// Settled by the resolve phase.
			default:
				// Validation rejection: never retried, surfaced instead.
				change.AttemptCount++
				change.Failed = true
				change.LastError = res.Error
				if err := m.queue.Update(ctx, change); err != nil {
					return nil, fmt.Errorf("failed to mark change %s rejected: %w", res.ID, err)
				}
				result.Rejected++
				m.logger.Warn("change rejected by server", "item_id", res.ID, "error", res.Error)
			}
		}

		if len(listed) < m.batchSize {
			return conflicts, nil
		}
	}
}

// recordPushFailure increments the attempt count of every change in the
// failed batch, marking those past the budget as failed.
func (m *Manager) recordPushFailure(ctx context.Context, changes []*models.PendingChange, cause error, result *Result) {
	for _, change := range changes {
		change.AttemptCount++
		change.LastError = cause.Error()
		if change.AttemptCount >= MaxPushAttempts {
			change.Failed = true
			result.Failed++
			m.logger.Warn("change exhausted push attempts",
				"item_id", change.Item.ID,
				"attempts", change.AttemptCount)
		}
		if err := m.queue.Update(ctx, change); err != nil {
			m.logger.Warn("failed to record push attempt", "item_id", change.Item.ID, "error", err)
		}
	}
}

// pullType pages through remote changes of one data type since its
// checkpoint. Items whose local copy is dirty and newer than the
// checkpoint become conflicts instead of being applied.
func (m *Manager) pullType(ctx context.Context, auth httpapi.Auth, dataType models.DataType, result *Result) (int64, []*models.ConflictInfo, error) {
	since, err := m.metadata.GetCheckpoint(ctx, dataType)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	var conflicts []*models.ConflictInfo
	serverTS := since
	cursor := ""

	for {
		var resp *api.PullResponse
		err := m.policy.Do(ctx, m.logger, "pull page", func() error {
			var pullErr error
			resp, pullErr = m.client.Pull(ctx, auth, api.PullRequest{
				DataType:       string(dataType),
				SinceTimestamp: since,
				Cursor:         cursor,
				Limit:          m.batchSize,
			})
			return pullErr
		})
		if err != nil {
			return 0, nil, err
		}

		if resp.ServerTimestamp > serverTS {
			serverTS = resp.ServerTimestamp
		}

		for i := range resp.Items {
			item := FromWire(&resp.Items[i])
			result.Pulled++
			m.clock.Observe(item.Timestamp)

			pending, err := m.queue.Get(ctx, item.ID)
			switch {
			case err == nil && !pending.Failed && pending.Item.Timestamp > since:
				// Dirty and newer than the sync point: conflict.
				conflicts = append(conflicts, &models.ConflictInfo{
					ID:                  conflictID(&pending.Item),
					LocalVersion:        pending.Item,
					ServerVersion:       item,
					SuggestedResolution: m.resolver.Suggest(item.DataType),
					DetectedAt:          time.Now().UTC(),
				})
				continue
			case err != nil && !errors.Is(err, storage.ErrChangeNotFound):
				return 0, nil, fmt.Errorf("failed to check pending change: %w", err)
			}

			if err := m.applyRemote(ctx, &item); err != nil {
				return 0, nil, err
			}
			result.Applied++
		}

		if !resp.HasMore {
			return serverTS, conflicts, nil
		}
		cursor = resp.NextCursor
	}
}

// applyRemote writes one remote item into the replica. Deletes are
// idempotent.
func (m *Manager) applyRemote(ctx context.Context, item *models.SyncItem) error {
	if item.Operation == models.OperationDelete {
		if err := m.replica.DeleteItem(ctx, item.DataType, item.ID); err != nil {
			return fmt.Errorf("failed to apply remote delete %s: %w", item.ID, err)
		}
		return nil
	}
	if err := m.replica.SaveItem(ctx, item); err != nil {
		return fmt.Errorf("failed to apply remote item %s: %w", item.ID, err)
	}
	return nil
}

// resolve settles detected conflicts. Automatic outcomes apply
// immediately: the winning version lands in the replica, and when the
// local side wins it is re-stamped and re-queued so the server learns
// about it. Manual conflicts are persisted for the user and the stale
// pending change is parked out of the queue.
func (m *Manager) resolve(ctx context.Context, conflicts []*models.ConflictInfo, result *Result) error {
	for _, ci := range conflicts {
		res := m.resolver.Resolve(&ci.LocalVersion, &ci.ServerVersion)

		if res.Strategy == models.ResolutionManual {
			ci.SuggestedResolution = models.ResolutionManual
			if err := m.conflicts.SaveConflict(ctx, ci); err != nil {
				return fmt.Errorf("failed to store manual conflict: %w", err)
			}
			if err := m.queue.Remove(ctx, ci.LocalVersion.ID); err != nil && !errors.Is(err, storage.ErrChangeNotFound) {
				return fmt.Errorf("failed to park conflicted change: %w", err)
			}
			result.ManualConflicts++
			m.logger.Info("conflict stored for manual resolution",
				"conflict_id", ci.ID,
				"item_id", ci.LocalVersion.ID)
			continue
		}

		if err := m.applyResolution(ctx, ci, res); err != nil {
			return err
		}
		result.AutoResolved++
		m.logger.Debug("conflict auto-resolved",
			"item_id", ci.LocalVersion.ID,
			"strategy", res.Strategy)
	}
	return nil
}

// applyResolution writes a resolved item to the replica and, when the
// outcome differs from what the server holds, re-queues it for push
// with a fresh origin timestamp that orders after the server version.
func (m *Manager) applyResolution(ctx context.Context, ci *models.ConflictInfo, res conflict.Resolution) error {
	resolved := res.Resolved

	serverWon := res.Strategy == models.ResolutionUseServer ||
		(res.Strategy == models.ResolutionLatest && resolved.Timestamp == ci.ServerVersion.Timestamp)

	if serverWon {
		if err := m.applyRemote(ctx, resolved); err != nil {
			return err
		}
		if err := m.queue.Remove(ctx, ci.LocalVersion.ID); err != nil && !errors.Is(err, storage.ErrChangeNotFound) {
			return fmt.Errorf("failed to drop superseded change: %w", err)
		}
		return nil
	}

	// Local side (or a merge) won: stamp it after the server version so
	// the next push supersedes it remotely.
	resolved.Timestamp = m.clock.Observe(ci.ServerVersion.Timestamp)
	if err := m.replica.SaveItem(ctx, resolved); err != nil {
		return fmt.Errorf("failed to save resolved item %s: %w", resolved.ID, err)
	}
	change := &models.PendingChange{
		Item:     *resolved,
		QueuedAt: time.Now().UTC(),
	}
	if err := m.queue.Enqueue(ctx, change); err != nil {
		return fmt.Errorf("failed to re-queue resolved item %s: %w", resolved.ID, err)
	}
	return nil
}

// ResolveManual applies a user decision to a stored conflict.
func (m *Manager) ResolveManual(ctx context.Context, conflictID string, strategy models.ResolutionStrategy) error {
	ci, err := m.conflicts.GetConflict(ctx, conflictID)
	if err != nil {
		return err
	}

	var res conflict.Resolution
	switch strategy {
	case models.ResolutionUseLocal:
		res = conflict.Resolution{Strategy: strategy, Resolved: ci.LocalVersion.Clone()}
	case models.ResolutionUseServer:
		res = conflict.Resolution{Strategy: strategy, Resolved: ci.ServerVersion.Clone()}
	default:
		return fmt.Errorf("unsupported manual strategy %q", strategy)
	}

	if err := m.applyResolution(ctx, ci, res); err != nil {
		return err
	}
	if err := m.conflicts.RemoveConflict(ctx, conflictID); err != nil {
		return fmt.Errorf("failed to remove resolved conflict: %w", err)
	}
	m.logger.Info("conflict resolved by user", "conflict_id", conflictID, "strategy", strategy)
	return nil
}

// ApplyRealtime applies one item received over the realtime channel.
// Items whose local copy is dirty are skipped; the next batch cycle
// detects and resolves that conflict with full context.
func (m *Manager) ApplyRealtime(ctx context.Context, item models.SyncItem) error {
	m.clock.Observe(item.Timestamp)

	_, err := m.queue.Get(ctx, item.ID)
	if err == nil {
		m.logger.Debug("realtime item skipped, local copy is dirty", "item_id", item.ID)
		return nil
	}
	if !errors.Is(err, storage.ErrChangeNotFound) {
		return fmt.Errorf("failed to check pending change: %w", err)
	}
	return m.applyRemote(ctx, &item)
}

// PendingCount returns how many changes wait for the next push.
func (m *Manager) PendingCount(ctx context.Context) (int, error) {
	return m.queue.Count(ctx)
}

// advanceCheckpoint moves the checkpoint forward, never backward.
func (m *Manager) advanceCheckpoint(ctx context.Context, dataType models.DataType, serverTS int64) error {
	current, err := m.metadata.GetCheckpoint(ctx, dataType)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint for %s: %w", dataType, err)
	}
	if serverTS <= current {
		return nil
	}
	if err := m.metadata.SaveCheckpoint(ctx, dataType, serverTS); err != nil {
		return fmt.Errorf("failed to advance checkpoint for %s: %w", dataType, err)
	}
	return nil
}

// conflictID derives a stable conflict identity, so re-detecting the
// same conflict on a later cycle replaces rather than duplicates it.
func conflictID(item *models.SyncItem) string {
	return string(item.DataType) + "/" + item.ID
}

func toWire(item *models.SyncItem) api.SyncItem {
	return api.SyncItem{
		ID:        item.ID,
		DataType:  string(item.DataType),
		Operation: string(item.Operation),
		Payload:   item.Payload,
		Timestamp: item.Timestamp,
		Checksum:  item.Checksum,
	}
}

// FromWire converts a wire item into the domain representation.
func FromWire(item *api.SyncItem) models.SyncItem {
	return models.SyncItem{
		ID:        item.ID,
		DataType:  models.DataType(item.DataType),
		Operation: models.Operation(item.Operation),
		Payload:   item.Payload,
		Timestamp: item.Timestamp,
		Checksum:  item.Checksum,
	}
}
