package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/cirkelline/localagent/internal/agent/syncer"
	"github.com/cirkelline/localagent/internal/audit"
	"github.com/cirkelline/localagent/internal/models"
)

// RunSync executes one sync cycle and prints its outcome.
func (c *Cli) RunSync(ctx context.Context) error {
	auth, err := c.auth(ctx)
	if err != nil {
		return err
	}
	if err := c.manager.Restore(ctx); err != nil {
		return err
	}

	started := time.Now()
	result, err := c.manager.Sync(ctx, auth)
	c.recordCycle(ctx, started, result, err)
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	fmt.Printf("Sync completed: pushed %d, pulled %d, applied %d\n",
		result.Pushed, result.Pulled, result.Applied)
	if result.Conflicts > 0 {
		fmt.Printf("Conflicts: %d (%d auto-resolved, %d need a decision)\n",
			result.Conflicts, result.AutoResolved, result.ManualConflicts)
	}
	if result.Rejected > 0 || result.Failed > 0 {
		fmt.Printf("Not delivered: %d rejected, %d failed after retries (see 'status')\n",
			result.Rejected, result.Failed)
	}
	return nil
}

// recordCycle writes the cycle outcome to the audit history.
func (c *Cli) recordCycle(ctx context.Context, started time.Time, result *syncer.Result, cycleErr error) {
	if c.history == nil || result == nil {
		return
	}
	rec := &audit.SyncCycleRecord{
		StartedAt:       started,
		FinishedAt:      time.Now(),
		Success:         cycleErr == nil,
		Pushed:          result.Pushed,
		Rejected:        result.Rejected,
		Failed:          result.Failed,
		Pulled:          result.Pulled,
		Applied:         result.Applied,
		Conflicts:       result.Conflicts,
		AutoResolved:    result.AutoResolved,
		ManualConflicts: result.ManualConflicts,
	}
	if cycleErr != nil {
		rec.Error = cycleErr.Error()
	}
	if err := c.history.RecordSyncCycle(ctx, rec); err != nil {
		c.logger.Warn("failed to record sync cycle", "error", err)
	}
}

// RunStatus prints the queue, checkpoints and recent history.
func (c *Cli) RunStatus(ctx context.Context) error {
	pending, err := c.store.Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to count pending changes: %w", err)
	}
	failed, err := c.store.ListFailed(ctx)
	if err != nil {
		return fmt.Errorf("failed to list failed changes: %w", err)
	}
	conflicts, err := c.store.ListConflicts(ctx)
	if err != nil {
		return fmt.Errorf("failed to list conflicts: %w", err)
	}

	fmt.Printf("Server:            %s\n", c.serverURL)
	fmt.Printf("Pending changes:   %d\n", pending)
	fmt.Printf("Failed changes:    %d\n", len(failed))
	fmt.Printf("Open conflicts:    %d\n", len(conflicts))

	fmt.Println("Checkpoints:")
	for _, dataType := range models.DataTypes() {
		cp, err := c.store.GetCheckpoint(ctx, dataType)
		if err != nil {
			return fmt.Errorf("failed to read checkpoint: %w", err)
		}
		fmt.Printf("  %-16s %d\n", dataType, cp)
	}

	for _, change := range failed {
		fmt.Printf("Failed: %s (%s) after %d attempts: %s\n",
			change.Item.ID, change.Item.DataType, change.AttemptCount, change.LastError)
	}

	if c.history != nil {
		cycles, err := c.history.ListSyncCycles(ctx, 5)
		if err != nil {
			return fmt.Errorf("failed to read sync history: %w", err)
		}
		if len(cycles) > 0 {
			fmt.Println("Recent cycles:")
			for _, cycle := range cycles {
				outcome := "ok"
				if !cycle.Success {
					outcome = "failed: " + cycle.Error
				}
				fmt.Printf("  %s  pushed %d pulled %d  %s\n",
					cycle.StartedAt.Local().Format(time.RFC3339), cycle.Pushed, cycle.Pulled, outcome)
			}
		}
	}
	return nil
}

// RunConflicts lists conflicts awaiting a user decision.
func (c *Cli) RunConflicts(ctx context.Context) error {
	conflicts, err := c.store.ListConflicts(ctx)
	if err != nil {
		return fmt.Errorf("failed to list conflicts: %w", err)
	}
	if len(conflicts) == 0 {
		fmt.Println("No conflicts awaiting a decision")
		return nil
	}

	for _, ci := range conflicts {
		fmt.Printf("%s\n", ci.ID)
		fmt.Printf("  detected:  %s\n", ci.DetectedAt.Local().Format(time.RFC3339))
		fmt.Printf("  local:     ts=%d op=%s %d bytes\n",
			ci.LocalVersion.Timestamp, ci.LocalVersion.Operation, len(ci.LocalVersion.Payload))
		fmt.Printf("  server:    ts=%d op=%s %d bytes\n",
			ci.ServerVersion.Timestamp, ci.ServerVersion.Operation, len(ci.ServerVersion.Payload))
		fmt.Printf("  suggested: %s\n", ci.SuggestedResolution)
	}
	fmt.Println()
	fmt.Println("Resolve with: localagent resolve <id> local|server")
	return nil
}

// RunResolve applies a user decision to one conflict.
func (c *Cli) RunResolve(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: localagent resolve <conflict-id> local|server")
	}
	conflictID := args[0]

	var strategy models.ResolutionStrategy
	switch args[1] {
	case "local":
		strategy = models.ResolutionUseLocal
	case "server":
		strategy = models.ResolutionUseServer
	default:
		return fmt.Errorf("unknown side %q, want local or server", args[1])
	}

	if err := c.manager.Restore(ctx); err != nil {
		return err
	}
	if err := c.manager.ResolveManual(ctx, conflictID, strategy); err != nil {
		return fmt.Errorf("failed to resolve conflict: %w", err)
	}
	fmt.Printf("Conflict %s resolved using the %s version\n", conflictID, args[1])
	return nil
}
