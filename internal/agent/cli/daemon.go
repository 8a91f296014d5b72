package cli

import (
	"context"
	"fmt"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/cirkelline/localagent/internal/agent/syncer"
	"github.com/cirkelline/localagent/internal/contrib"
	"github.com/cirkelline/localagent/internal/permission"
	"github.com/cirkelline/localagent/internal/realtime"
	"github.com/cirkelline/localagent/internal/resource"
	"github.com/cirkelline/localagent/pkg/api"
)

// RunDaemon runs the long-lived agent: the periodic sync loop, the
// resource analyzer and contribution scheduler, and optionally a
// realtime channel. It blocks until SIGINT/SIGTERM.
func (c *Cli) RunDaemon(ctx context.Context, useRealtime bool) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	auth, err := c.auth(ctx)
	if err != nil {
		return err
	}
	if err := c.manager.Restore(ctx); err != nil {
		return err
	}
	c.manager.OnCycle(func(started time.Time, result *syncer.Result, err error) {
		c.recordCycle(ctx, started, result, err)
	})

	analyzer := resource.NewAnalyzer(resource.NewSystemSampler(), c.logger)
	go analyzer.Run(ctx, resource.DefaultSampleInterval)

	engine := permission.NewEngine(c.logger)
	scheduler := contrib.NewScheduler(c.store, analyzer, engine, c.history, c.logger)
	go scheduler.Run(ctx)

	if useRealtime {
		wsURL, err := realtimeURL(c.serverURL)
		if err != nil {
			return err
		}
		channel := realtime.NewChannel(realtime.Config{
			URL:      wsURL,
			Token:    auth.Token,
			DeviceID: auth.DeviceID,
		}, c.applyRealtimeItem, c.logger)
		go func() {
			if err := channel.Run(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("realtime channel stopped, continuing on batch sync", "error", err)
			}
		}()
	}

	c.logger.Info("agent started",
		"server", c.serverURL,
		"poll_interval", syncer.DefaultPollInterval,
		"realtime", useRealtime,
	)

	c.manager.Run(ctx, auth, syncer.DefaultPollInterval)

	c.logger.Info("agent stopped")
	return nil
}

// applyRealtimeItem feeds items from the realtime channel into the sync
// manager. A non-nil return nacks the item so the server re-delivers it
// through batch sync.
func (c *Cli) applyRealtimeItem(ctx context.Context, item api.SyncItem) error {
	return c.manager.ApplyRealtime(ctx, syncer.FromWire(&item))
}

// realtimeURL derives the websocket endpoint from the service URL.
func realtimeURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = "/api/v1/sync/ws"
	return u.String(), nil
}
