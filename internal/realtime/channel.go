// Package realtime maintains the low-latency websocket session used for
// immediate item propagation. The channel is optional: when it cannot be
// kept alive it falls back permanently to batch sync and says so, it
// never drops items silently.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/cirkelline/localagent/internal/retry"
	"github.com/cirkelline/localagent/pkg/api"
)

const (
	// DefaultHeartbeatInterval is how often heartbeats are exchanged.
	DefaultHeartbeatInterval = 30 * time.Second

	// DefaultAckTimeout bounds how long a sent item waits for its
	// acknowledgement before being reported as not delivered.
	DefaultAckTimeout = 10 * time.Second
)

var (
	// ErrNotDelivered reports that a sent item was not acknowledged in
	// time; the caller must fall back to batch sync for it.
	ErrNotDelivered = errors.New("item not delivered over realtime channel")

	// ErrNotConnected reports that no session is currently established.
	ErrNotConnected = errors.New("realtime channel not connected")

	// ErrFallenBack reports that the reconnect budget is spent and the
	// channel has given up until the next explicit connect.
	ErrFallenBack = errors.New("realtime channel fell back to batch sync")
)

// State is the channel lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnected    State = "connected"
	StateFallenBack   State = "fallen_back"
)

// ItemHandler is invoked for every item the remote pushes down the
// channel. The returned error decides the acknowledgement: nil acks
// success, non-nil acks failure so the remote re-delivers via batch.
type ItemHandler func(ctx context.Context, item api.SyncItem) error

// Config carries the channel parameters.
type Config struct {
	// URL is the websocket endpoint, e.g. wss://host/api/v1/sync/ws.
	URL string

	// Token and DeviceID authenticate the session during the upgrade.
	Token    string
	DeviceID string

	// HeartbeatInterval and AckTimeout default to the package constants
	// when zero.
	HeartbeatInterval time.Duration
	AckTimeout        time.Duration

	// Reconnect bounds the consecutive reconnect attempts. Defaults to
	// retry.ReconnectPolicy.
	Reconnect retry.Policy
}

// Channel is a long-lived websocket session with heartbeat supervision,
// per-item acknowledgements and bounded reconnection.
type Channel struct {
	cfg     Config
	logger  *slog.Logger
	handler ItemHandler

	mu            sync.Mutex
	conn          *websocket.Conn
	state         State
	pendingAcks   map[string]chan bool
	lastHeartbeat time.Time
}

// NewChannel creates a channel. handler receives remote items; it may be
// nil when the caller only sends.
func NewChannel(cfg Config, handler ItemHandler, logger *slog.Logger) *Channel {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.Reconnect.MaxAttempts == 0 {
		cfg.Reconnect = retry.ReconnectPolicy()
	}
	return &Channel{
		cfg:         cfg,
		logger:      logger,
		handler:     handler,
		state:       StateDisconnected,
		pendingAcks: make(map[string]chan bool),
	}
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run keeps the session alive until ctx is cancelled or the reconnect
// budget is spent. Each established session resets the budget; only
// consecutive failed dials count against it. Returns ErrFallenBack when
// the channel gives up.
func (c *Channel) Run(ctx context.Context) error {
	for {
		if err := c.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.setState(StateFallenBack)
			c.logger.Warn("realtime reconnect budget spent, falling back to batch sync", "error", err)
			return ErrFallenBack
		}

		err := c.session(ctx)
		c.teardown()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("realtime session ended, reconnecting", "error", err)
	}
}

// connect dials the endpoint under the reconnect policy, presenting the
// bearer credential during the HTTP upgrade.
func (c *Channel) connect(ctx context.Context) error {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if c.cfg.DeviceID != "" {
		header.Set("X-Device-ID", c.cfg.DeviceID)
	}

	return c.cfg.Reconnect.Do(ctx, c.logger, "realtime connect", func() error {
		conn, _, err := websocket.Dial(ctx, c.cfg.URL, &websocket.DialOptions{
			HTTPHeader: header,
		})
		if err != nil {
			return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
		}

		c.mu.Lock()
		c.conn = conn
		c.state = StateConnected
		c.lastHeartbeat = time.Now()
		c.mu.Unlock()

		c.logger.Info("realtime channel connected", "url", c.cfg.URL)
		return nil
	})
}

// session runs the read loop and the heartbeat ticker until either
// fails. Two missed remote heartbeats end the session.
func (c *Channel) session(ctx context.Context) error {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)

	go func() {
		errCh <- c.readLoop(sessionCtx)
	}()
	go func() {
		errCh <- c.heartbeatLoop(sessionCtx)
	}()

	err := <-errCh
	cancel()
	<-errCh
	return err
}

func (c *Channel) readLoop(ctx context.Context) error {
	for {
		conn := c.current()
		if conn == nil {
			return ErrNotConnected
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var msg api.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("realtime message is not valid json, dropping", "error", err)
			continue
		}
		if err := msg.Validate(); err != nil {
			c.logger.Warn("realtime message failed validation, dropping", "error", err)
			continue
		}

		switch msg.Type {
		case api.MessageTypeHeartbeat:
			c.mu.Lock()
			c.lastHeartbeat = time.Now()
			c.mu.Unlock()

		case api.MessageTypeAck:
			c.deliverAck(msg.Ack.ItemID, msg.Ack.Success)

		case api.MessageTypeItem:
			c.handleItem(ctx, *msg.Item)

		case api.MessageTypeError:
			c.logger.Warn("realtime error from remote",
				"code", msg.Error.Code,
				"message", msg.Error.Message,
				"recoverable", msg.Error.Recoverable)
			if !msg.Error.Recoverable {
				return fmt.Errorf("remote channel error: %s", msg.Error.Code)
			}
		}
	}
}

func (c *Channel) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.mu.Lock()
			silence := time.Since(c.lastHeartbeat)
			c.mu.Unlock()
			if silence > 2*c.cfg.HeartbeatInterval {
				return fmt.Errorf("no heartbeat from remote for %s", silence.Round(time.Second))
			}

			if err := c.write(ctx, api.NewHeartbeatMessage("ok")); err != nil {
				return fmt.Errorf("heartbeat write: %w", err)
			}
		}
	}
}

// handleItem passes a remote item to the handler and acknowledges the
// outcome.
func (c *Channel) handleItem(ctx context.Context, item api.SyncItem) {
	success := true
	if c.handler != nil {
		if err := c.handler(ctx, item); err != nil {
			c.logger.Warn("realtime item handler failed", "item_id", item.ID, "error", err)
			success = false
		}
	}
	if err := c.write(ctx, api.NewAckMessage(item.ID, success)); err != nil {
		c.logger.Warn("failed to ack realtime item", "item_id", item.ID, "error", err)
	}
}

// Send delivers one item over the channel and waits for its
// acknowledgement. Returns ErrNotDelivered when no ack arrives within
// the ack timeout, and ErrNotConnected / ErrFallenBack when no session
// exists; in every failure case the caller falls back to batch sync.
func (c *Channel) Send(ctx context.Context, item api.SyncItem) error {
	c.mu.Lock()
	switch c.state {
	case StateFallenBack:
		c.mu.Unlock()
		return ErrFallenBack
	case StateDisconnected:
		c.mu.Unlock()
		return ErrNotConnected
	}
	ackCh := make(chan bool, 1)
	c.pendingAcks[item.ID] = ackCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pendingAcks, item.ID)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, api.NewItemMessage(item)); err != nil {
		return fmt.Errorf("send item %s: %w", item.ID, err)
	}

	timer := time.NewTimer(c.cfg.AckTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case ok := <-ackCh:
		if !ok {
			return fmt.Errorf("item %s: %w", item.ID, ErrNotDelivered)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("item %s: ack timeout: %w", item.ID, ErrNotDelivered)
	}
}

func (c *Channel) deliverAck(itemID string, success bool) {
	c.mu.Lock()
	ackCh, ok := c.pendingAcks[itemID]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("ack for unknown item, ignoring", "item_id", itemID)
		return
	}
	select {
	case ackCh <- success:
	default:
	}
}

func (c *Channel) write(ctx context.Context, msg api.Message) error {
	conn := c.current()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (c *Channel) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// teardown closes the connection and fails any in-flight sends so they
// fall back to batch instead of waiting out the full ack timeout.
func (c *Channel) teardown() {
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
		c.conn = nil
	}
	if c.state == StateConnected {
		c.state = StateDisconnected
	}
	for id, ackCh := range c.pendingAcks {
		select {
		case ackCh <- false:
		default:
		}
		delete(c.pendingAcks, id)
	}
	c.mu.Unlock()
}

// Close tears the session down without attempting to reconnect.
func (c *Channel) Close() {
	c.teardown()
}
