package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

// defaultAliveInterval stays well inside the relay's read deadline.
const defaultAliveInterval = 20 * time.Second

type ClientConfig struct {
	// RelayURL is the relay base url, e.g. ws://localhost:8080.
	RelayURL      string
	RoomId        string
	ParticipantId string

	// AliveInterval is the keepalive period; the relay reaps connections
	// that stay silent longer than its read timeout.
	AliveInterval time.Duration
}

type outbound struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Client keeps one websocket to the signaling relay, delivering inbound
// blobs to onSignal and reconnecting with exponential backoff when the
// relay drops the connection.
type Client struct {
	cfg      ClientConfig
	onSignal func(from string, blob []byte)
	logger   *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func NewClient(cfg ClientConfig, onSignal func(from string, blob []byte), logger *slog.Logger) *Client {
	if cfg.AliveInterval <= 0 {
		cfg.AliveInterval = defaultAliveInterval
	}

	return &Client{
		cfg:      cfg,
		onSignal: onSignal,
		logger:   logger,
	}
}

func (c *Client) endpoint() string {
	return fmt.Sprintf("%s/ws/rooms/%s", c.cfg.RelayURL, c.cfg.RoomId)
}

// Connect dials the relay and joins the room, retrying with backoff
// until ctx is cancelled. The read loop keeps running after Connect
// returns and redials on failure.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}

	go c.readLoop(ctx)
	go c.aliveLoop(ctx)
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	operation := func() error {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return backoff.Permanent(fmt.Errorf("client closed"))
		}
		c.mu.Unlock()

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.endpoint(), nil)
		if err != nil {
			c.logger.Warn("relay dial failed, retrying", "url", c.endpoint(), "error", err)
			return err
		}

		if err := conn.WriteJSON(&outbound{
			Type:    MessageTypeJoin,
			Payload: JoinPayload{ParticipantId: c.cfg.ParticipantId},
		}); err != nil {
			conn.Close()
			return fmt.Errorf("failed to join relay room: %w", err)
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(backoff.NewExponentialBackOff(), ctx)); err != nil {
		return fmt.Errorf("failed to connect to relay: %w", err)
	}

	c.logger.Info("connected to signaling relay", "room_id", c.cfg.RoomId)
	return nil
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		c.mu.Lock()
		conn := c.conn
		closed := c.closed
		c.mu.Unlock()

		if closed {
			return
		}

		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			c.mu.Lock()
			closed = c.closed
			c.mu.Unlock()
			if closed || ctx.Err() != nil {
				return
			}

			c.logger.Warn("relay connection lost, reconnecting", "error", err)
			if err := c.dial(ctx); err != nil {
				c.logger.Warn("relay reconnect gave up", "error", err)
				return
			}
			continue
		}

		if env.Type != MessageTypeSignal {
			continue
		}

		var payload SignalPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			c.logger.Warn("discarding malformed relay message", "error", err)
			continue
		}

		c.onSignal(payload.From, payload.Blob)
	}
}

// aliveLoop emits keepalive frames so the relay does not reap the
// connection as dead between signaling bursts.
func (c *Client) aliveLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.AliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		if c.conn == nil {
			c.mu.Unlock()
			continue
		}
		err := c.conn.WriteJSON(&outbound{Type: MessageTypeAlive})
		c.mu.Unlock()

		if err != nil {
			// The read loop notices the broken socket and redials.
			c.logger.Debug("keepalive write failed", "error", err)
		}
	}
}

// SendSignal forwards one opaque blob to peer to via the relay. The
// write happens under the client mutex: gorilla conns allow only one
// concurrent writer.
func (c *Client) SendSignal(to string, blob []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.conn == nil {
		return fmt.Errorf("relay connection is not established")
	}

	if err := c.conn.WriteJSON(&outbound{
		Type:    MessageTypeSignal,
		Payload: SignalPayload{To: to, Blob: blob},
	}); err != nil {
		return fmt.Errorf("failed to send signal: %w", err)
	}

	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}

	return nil
}
