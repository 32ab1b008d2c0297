package peer

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jamsync/server/internal/protocol"
)

type State string

const (
	StateIdle      State = "idle"
	StateSignaling State = "signaling"
	StateConnected State = "connected"
	StateClosed    State = "closed"
)

const defaultPingInterval = 5 * time.Second

// Callbacks are invoked by a Connection as events arrive. OnSignal emits
// outbound setup blobs; OnClosed fires exactly once, after which no
// further callbacks are made and no timers remain. OnClosed receives the
// connection itself so an owner holding several generations for one peer
// can tell which one died.
type Callbacks struct {
	OnMessage func(peerId string, msg *protocol.Message)
	OnSignal  func(peerId string, blob []byte)
	OnLatency func(peerId string, latency time.Duration)
	OnClosed  func(conn *Connection)
}

type Config struct {
	SelfId       string
	PeerId       string
	IsInitiator  bool
	PingInterval time.Duration
}

// Connection wraps one transport to one remote participant. States move
// Idle -> Signaling -> Connected -> Closed; Closed is terminal, a fresh
// Connection is required for reconnection.
type Connection struct {
	selfId       string
	peerId       string
	isInitiator  bool
	pingInterval time.Duration
	cb           Callbacks
	logger       *slog.Logger

	mu             sync.Mutex
	state          State
	transport      Transport
	latency        time.Duration
	audioLevel     float64
	lastPingSentAt time.Time
	stopPing       chan struct{}
	closeOnce      sync.Once
	now            func() time.Time
}

func NewConnection(cfg *Config, factory TransportFactory, cb Callbacks, logger *slog.Logger) (*Connection, error) {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}

	c := &Connection{
		selfId:       cfg.SelfId,
		peerId:       cfg.PeerId,
		isInitiator:  cfg.IsInitiator,
		pingInterval: cfg.PingInterval,
		cb:           cb,
		logger:       logger,
		state:        StateIdle,
		now:          time.Now,
	}

	transport, err := factory(cfg.PeerId, cfg.IsInitiator, TransportEvents{
		OnConnect: c.handleConnect,
		OnData:    c.handleData,
		OnSignal: func(blob []byte) {
			if c.cb.OnSignal != nil {
				c.cb.OnSignal(c.peerId, blob)
			}
		},
		OnClose: func() { c.close() },
		OnError: c.handleError,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	c.mu.Lock()
	c.transport = transport
	// The initiator starts handshaking as soon as the transport exists.
	if cfg.IsInitiator && c.state == StateIdle {
		c.state = StateSignaling
	}
	c.mu.Unlock()

	return c, nil
}

func (c *Connection) PeerId() string {
	return c.peerId
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Latency returns the most recently measured round-trip time.
func (c *Connection) Latency() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.latency
}

func (c *Connection) AudioActivityLevel() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.audioLevel
}

// Signal feeds an inbound signaling blob into the handshake. Blobs for a
// closed connection are dropped.
func (c *Connection) Signal(blob []byte) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		c.logger.Debug("dropping signal for closed connection", "peer_id", c.peerId)
		return
	}
	if c.state == StateIdle {
		c.state = StateSignaling
	}
	transport := c.transport
	c.mu.Unlock()

	if err := transport.Signal(blob); err != nil {
		c.logger.Warn("failed to apply signal", "peer_id", c.peerId, "error", err)
	}
}

// Send attempts transport delivery. It is a silent no-op unless the
// connection is Connected; the protocol tolerates loss.
func (c *Connection) Send(msg *protocol.Message) {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	transport := c.transport
	c.mu.Unlock()

	data, err := msg.Encode()
	if err != nil {
		c.logger.Warn("failed to encode message", "peer_id", c.peerId, "error", err)
		return
	}

	if err := transport.Send(data); err != nil {
		c.logger.Debug("send failed", "peer_id", c.peerId, "error", err)
	}
}

// Close tears the connection down. Idempotent; stops the ping loop before
// the transport is released so no timer fires after teardown.
func (c *Connection) Close() {
	c.close()
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		if c.stopPing != nil {
			close(c.stopPing)
			c.stopPing = nil
		}
		transport := c.transport
		c.mu.Unlock()

		if transport != nil {
			if err := transport.Close(); err != nil {
				c.logger.Debug("failed to close transport", "peer_id", c.peerId, "error", err)
			}
		}

		c.logger.Info("peer connection closed", "peer_id", c.peerId)
		if c.cb.OnClosed != nil {
			c.cb.OnClosed(c)
		}
	})
}

func (c *Connection) handleConnect() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateConnected
	stop := make(chan struct{})
	c.stopPing = stop
	c.mu.Unlock()

	c.logger.Info("peer connection established", "peer_id", c.peerId)

	go c.pingLoop(stop)
}

func (c *Connection) handleError(err error) {
	c.logger.Warn("transport error", "peer_id", c.peerId, "error", err)
	c.close()
}

func (c *Connection) pingLoop(stop chan struct{}) {
	c.sendPing()

	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.sendPing()
		}
	}
}

func (c *Connection) sendPing() {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	now := c.now()
	c.lastPingSentAt = now
	c.mu.Unlock()

	msg, err := protocol.NewMessage(protocol.MessageTypePing, c.selfId, protocol.PingPayload{
		Timestamp: now.UnixMilli(),
	})
	if err != nil {
		c.logger.Warn("failed to build ping", "peer_id", c.peerId, "error", err)
		return
	}

	c.Send(msg)
}

func (c *Connection) handleData(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		// Malformed bytes discard the message, not the connection.
		c.logger.Warn("discarding malformed message", "peer_id", c.peerId, "error", err)
		return
	}

	switch msg.Type {
	case protocol.MessageTypePing:
		c.handlePing(msg)
	case protocol.MessageTypePong:
		c.handlePong(msg)
	case protocol.MessageTypeAudioChunk:
		c.handleAudioChunk(msg)
	default:
		if c.cb.OnMessage != nil {
			c.cb.OnMessage(c.peerId, msg)
		}
	}
}

func (c *Connection) handlePing(msg *protocol.Message) {
	ping, err := protocol.DecodePing(msg)
	if err != nil {
		c.logger.Warn("discarding malformed ping", "peer_id", c.peerId, "error", err)
		return
	}

	pong, err := protocol.NewMessage(protocol.MessageTypePong, c.selfId, protocol.PongPayload{
		Timestamp: ping.Timestamp,
	})
	if err != nil {
		c.logger.Warn("failed to build pong", "peer_id", c.peerId, "error", err)
		return
	}

	c.Send(pong)
}

// handlePong computes the round-trip time from the echoed ping timestamp.
// LatencyMs convention: full RTT, not a halved one-way estimate.
func (c *Connection) handlePong(msg *protocol.Message) {
	pong, err := protocol.DecodePong(msg)
	if err != nil {
		c.logger.Warn("discarding malformed pong", "peer_id", c.peerId, "error", err)
		return
	}

	rtt := time.Duration(c.now().UnixMilli()-pong.Timestamp) * time.Millisecond
	if rtt < 0 {
		c.logger.Warn("ignoring pong from the future", "peer_id", c.peerId, "rtt_ms", rtt.Milliseconds())
		return
	}

	c.mu.Lock()
	c.latency = rtt
	c.mu.Unlock()

	if c.cb.OnLatency != nil {
		c.cb.OnLatency(c.peerId, rtt)
	}
}

func (c *Connection) handleAudioChunk(msg *protocol.Message) {
	chunk, err := protocol.DecodeAudioChunk(msg)
	if err != nil {
		c.logger.Warn("discarding malformed audio chunk", "peer_id", c.peerId, "error", err)
		return
	}

	c.mu.Lock()
	c.audioLevel = chunk.Level
	c.mu.Unlock()

	if c.cb.OnMessage != nil {
		c.cb.OnMessage(c.peerId, msg)
	}
}
