package mesh

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/exp/maps"

	"github.com/jamsync/server/internal/peer"
	"github.com/jamsync/server/internal/protocol"
)

// Callbacks surface mesh-level events to the owning session.
type Callbacks struct {
	OnMessage func(peerId string, msg *protocol.Message)
	OnSignal  func(peerId string, blob []byte)
	OnLatency func(peerId string, latency time.Duration)
	// OnPeerClosed fires after the connection has been removed from the
	// mesh and all its timers stopped.
	OnPeerClosed func(peerId string)
}

// Manager owns the full mesh of peer connections for one room: at most
// one non-closed connection per remote id.
type Manager struct {
	selfId  string
	factory peer.TransportFactory
	cb      Callbacks
	logger  *slog.Logger

	pingInterval time.Duration

	mu     sync.Mutex
	peers  map[string]*peer.Connection
	closed bool
}

type Config struct {
	SelfId       string
	PingInterval time.Duration
}

func NewManager(cfg *Config, factory peer.TransportFactory, cb Callbacks, logger *slog.Logger) *Manager {
	return &Manager{
		selfId:       cfg.SelfId,
		pingInterval: cfg.PingInterval,
		factory:      factory,
		cb:           cb,
		logger:       logger,
		peers:        make(map[string]*peer.Connection),
	}
}

// AddPeer creates a connection to peerId. A no-op when a non-closed
// connection for that id already exists.
func (m *Manager) AddPeer(peerId string, isInitiator bool) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	if existing, ok := m.peers[peerId]; ok && existing.State() != peer.StateClosed {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	conn, err := peer.NewConnection(&peer.Config{
		SelfId:       m.selfId,
		PeerId:       peerId,
		IsInitiator:  isInitiator,
		PingInterval: m.pingInterval,
	}, m.factory, peer.Callbacks{
		OnMessage: m.cb.OnMessage,
		OnSignal:  m.cb.OnSignal,
		OnLatency: m.cb.OnLatency,
		OnClosed:  m.handlePeerClosed,
	}, m.logger)
	if err != nil {
		return err
	}

	m.mu.Lock()
	// Re-check: a racing AddPeer may have won while the transport was
	// being created.
	if existing, ok := m.peers[peerId]; ok && existing.State() != peer.StateClosed {
		m.mu.Unlock()
		conn.Close()
		return nil
	}
	m.peers[peerId] = conn
	m.mu.Unlock()

	m.logger.Info("peer added to mesh", "peer_id", peerId, "is_initiator", isInitiator)
	return nil
}

// RemovePeer closes and releases the connection for peerId, if any.
func (m *Manager) RemovePeer(peerId string) {
	m.mu.Lock()
	conn, ok := m.peers[peerId]
	m.mu.Unlock()

	if !ok {
		return
	}

	conn.Close()
}

// handlePeerClosed releases the slot of a dead connection. A racing
// AddPeer may already have installed a newer connection for the same id;
// only the exact connection that closed is evicted, so a live
// replacement never disappears from the mesh.
func (m *Manager) handlePeerClosed(conn *peer.Connection) {
	peerId := conn.PeerId()

	m.mu.Lock()
	if m.peers[peerId] != conn {
		m.mu.Unlock()
		return
	}
	delete(m.peers, peerId)
	m.mu.Unlock()

	if m.cb.OnPeerClosed != nil {
		m.cb.OnPeerClosed(peerId)
	}
}

// Broadcast fans msg out to every connected peer. Each send is
// independent; a slow or broken peer never blocks the others.
func (m *Manager) Broadcast(msg *protocol.Message) {
	m.mu.Lock()
	conns := maps.Values(m.peers)
	m.mu.Unlock()

	for _, conn := range conns {
		conn.Send(msg)
	}
}

// HandleSignal routes an inbound signaling blob to the matching
// connection. Blobs for unknown peers are dropped with a warning.
func (m *Manager) HandleSignal(peerId string, blob []byte) {
	m.mu.Lock()
	conn, ok := m.peers[peerId]
	m.mu.Unlock()

	if !ok {
		m.logger.Warn("dropping signal for unknown peer", "peer_id", peerId)
		return
	}

	conn.Signal(blob)
}

// PeerIds lists the ids currently present in the mesh.
func (m *Manager) PeerIds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return maps.Keys(m.peers)
}

// Latency returns the last measured round-trip time for peerId.
func (m *Manager) Latency(peerId string) (time.Duration, bool) {
	m.mu.Lock()
	conn, ok := m.peers[peerId]
	m.mu.Unlock()

	if !ok {
		return 0, false
	}

	return conn.Latency(), true
}

// AudioActivity aggregates every peer's latest audio activity level.
func (m *Manager) AudioActivity() map[string]float64 {
	m.mu.Lock()
	conns := make(map[string]*peer.Connection, len(m.peers))
	for id, conn := range m.peers {
		conns[id] = conn
	}
	m.mu.Unlock()

	levels := make(map[string]float64, len(conns))
	for id, conn := range conns {
		levels[id] = conn.AudioActivityLevel()
	}

	return levels
}

// Close tears down every connection and rejects further AddPeer calls.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	conns := maps.Values(m.peers)
	m.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}
