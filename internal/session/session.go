package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jamsync/server/internal/guard"
	"github.com/jamsync/server/internal/mesh"
	"github.com/jamsync/server/internal/peer"
	"github.com/jamsync/server/internal/protocol"
	"github.com/jamsync/server/internal/repository/room"
	"github.com/jamsync/server/internal/watchdog"
)

const leaveTimeout = 5 * time.Second

type iRoomRepo interface {
	GetRoom(ctx context.Context, roomId string) (room.Room, error)
	SetParticipant(ctx context.Context, params *room.SetParticipantParams) error
	UpdateParticipant(ctx context.Context, params *room.UpdateParticipantParams) error
	SetRoomActivity(ctx context.Context, params *room.SetRoomActivityParams) error
	DeleteRoom(ctx context.Context, roomId string) error
	TouchPresence(ctx context.Context, params *room.TouchPresenceParams) error
	ClearPresence(ctx context.Context, params *room.TouchPresenceParams) error
	Listen(ctx context.Context, roomId string, onUpdate func(*room.Update), onError func(error)) (func(), error)
}

type iPresenceTracker interface {
	Connect(ctx context.Context) error
	Leave(ctx context.Context) error
}

type iSignaler interface {
	SendSignal(to string, blob []byte) error
	Close() error
}

type iPlayback interface {
	PlayNote(instrument, note string, octave, durationMs int, velocity float64)
}

type iNotifier interface {
	Notify(title, message, severity string)
}

type Config struct {
	RoomId      string
	SelfId      string
	DisplayName string
	Instrument  string
	IsHost      bool

	// SessionId scopes dedup keys to one join; a fresh one is generated
	// when empty.
	SessionId string

	PingInterval      time.Duration
	HeartbeatInterval time.Duration
	InactivityTimeout time.Duration
	Guard             guard.Config
}

// Session is one participant's engine for one joined room. It owns the
// peer mesh, the dedup guard, the presence tracker and, on the host, the
// auto-close monitor — and tears all of them down through a single Close.
type Session struct {
	cfg      Config
	repo     iRoomRepo
	playback iPlayback
	notifier iNotifier
	logger   *slog.Logger

	guard   *guard.Guard
	mesh    *mesh.Manager
	tracker iPresenceTracker
	monitor *watchdog.Monitor

	mu          sync.Mutex
	signaler    iSignaler
	room        *room.Room
	unsubscribe func()
	closeOnce   sync.Once
	closed      chan struct{}
}

type Deps struct {
	Repo     iRoomRepo
	Tracker  iPresenceTracker
	Factory  peer.TransportFactory
	Playback iPlayback
	Notifier iNotifier
}

func New(cfg Config, deps Deps, logger *slog.Logger) *Session {
	if cfg.SessionId == "" {
		cfg.SessionId = uuid.NewString()
	}

	s := &Session{
		cfg:      cfg,
		repo:     deps.Repo,
		playback: deps.Playback,
		notifier: deps.Notifier,
		logger:   logger,
		tracker:  deps.Tracker,
		guard:    guard.New(cfg.Guard, logger),
		closed:   make(chan struct{}),
	}

	s.mesh = mesh.NewManager(&mesh.Config{
		SelfId:       cfg.SelfId,
		PingInterval: cfg.PingInterval,
	}, deps.Factory, mesh.Callbacks{
		OnMessage: s.handleMessage,
		OnSignal:  s.handleOutboundSignal,
		OnLatency: func(peerId string, latency time.Duration) {
			logger.Debug("peer latency updated", "peer_id", peerId, "latency_ms", latency.Milliseconds())
		},
		OnPeerClosed: func(peerId string) {
			logger.Info("peer left mesh", "peer_id", peerId)
		},
	}, logger)

	if cfg.IsHost {
		s.monitor = watchdog.NewMonitor(watchdog.Config{
			RoomId:            cfg.RoomId,
			InactivityTimeout: cfg.InactivityTimeout,
		}, deps.Repo, deps.Notifier, logger)
		s.monitor.OnClosed = func(reason string) {
			go s.Close()
		}
	}

	return s
}

// Start joins the room: writes the participant record, registers
// presence, subscribes to store pushes and, on the host, starts the
// auto-close monitor. signaler carries outbound setup blobs; inbound
// ones are fed through HandleSignal.
func (s *Session) Start(ctx context.Context, signaler iSignaler) error {
	s.mu.Lock()
	s.signaler = signaler
	s.mu.Unlock()

	now := protocol.NowMillis()
	if err := s.repo.SetParticipant(ctx, &room.SetParticipantParams{
		RoomId: s.cfg.RoomId,
		Participant: room.Participant{
			Id:          s.cfg.SelfId,
			DisplayName: s.cfg.DisplayName,
			Instrument:  s.cfg.Instrument,
			IsHost:      s.cfg.IsHost,
			Status:      room.StatusActive,
			IsInRoom:    true,
			JoinedAt:    now,
			LastSeenAt:  now,
			HeartbeatAt: now,
		},
	}); err != nil {
		return fmt.Errorf("failed to join room: %w", err)
	}

	if err := s.tracker.Connect(ctx); err != nil {
		return fmt.Errorf("failed to register presence: %w", err)
	}

	unsubscribe, err := s.repo.Listen(ctx, s.cfg.RoomId, s.handleUpdate, s.handleStoreError)
	if err != nil {
		return fmt.Errorf("failed to listen for room updates: %w", err)
	}
	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.mu.Unlock()

	snapshot, err := s.repo.GetRoom(ctx, s.cfg.RoomId)
	if err != nil {
		return fmt.Errorf("failed to read room: %w", err)
	}
	s.handleUpdate(&room.Update{Room: &snapshot})

	if s.monitor != nil {
		s.monitor.Start()
	}

	s.logger.Info("session started", "room_id", s.cfg.RoomId, "self_id", s.cfg.SelfId, "is_host", s.cfg.IsHost)
	return nil
}

// handleUpdate applies one store push: the cached projection is replaced
// wholesale and the mesh is reconciled against the new participant list.
func (s *Session) handleUpdate(update *room.Update) {
	if update.Deleted {
		s.notify("Room closed", "the room was deleted", "info")
		go s.Close()
		return
	}
	if update.Room == nil {
		return
	}

	s.mu.Lock()
	s.room = update.Room
	participants := update.Room.Participants
	s.mu.Unlock()

	desired := make(map[string]bool, len(participants))
	for _, participant := range participants {
		if participant.Id == "" || participant.Id == s.cfg.SelfId {
			continue
		}
		if !participant.IsInRoom || participant.Status == room.StatusLeft {
			continue
		}
		desired[participant.Id] = true
	}

	for _, peerId := range s.mesh.PeerIds() {
		if !desired[peerId] {
			s.mesh.RemovePeer(peerId)
		}
		delete(desired, peerId)
	}

	for peerId := range desired {
		// Both sides see the same snapshot; the lexicographically lower
		// id initiates so exactly one offer is produced per pair.
		if err := s.mesh.AddPeer(peerId, s.cfg.SelfId < peerId); err != nil {
			s.logger.Warn("failed to add peer", "peer_id", peerId, "error", err)
		}
	}
}

func (s *Session) handleStoreError(err error) {
	s.logger.Warn("room store listener error", "room_id", s.cfg.RoomId, "error", err)
	s.notify("Sync degraded", "lost track of room updates: "+err.Error(), "warning")
}

// HandleSignal routes one inbound relay blob into the mesh.
func (s *Session) HandleSignal(from string, blob []byte) {
	s.mesh.HandleSignal(from, blob)
}

func (s *Session) handleOutboundSignal(peerId string, blob []byte) {
	s.mu.Lock()
	signaler := s.signaler
	s.mu.Unlock()

	if signaler == nil {
		return
	}

	if err := signaler.SendSignal(peerId, blob); err != nil {
		s.logger.Warn("failed to relay signal", "peer_id", peerId, "error", err)
	}
}

func (s *Session) handleMessage(peerId string, msg *protocol.Message) {
	switch msg.Type {
	case protocol.MessageTypeNote:
		s.handleNote(peerId, msg)
	case protocol.MessageTypeSync:
		s.handleSync(msg)
	}
}

func (s *Session) handleNote(peerId string, msg *protocol.Message) {
	note, err := protocol.DecodeNote(msg)
	if err != nil {
		s.logger.Warn("discarding malformed note", "peer_id", peerId, "error", err)
		return
	}

	if !s.guard.ShouldAccept(msg.SenderId, note.Identity(), note.SessionId) {
		s.logger.Debug("suppressing duplicate note", "peer_id", peerId, "note", note.Identity())
		return
	}

	// Stale notes enter the guard above so later duplicates stay
	// suppressed, but are never played.
	if s.guard.IsStale(msg.OriginTs) {
		s.logger.Debug("suppressing stale note", "peer_id", peerId, "note", note.Identity(),
			"age_ms", protocol.NowMillis()-msg.OriginTs)
		return
	}

	if s.playback != nil {
		s.playback.PlayNote(note.Instrument, note.Note, note.Octave, note.DurationMs, note.Velocity)
	}
}

func (s *Session) handleSync(msg *protocol.Message) {
	sync, err := protocol.DecodeSync(msg)
	if err != nil {
		s.logger.Warn("discarding malformed sync", "error", err)
		return
	}

	s.mu.Lock()
	if s.room != nil {
		if sync.LastActivityAt > s.room.LastActivityAt {
			s.room.LastActivityAt = sync.LastActivityAt
		}
		if sync.LastNoteAt > s.room.LastNoteAt {
			s.room.LastNoteAt = sync.LastNoteAt
		}
	}
	s.mu.Unlock()
}

// PlayNote broadcasts a locally played note to every connected peer. The
// guard is seeded first so the note echoing back through a peer is
// recognized and dropped.
func (s *Session) PlayNote(ctx context.Context, note protocol.NotePayload) error {
	if note.SessionId == "" {
		note.SessionId = s.cfg.SessionId
	}

	s.guard.ShouldAccept(s.cfg.SelfId, note.Identity(), note.SessionId)

	msg, err := protocol.NewMessage(protocol.MessageTypeNote, s.cfg.SelfId, note)
	if err != nil {
		return fmt.Errorf("failed to build note message: %w", err)
	}

	s.mesh.Broadcast(msg)

	now := protocol.NowMillis()
	if err := s.repo.SetRoomActivity(ctx, &room.SetRoomActivityParams{
		RoomId:         s.cfg.RoomId,
		LastActivityAt: &now,
		LastNoteAt:     &now,
	}); err != nil {
		s.logger.Warn("failed to record room activity", "room_id", s.cfg.RoomId, "error", err)
	}

	return nil
}

// BroadcastAudioLevel shares the local audio activity level with peers.
func (s *Session) BroadcastAudioLevel(level float64, seq int) error {
	msg, err := protocol.NewMessage(protocol.MessageTypeAudioChunk, s.cfg.SelfId, protocol.AudioChunkPayload{
		Level: level,
		Seq:   seq,
	})
	if err != nil {
		return fmt.Errorf("failed to build audio chunk: %w", err)
	}

	s.mesh.Broadcast(msg)
	return nil
}

// Latency returns the last measured round-trip time to peerId.
func (s *Session) Latency(peerId string) (time.Duration, bool) {
	return s.mesh.Latency(peerId)
}

// AudioActivity aggregates every peer's latest audio activity level.
func (s *Session) AudioActivity() map[string]float64 {
	return s.mesh.AudioActivity()
}

// Room returns the cached projection from the store's last push.
func (s *Session) Room() *room.Room {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.room
}

func (s *Session) notify(title, message, severity string) {
	if s.notifier != nil {
		s.notifier.Notify(title, message, severity)
	}
}

// Done is closed once the session has fully shut down.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// Close tears the session down exactly once: monitor, store listener,
// mesh (and every peer's ping loop), presence, relay connection.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.monitor != nil {
			s.monitor.Close()
		}

		s.mu.Lock()
		unsubscribe := s.unsubscribe
		signaler := s.signaler
		s.mu.Unlock()

		if unsubscribe != nil {
			unsubscribe()
		}

		s.mesh.Close()

		ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
		defer cancel()
		if err := s.tracker.Leave(ctx); err != nil {
			s.logger.Warn("failed to leave room cleanly", "room_id", s.cfg.RoomId, "error", err)
		}

		if signaler != nil {
			if err := signaler.Close(); err != nil {
				s.logger.Debug("failed to close relay connection", "error", err)
			}
		}

		s.logger.Info("session closed", "room_id", s.cfg.RoomId, "self_id", s.cfg.SelfId)
		close(s.closed)
	})
}
