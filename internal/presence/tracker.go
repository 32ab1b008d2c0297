package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jamsync/server/internal/repository/room"
)

const (
	defaultHeartbeatInterval = 15 * time.Second
	heartbeatWriteTimeout    = 5 * time.Second
)

type iRoomRepo interface {
	UpdateParticipant(ctx context.Context, params *room.UpdateParticipantParams) error
	TouchPresence(ctx context.Context, params *room.TouchPresenceParams) error
	ClearPresence(ctx context.Context, params *room.TouchPresenceParams) error
}

type Config struct {
	RoomId            string
	ParticipantId     string
	HeartbeatInterval time.Duration
}

// Tracker maintains the local participant's liveness: a periodic
// heartbeat writes heartbeat_at/last_seen_at and refreshes the TTL-based
// presence key, so the store flips the participant to disconnected on its
// own when the process dies ungracefully.
type Tracker struct {
	cfg    Config
	repo   iRoomRepo
	logger *slog.Logger

	mu        sync.Mutex
	connected bool
	left      bool
	stop      chan struct{}
	now       func() time.Time
}

func NewTracker(cfg Config, repo iRoomRepo, logger *slog.Logger) *Tracker {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}

	return &Tracker{
		cfg:    cfg,
		repo:   repo,
		logger: logger,
		now:    time.Now,
	}
}

// Connect marks the participant active and starts the heartbeat loop.
// Re-entrant calls (rapid rejoin) are no-ops while connected.
func (t *Tracker) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = true
	t.left = false
	stop := make(chan struct{})
	t.stop = stop
	now := t.now().UnixMilli()
	t.mu.Unlock()

	status := room.StatusActive
	inRoom := true
	if err := t.repo.UpdateParticipant(ctx, &room.UpdateParticipantParams{
		RoomId:        t.cfg.RoomId,
		ParticipantId: t.cfg.ParticipantId,
		Status:        &status,
		IsInRoom:      &inRoom,
		LastSeenAt:    &now,
		HeartbeatAt:   &now,
	}); err != nil {
		return fmt.Errorf("failed to mark participant active: %w", err)
	}

	if err := t.repo.TouchPresence(ctx, &room.TouchPresenceParams{
		RoomId:        t.cfg.RoomId,
		ParticipantId: t.cfg.ParticipantId,
	}); err != nil {
		return fmt.Errorf("failed to register presence: %w", err)
	}

	go t.heartbeatLoop(stop)

	t.logger.Info("presence registered", "room_id", t.cfg.RoomId, "participant_id", t.cfg.ParticipantId)
	return nil
}

func (t *Tracker) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.heartbeat()
		}
	}
}

// heartbeat is best-effort: a store failure degrades liveness reporting
// but never takes the session down.
func (t *Tracker) heartbeat() {
	ctx, cancel := context.WithTimeout(context.Background(), heartbeatWriteTimeout)
	defer cancel()

	now := t.now().UnixMilli()
	if err := t.repo.UpdateParticipant(ctx, &room.UpdateParticipantParams{
		RoomId:        t.cfg.RoomId,
		ParticipantId: t.cfg.ParticipantId,
		LastSeenAt:    &now,
		HeartbeatAt:   &now,
	}); err != nil {
		t.logger.Warn("heartbeat write failed", "room_id", t.cfg.RoomId, "error", err)
	}

	if err := t.repo.TouchPresence(ctx, &room.TouchPresenceParams{
		RoomId:        t.cfg.RoomId,
		ParticipantId: t.cfg.ParticipantId,
	}); err != nil {
		t.logger.Warn("presence refresh failed", "room_id", t.cfg.RoomId, "error", err)
	}
}

// Leave marks the participant as gone for good. Idempotent: a second call
// leaves the record in the same terminal state and writes nothing.
func (t *Tracker) Leave(ctx context.Context) error {
	t.mu.Lock()
	if t.left {
		t.mu.Unlock()
		return nil
	}
	t.left = true
	t.connected = false
	if t.stop != nil {
		close(t.stop)
		t.stop = nil
	}
	now := t.now().UnixMilli()
	t.mu.Unlock()

	status := room.StatusLeft
	inRoom := false
	if err := t.repo.UpdateParticipant(ctx, &room.UpdateParticipantParams{
		RoomId:        t.cfg.RoomId,
		ParticipantId: t.cfg.ParticipantId,
		Status:        &status,
		IsInRoom:      &inRoom,
		LastSeenAt:    &now,
		LeftAt:        &now,
	}); err != nil {
		return fmt.Errorf("failed to mark participant left: %w", err)
	}

	if err := t.repo.ClearPresence(ctx, &room.TouchPresenceParams{
		RoomId:        t.cfg.RoomId,
		ParticipantId: t.cfg.ParticipantId,
	}); err != nil {
		t.logger.Warn("failed to clear presence", "room_id", t.cfg.RoomId, "error", err)
	}

	t.logger.Info("participant left room", "room_id", t.cfg.RoomId, "participant_id", t.cfg.ParticipantId)
	return nil
}
