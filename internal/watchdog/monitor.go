package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jamsync/server/internal/repository/room"
)

const (
	defaultCheckInterval = 10 * time.Second
	defaultGracePeriod   = 30 * time.Second
	defaultActiveWindow  = 45 * time.Second
	checkTimeout         = 10 * time.Second
)

const (
	ReasonAllUsersLeft      = "all users left"
	ReasonInactivityTimeout = "inactivity timeout"
)

type iRoomRepo interface {
	GetRoom(ctx context.Context, roomId string) (room.Room, error)
	DeleteRoom(ctx context.Context, roomId string) error
}

type iNotifier interface {
	Notify(title, message, severity string)
}

type Config struct {
	RoomId        string
	CheckInterval time.Duration
	// GracePeriod suppresses checks while initial joins settle.
	GracePeriod time.Duration
	// ActiveWindow is how recent last_seen_at and heartbeat_at must both
	// be for a participant to count as active.
	ActiveWindow time.Duration
	// InactivityTimeout closes the room when both room activity and the
	// last note are older than this. Zero disables the timeout path.
	InactivityTimeout time.Duration
}

// Monitor is the host-only control loop deciding when a room is dead:
// everyone left, or nothing has happened for the configured timeout.
type Monitor struct {
	cfg      Config
	repo     iRoomRepo
	notifier iNotifier
	logger   *slog.Logger

	// OnClosed runs after a close decision has been carried out, so the
	// owning session can evict the local participant.
	OnClosed func(reason string)

	mu     sync.Mutex
	stop   chan struct{}
	once   sync.Once
	closed bool
	now    func() time.Time
}

func NewMonitor(cfg Config, repo iRoomRepo, notifier iNotifier, logger *slog.Logger) *Monitor {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaultCheckInterval
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	if cfg.ActiveWindow <= 0 {
		cfg.ActiveWindow = defaultActiveWindow
	}

	return &Monitor{
		cfg:      cfg,
		repo:     repo,
		notifier: notifier,
		logger:   logger,
		stop:     make(chan struct{}),
		now:      time.Now,
	}
}

// Start runs the periodic check until Close is called.
func (m *Monitor) Start() {
	go func() {
		ticker := time.NewTicker(m.cfg.CheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
				closed, _, err := m.CheckOnce(ctx)
				cancel()
				if err != nil {
					m.logger.Warn("auto-close check failed", "room_id", m.cfg.RoomId, "error", err)
					continue
				}
				if closed {
					return
				}
			}
		}
	}()
}

// CheckOnce runs one auto-close evaluation and carries the decision out.
// It reports whether the room was closed and for which reason.
func (m *Monitor) CheckOnce(ctx context.Context) (bool, string, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false, "", nil
	}
	m.mu.Unlock()

	roomState, err := m.repo.GetRoom(ctx, m.cfg.RoomId)
	if err != nil {
		if errors.Is(err, room.ErrRoomNotFound) {
			// Someone else already closed it.
			return false, "", nil
		}
		return false, "", fmt.Errorf("failed to read room: %w", err)
	}

	if !roomState.AutoCloseEnabled {
		return false, "", nil
	}

	now := m.now()
	if now.Sub(time.UnixMilli(roomState.CreatedAt)) < m.cfg.GracePeriod {
		return false, "", nil
	}

	reason, shouldClose := m.decide(&roomState, now)
	if !shouldClose {
		return false, "", nil
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false, "", nil
	}
	m.closed = true
	m.mu.Unlock()

	if err := m.repo.DeleteRoom(ctx, m.cfg.RoomId); err != nil && !errors.Is(err, room.ErrRoomNotFound) {
		m.notify("Room close failed", fmt.Sprintf("could not delete room %s: %v", m.cfg.RoomId, err), "error")
		return false, "", fmt.Errorf("failed to delete room: %w", err)
	}

	m.logger.Info("room auto-closed", "room_id", m.cfg.RoomId, "reason", reason)
	m.notify("Room closed", fmt.Sprintf("room %q was closed: %s", roomState.Name, reason), "info")

	if m.OnClosed != nil {
		m.OnClosed(reason)
	}

	return true, reason, nil
}

func (m *Monitor) decide(roomState *room.Room, now time.Time) (string, bool) {
	activeParticipants := 0
	for _, participant := range roomState.Participants {
		// One malformed record must not abort the whole scan.
		if participant.Id == "" {
			m.logger.Warn("skipping malformed participant record", "room_id", m.cfg.RoomId)
			continue
		}

		if participant.Status != room.StatusActive || !participant.IsInRoom {
			continue
		}
		if now.Sub(time.UnixMilli(participant.LastSeenAt)) > m.cfg.ActiveWindow {
			continue
		}
		if now.Sub(time.UnixMilli(participant.HeartbeatAt)) > m.cfg.ActiveWindow {
			continue
		}

		activeParticipants++
	}

	if activeParticipants == 0 {
		return ReasonAllUsersLeft, true
	}

	timeout := m.cfg.InactivityTimeout
	if timeout <= 0 && roomState.InactivityTimeoutMinutes > 0 {
		timeout = time.Duration(roomState.InactivityTimeoutMinutes) * time.Minute
	}
	if timeout > 0 &&
		now.Sub(time.UnixMilli(roomState.LastActivityAt)) > timeout &&
		now.Sub(time.UnixMilli(roomState.LastNoteAt)) > timeout {
		return ReasonInactivityTimeout, true
	}

	return "", false
}

func (m *Monitor) notify(title, message, severity string) {
	if m.notifier != nil {
		m.notifier.Notify(title, message, severity)
	}
}

// Close stops the check loop. Safe to call more than once.
func (m *Monitor) Close() {
	m.once.Do(func() {
		close(m.stop)
	})
}
