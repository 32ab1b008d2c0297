package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jamsync/server/internal/repository/room"
)

const defaultPresenceTTL = 45 * time.Second

type repo struct {
	rc          *redis.Client
	logger      *slog.Logger
	roomExp     time.Duration
	presenceTTL time.Duration
}

func NewRepo(rc *redis.Client, roomExp time.Duration, logger *slog.Logger) *repo {
	return &repo{
		rc:          rc,
		logger:      logger,
		roomExp:     roomExp,
		presenceTTL: defaultPresenceTTL,
	}
}

func (r repo) getRoomKey(roomId string) string {
	return "room:" + roomId
}

func (r repo) getParticipantListKey(roomId string) string {
	return "room:" + roomId + ":participants"
}

func (r repo) getParticipantKey(roomId, participantId string) string {
	return "room:" + roomId + ":participant:" + participantId
}

func (r repo) getPresenceKey(roomId, participantId string) string {
	return "room:" + roomId + ":presence:" + participantId
}

func (r repo) getJoinRequestsKey(roomId string) string {
	return "room:" + roomId + ":join-requests"
}

func (r repo) getUpdatesChannel(roomId string) string {
	return "room:" + roomId + ":updates"
}

func (r repo) executePipe(ctx context.Context, pipe redis.Pipeliner) error {
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to execute pipe: %w", err)
	}

	return nil
}

// publishSnapshot pushes the room's current state to every listener.
func (r repo) publishSnapshot(ctx context.Context, roomId string) {
	roomState, err := r.GetRoom(ctx, roomId)
	if err != nil {
		r.logger.WarnContext(ctx, "failed to read room for snapshot", "room_id", roomId, "error", err)
		return
	}

	r.publishUpdate(ctx, roomId, &room.Update{Room: &roomState})
}

func (r repo) publishUpdate(ctx context.Context, roomId string, update *room.Update) {
	data, err := json.Marshal(update)
	if err != nil {
		r.logger.WarnContext(ctx, "failed to marshal room update", "room_id", roomId, "error", err)
		return
	}

	if err := r.rc.Publish(ctx, r.getUpdatesChannel(roomId), data).Err(); err != nil {
		r.logger.WarnContext(ctx, "failed to publish room update", "room_id", roomId, "error", err)
	}
}
