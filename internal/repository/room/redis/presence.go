package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/jamsync/server/internal/repository/room"
)

func zMember(score int64, member string) redis.Z {
	return redis.Z{Score: float64(score), Member: member}
}

// TouchPresence refreshes the participant's liveness key. The key carries
// a TTL, so an ungraceful disconnect surfaces automatically once the
// heartbeats stop: this is the store's "set on disconnect" primitive.
func (r repo) TouchPresence(ctx context.Context, params *room.TouchPresenceParams) error {
	r.logger.DebugContext(ctx, "called", "params", params)

	key := r.getPresenceKey(params.RoomId, params.ParticipantId)
	if err := r.rc.Set(ctx, key, "1", r.presenceTTL).Err(); err != nil {
		return fmt.Errorf("failed to touch presence: %w", err)
	}

	return nil
}

// ClearPresence drops the liveness key immediately, used on clean leave.
func (r repo) ClearPresence(ctx context.Context, params *room.TouchPresenceParams) error {
	r.logger.DebugContext(ctx, "called", "params", params)

	if err := r.rc.Del(ctx, r.getPresenceKey(params.RoomId, params.ParticipantId)).Err(); err != nil {
		return fmt.Errorf("failed to clear presence: %w", err)
	}

	return nil
}
