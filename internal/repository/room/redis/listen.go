package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jamsync/server/internal/repository/room"
)

// Listen subscribes to the room's update channel and delivers each push
// to onUpdate until the returned unsubscribe function is called or ctx is
// done. Undecodable pushes go to onError and the subscription stays up.
func (r repo) Listen(ctx context.Context, roomId string, onUpdate func(*room.Update), onError func(error)) (func(), error) {
	pubsub := r.rc.Subscribe(ctx, r.getUpdatesChannel(roomId))

	// Force the subscription to be established before returning so a
	// snapshot published right after Listen is not lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to room updates: %w", err)
	}

	ch := pubsub.Channel()
	go func() {
		for msg := range ch {
			var update room.Update
			if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil {
				if onError != nil {
					onError(fmt.Errorf("failed to decode room update: %w", err))
				}
				continue
			}

			onUpdate(&update)
		}
	}()

	unsubscribe := func() {
		if err := pubsub.Close(); err != nil {
			r.logger.Debug("failed to close room subscription", "room_id", roomId, "error", err)
		}
	}

	return unsubscribe, nil
}
