package redis

import (
	"context"
	"fmt"

	"github.com/jamsync/server/internal/repository/room"
	omitnilpointers "github.com/jamsync/server/pkg/omit-nil-pointers"
)

func (r repo) CreateRoom(ctx context.Context, params *room.CreateRoomParams) error {
	r.logger.DebugContext(ctx, "called", "params", params)

	exists, err := r.rc.Exists(ctx, r.getRoomKey(params.Id)).Result()
	if err != nil {
		return fmt.Errorf("failed to check room existence: %w", err)
	}
	if exists != 0 {
		return room.ErrRoomAlreadyExists
	}

	roomState := room.Room{
		Id:                       params.Id,
		Name:                     params.Name,
		IsPublic:                 params.IsPublic,
		MaxParticipants:          params.MaxParticipants,
		CreatorId:                params.CreatorId,
		CreatedAt:                params.CreatedAt,
		LastActivityAt:           params.CreatedAt,
		LastNoteAt:               params.CreatedAt,
		AutoCloseEnabled:         params.AutoCloseEnabled,
		InactivityTimeoutMinutes: params.InactivityTimeoutMinutes,
	}

	roomKey := r.getRoomKey(params.Id)
	pipe := r.rc.TxPipeline()
	pipe.HSet(ctx, roomKey, roomState)
	pipe.Expire(ctx, roomKey, r.roomExp)
	if err := r.executePipe(ctx, pipe); err != nil {
		r.logger.DebugContext(ctx, "returned", "error", err)
		return err
	}

	r.publishSnapshot(ctx, params.Id)
	return nil
}

// GetRoom assembles the full room projection: the room hash, every
// participant hash in join order, and the presence overlay. A participant
// stored as active whose presence key has expired is reported inactive;
// this is how an ungraceful disconnect becomes visible without the
// departed process writing anything.
func (r repo) GetRoom(ctx context.Context, roomId string) (room.Room, error) {
	r.logger.DebugContext(ctx, "called", "room_id", roomId)

	var roomState room.Room
	if err := r.rc.HGetAll(ctx, r.getRoomKey(roomId)).Scan(&roomState); err != nil {
		return room.Room{}, fmt.Errorf("failed to scan room: %w", err)
	}
	if roomState.Id == "" {
		return room.Room{}, room.ErrRoomNotFound
	}

	participantIds, err := r.rc.ZRange(ctx, r.getParticipantListKey(roomId), 0, -1).Result()
	if err != nil {
		return room.Room{}, fmt.Errorf("failed to list participants: %w", err)
	}

	participants := make(room.ParticipantList, 0, len(participantIds))
	for _, participantId := range participantIds {
		var participant room.Participant
		if err := r.rc.HGetAll(ctx, r.getParticipantKey(roomId, participantId)).Scan(&participant); err != nil {
			r.logger.WarnContext(ctx, "skipping unreadable participant", "room_id", roomId, "participant_id", participantId, "error", err)
			continue
		}

		if participant.Status == room.StatusActive && participant.IsInRoom {
			present, err := r.rc.Exists(ctx, r.getPresenceKey(roomId, participantId)).Result()
			if err == nil && present == 0 {
				participant.Status = room.StatusInactive
			}
		}

		participants = append(participants, participant)
	}
	roomState.Participants = participants

	pending, err := r.rc.SMembers(ctx, r.getJoinRequestsKey(roomId)).Result()
	if err == nil && len(pending) > 0 {
		roomState.PendingJoinRequests = pending
	}

	return roomState, nil
}

func (r repo) SetRoomActivity(ctx context.Context, params *room.SetRoomActivityParams) error {
	r.logger.DebugContext(ctx, "called", "params", params)

	exists, err := r.rc.Exists(ctx, r.getRoomKey(params.RoomId)).Result()
	if err != nil {
		return fmt.Errorf("failed to check room existence: %w", err)
	}
	if exists == 0 {
		return room.ErrRoomNotFound
	}

	fields := omitnilpointers.OmitNilPointers(map[string]any{
		"last_activity_at": params.LastActivityAt,
		"last_note_at":     params.LastNoteAt,
	})
	if len(fields) == 0 {
		return nil
	}

	// Activity is written on every note; listeners poll it via GetRoom,
	// so no snapshot is published here.
	if err := r.rc.HSet(ctx, r.getRoomKey(params.RoomId), fields).Err(); err != nil {
		return fmt.Errorf("failed to update room activity: %w", err)
	}

	return nil
}

func (r repo) DeleteRoom(ctx context.Context, roomId string) error {
	r.logger.DebugContext(ctx, "called", "room_id", roomId)

	participantIds, err := r.rc.ZRange(ctx, r.getParticipantListKey(roomId), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to list participants: %w", err)
	}

	keys := []string{
		r.getRoomKey(roomId),
		r.getParticipantListKey(roomId),
		r.getJoinRequestsKey(roomId),
	}
	for _, participantId := range participantIds {
		keys = append(keys,
			r.getParticipantKey(roomId, participantId),
			r.getPresenceKey(roomId, participantId),
		)
	}

	deleted, err := r.rc.Del(ctx, keys...).Result()
	if err != nil {
		return fmt.Errorf("failed to delete room keys: %w", err)
	}
	if deleted == 0 {
		return room.ErrRoomNotFound
	}

	r.publishUpdate(ctx, roomId, &room.Update{Deleted: true})
	return nil
}
