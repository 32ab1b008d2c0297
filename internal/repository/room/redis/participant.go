package redis

import (
	"context"
	"fmt"

	"github.com/jamsync/server/internal/repository/room"
	omitnilpointers "github.com/jamsync/server/pkg/omit-nil-pointers"
)

func (r repo) SetParticipant(ctx context.Context, params *room.SetParticipantParams) error {
	r.logger.DebugContext(ctx, "called", "params", params)

	roomState, err := r.GetRoom(ctx, params.RoomId)
	if err != nil {
		r.logger.DebugContext(ctx, "returned", "error", err)
		return err
	}
	if _, rejoining := roomState.Participants.Get(params.Participant.Id); !rejoining &&
		roomState.MaxParticipants > 0 && len(roomState.Participants) >= roomState.MaxParticipants {
		return room.ErrRoomFull
	}

	participantKey := r.getParticipantKey(params.RoomId, params.Participant.Id)
	pipe := r.rc.TxPipeline()
	pipe.HSet(ctx, participantKey, params.Participant)
	pipe.Expire(ctx, participantKey, r.roomExp)
	pipe.ZAdd(ctx, r.getParticipantListKey(params.RoomId), zMember(params.Participant.JoinedAt, params.Participant.Id))
	pipe.Expire(ctx, r.getParticipantListKey(params.RoomId), r.roomExp)
	pipe.SRem(ctx, r.getJoinRequestsKey(params.RoomId), params.Participant.Id)
	if err := r.executePipe(ctx, pipe); err != nil {
		r.logger.DebugContext(ctx, "returned", "error", err)
		return err
	}

	r.publishSnapshot(ctx, params.RoomId)
	return nil
}

func (r repo) GetParticipant(ctx context.Context, params *room.GetParticipantParams) (room.Participant, error) {
	r.logger.DebugContext(ctx, "called", "params", params)

	var participant room.Participant
	if err := r.rc.HGetAll(ctx, r.getParticipantKey(params.RoomId, params.ParticipantId)).Scan(&participant); err != nil {
		return room.Participant{}, fmt.Errorf("failed to scan participant: %w", err)
	}
	if participant.Id == "" {
		return room.Participant{}, room.ErrParticipantNotFound
	}

	return participant, nil
}

// UpdateParticipant applies a partial patch. Nil fields are left alone.
func (r repo) UpdateParticipant(ctx context.Context, params *room.UpdateParticipantParams) error {
	r.logger.DebugContext(ctx, "called", "params", params)

	exists, err := r.rc.Exists(ctx, r.getParticipantKey(params.RoomId, params.ParticipantId)).Result()
	if err != nil {
		return fmt.Errorf("failed to check participant existence: %w", err)
	}
	if exists == 0 {
		r.logger.DebugContext(ctx, "returned", "error", room.ErrParticipantNotFound)
		return room.ErrParticipantNotFound
	}

	fields := omitnilpointers.OmitNilPointers(map[string]any{
		"display_name": params.DisplayName,
		"instrument":   params.Instrument,
		"status":       params.Status,
		"is_in_room":   params.IsInRoom,
		"last_seen_at": params.LastSeenAt,
		"heartbeat_at": params.HeartbeatAt,
		"left_at":      params.LeftAt,
	})
	if len(fields) == 0 {
		return nil
	}
	if status, ok := fields["status"]; ok {
		fields["status"] = string(status.(room.ParticipantStatus))
	}

	if err := r.rc.HSet(ctx, r.getParticipantKey(params.RoomId, params.ParticipantId), fields).Err(); err != nil {
		return fmt.Errorf("failed to update participant: %w", err)
	}

	r.publishSnapshot(ctx, params.RoomId)
	return nil
}

func (r repo) AddJoinRequest(ctx context.Context, params *room.JoinRequestParams) error {
	r.logger.DebugContext(ctx, "called", "params", params)

	if err := r.rc.SAdd(ctx, r.getJoinRequestsKey(params.RoomId), params.ParticipantId).Err(); err != nil {
		return fmt.Errorf("failed to add join request: %w", err)
	}

	r.publishSnapshot(ctx, params.RoomId)
	return nil
}

func (r repo) RemoveJoinRequest(ctx context.Context, params *room.JoinRequestParams) error {
	r.logger.DebugContext(ctx, "called", "params", params)

	if err := r.rc.SRem(ctx, r.getJoinRequestsKey(params.RoomId), params.ParticipantId).Err(); err != nil {
		return fmt.Errorf("failed to remove join request: %w", err)
	}

	return nil
}
