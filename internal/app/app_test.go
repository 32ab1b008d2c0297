package app

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	roomrepo "github.com/jamsync/server/internal/repository/room"
	roomRedis "github.com/jamsync/server/internal/repository/room/redis"
	"github.com/jamsync/server/internal/service/room"
	"github.com/jamsync/server/pkg/randstr"
)

func TestRoomLifecycle(t *testing.T) {
	// slog.SetLogLoggerLevel requires Go 1.22; equivalent debug-level default for Go 1.21.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()
	r := redis.NewClient(&redis.Options{
		Addr: s.Addr(),
	})
	repo := roomRedis.NewRepo(r, time.Hour, slog.Default())
	service := room.NewService(repo, randstr.New([]byte(roomIdAlphabet)), slog.Default())

	ctx := context.Background()

	// create room
	createResp, err := service.CreateRoom(ctx, &room.CreateRoomParams{
		Name:                     "friday jam",
		IsPublic:                 true,
		MaxParticipants:          4,
		CreatorId:                "host-1",
		AutoCloseEnabled:         true,
		InactivityTimeoutMinutes: 10,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, createResp.RoomId, "room id is empty")
	t.Log("room created")

	// host joins
	now := time.Now().UnixMilli()
	err = repo.SetParticipant(ctx, &roomrepo.SetParticipantParams{
		RoomId: createResp.RoomId,
		Participant: roomrepo.Participant{
			Id:          "host-1",
			DisplayName: "host",
			Instrument:  "piano",
			IsHost:      true,
			Status:      roomrepo.StatusActive,
			IsInRoom:    true,
			JoinedAt:    now,
			LastSeenAt:  now,
			HeartbeatAt: now,
		},
	})
	require.NoError(t, err)

	// second participant joins
	err = repo.SetParticipant(ctx, &roomrepo.SetParticipantParams{
		RoomId: createResp.RoomId,
		Participant: roomrepo.Participant{
			Id:          "guest-1",
			DisplayName: "guest",
			Instrument:  "drums",
			Status:      roomrepo.StatusActive,
			IsInRoom:    true,
			JoinedAt:    now + 1,
			LastSeenAt:  now + 1,
			HeartbeatAt: now + 1,
		},
	})
	require.NoError(t, err)
	t.Log("participants joined")

	roomState, err := service.GetRoom(ctx, createResp.RoomId)
	require.NoError(t, err)
	assert.Equal(t, "friday jam", roomState.Name)
	assert.Equal(t, "host-1", roomState.CreatorId)
	require.Len(t, roomState.Participants, 2)
	assert.Equal(t, "host-1", roomState.Participants[0].Id)
	assert.True(t, roomState.Participants[0].IsHost)
	assert.Equal(t, "guest-1", roomState.Participants[1].Id)

	// close room
	err = service.CloseRoom(ctx, createResp.RoomId)
	require.NoError(t, err)

	_, err = service.GetRoom(ctx, createResp.RoomId)
	assert.ErrorIs(t, err, roomrepo.ErrRoomNotFound)
	t.Log("room closed")

	t.Log(r.Keys(ctx, "*").Val())
}
