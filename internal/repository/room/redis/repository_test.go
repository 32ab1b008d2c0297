package redis

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamsync/server/internal/repository/room"
)

func newTestRepo(t *testing.T) (*repo, *miniredis.Miniredis) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	rc := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { rc.Close() })

	return NewRepo(rc, time.Hour, slog.Default()), s
}

func createTestRoom(t *testing.T, r *repo, roomId string) {
	require.NoError(t, r.CreateRoom(context.Background(), &room.CreateRoomParams{
		Id:                       roomId,
		Name:                     "jam",
		IsPublic:                 true,
		MaxParticipants:          2,
		CreatorId:                "p1",
		CreatedAt:                time.Now().UnixMilli(),
		AutoCloseEnabled:         true,
		InactivityTimeoutMinutes: 10,
	}))
}

func testParticipant(id string, joinedAt int64) room.Participant {
	return room.Participant{
		Id:          id,
		DisplayName: "name-" + id,
		Instrument:  "piano",
		Status:      room.StatusActive,
		IsInRoom:    true,
		LastSeenAt:  joinedAt,
		HeartbeatAt: joinedAt,
		JoinedAt:    joinedAt,
	}
}

func TestCreateAndGetRoom(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	createTestRoom(t, r, "room-1")

	roomState, err := r.GetRoom(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, "room-1", roomState.Id)
	assert.Equal(t, "jam", roomState.Name)
	assert.True(t, roomState.IsPublic)
	assert.Equal(t, 2, roomState.MaxParticipants)
	assert.Equal(t, "p1", roomState.CreatorId)
	assert.True(t, roomState.AutoCloseEnabled)
	assert.Equal(t, 10, roomState.InactivityTimeoutMinutes)
	assert.Equal(t, roomState.CreatedAt, roomState.LastActivityAt)
	assert.Empty(t, roomState.Participants)
}

func TestCreateRoomTwice(t *testing.T) {
	r, _ := newTestRepo(t)

	createTestRoom(t, r, "room-1")

	err := r.CreateRoom(context.Background(), &room.CreateRoomParams{Id: "room-1"})
	assert.ErrorIs(t, err, room.ErrRoomAlreadyExists)
}

func TestGetRoomNotFound(t *testing.T) {
	r, _ := newTestRepo(t)

	_, err := r.GetRoom(context.Background(), "ghost")
	assert.ErrorIs(t, err, room.ErrRoomNotFound)
}

func TestParticipantsListedInJoinOrder(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	createTestRoom(t, r, "room-1")
	require.NoError(t, r.SetParticipant(ctx, &room.SetParticipantParams{
		RoomId:      "room-1",
		Participant: testParticipant("p2", 200),
	}))
	require.NoError(t, r.SetParticipant(ctx, &room.SetParticipantParams{
		RoomId:      "room-1",
		Participant: testParticipant("p1", 100),
	}))

	roomState, err := r.GetRoom(ctx, "room-1")
	require.NoError(t, err)
	require.Len(t, roomState.Participants, 2)
	assert.Equal(t, "p1", roomState.Participants[0].Id)
	assert.Equal(t, "p2", roomState.Participants[1].Id)
	assert.Equal(t, "name-p1", roomState.Participants[0].DisplayName)
}

func TestRoomFull(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	createTestRoom(t, r, "room-1")
	require.NoError(t, r.SetParticipant(ctx, &room.SetParticipantParams{
		RoomId:      "room-1",
		Participant: testParticipant("p1", 100),
	}))
	require.NoError(t, r.SetParticipant(ctx, &room.SetParticipantParams{
		RoomId:      "room-1",
		Participant: testParticipant("p2", 200),
	}))

	err := r.SetParticipant(ctx, &room.SetParticipantParams{
		RoomId:      "room-1",
		Participant: testParticipant("p3", 300),
	})
	assert.ErrorIs(t, err, room.ErrRoomFull)

	// A participant already in the room may rewrite its own record.
	require.NoError(t, r.SetParticipant(ctx, &room.SetParticipantParams{
		RoomId:      "room-1",
		Participant: testParticipant("p2", 200),
	}))
}

func TestUpdateParticipantPatch(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	createTestRoom(t, r, "room-1")
	require.NoError(t, r.SetParticipant(ctx, &room.SetParticipantParams{
		RoomId:      "room-1",
		Participant: testParticipant("p1", 100),
	}))

	status := room.StatusLeft
	inRoom := false
	leftAt := int64(500)
	require.NoError(t, r.UpdateParticipant(ctx, &room.UpdateParticipantParams{
		RoomId:        "room-1",
		ParticipantId: "p1",
		Status:        &status,
		IsInRoom:      &inRoom,
		LeftAt:        &leftAt,
	}))

	participant, err := r.GetParticipant(ctx, &room.GetParticipantParams{RoomId: "room-1", ParticipantId: "p1"})
	require.NoError(t, err)
	assert.Equal(t, room.StatusLeft, participant.Status)
	assert.False(t, participant.IsInRoom)
	assert.Equal(t, int64(500), participant.LeftAt)
	// Untouched fields keep their values.
	assert.Equal(t, "name-p1", participant.DisplayName)
	assert.Equal(t, int64(100), participant.JoinedAt)
}

func TestUpdateParticipantNotFound(t *testing.T) {
	r, _ := newTestRepo(t)

	status := room.StatusActive
	err := r.UpdateParticipant(context.Background(), &room.UpdateParticipantParams{
		RoomId:        "room-1",
		ParticipantId: "ghost",
		Status:        &status,
	})
	assert.ErrorIs(t, err, room.ErrParticipantNotFound)
}

func TestPresenceExpiryFlipsActiveToInactive(t *testing.T) {
	r, s := newTestRepo(t)
	ctx := context.Background()

	createTestRoom(t, r, "room-1")
	require.NoError(t, r.SetParticipant(ctx, &room.SetParticipantParams{
		RoomId:      "room-1",
		Participant: testParticipant("p1", 100),
	}))
	require.NoError(t, r.TouchPresence(ctx, &room.TouchPresenceParams{RoomId: "room-1", ParticipantId: "p1"}))

	roomState, err := r.GetRoom(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, room.StatusActive, roomState.Participants[0].Status)

	// The presence key expires without any write from the participant.
	s.FastForward(time.Minute)

	roomState, err = r.GetRoom(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, room.StatusInactive, roomState.Participants[0].Status,
		"expired presence must surface as inactive")

	// The stored record itself was never rewritten.
	participant, err := r.GetParticipant(ctx, &room.GetParticipantParams{RoomId: "room-1", ParticipantId: "p1"})
	require.NoError(t, err)
	assert.Equal(t, room.StatusActive, participant.Status)
}

func TestClearPresence(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	createTestRoom(t, r, "room-1")
	require.NoError(t, r.SetParticipant(ctx, &room.SetParticipantParams{
		RoomId:      "room-1",
		Participant: testParticipant("p1", 100),
	}))
	require.NoError(t, r.TouchPresence(ctx, &room.TouchPresenceParams{RoomId: "room-1", ParticipantId: "p1"}))
	require.NoError(t, r.ClearPresence(ctx, &room.TouchPresenceParams{RoomId: "room-1", ParticipantId: "p1"}))

	roomState, err := r.GetRoom(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, room.StatusInactive, roomState.Participants[0].Status)
}

func TestSetRoomActivity(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	createTestRoom(t, r, "room-1")

	noteAt := int64(12345)
	require.NoError(t, r.SetRoomActivity(ctx, &room.SetRoomActivityParams{
		RoomId:     "room-1",
		LastNoteAt: &noteAt,
	}))

	roomState, err := r.GetRoom(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, int64(12345), roomState.LastNoteAt)
	assert.NotEqual(t, int64(12345), roomState.LastActivityAt, "only the patched field changes")

	err = r.SetRoomActivity(ctx, &room.SetRoomActivityParams{RoomId: "ghost", LastNoteAt: &noteAt})
	assert.ErrorIs(t, err, room.ErrRoomNotFound)
}

func TestJoinRequests(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	createTestRoom(t, r, "room-1")
	require.NoError(t, r.AddJoinRequest(ctx, &room.JoinRequestParams{RoomId: "room-1", ParticipantId: "p9"}))

	roomState, err := r.GetRoom(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"p9"}, roomState.PendingJoinRequests)

	// Admitting the participant consumes the pending request.
	require.NoError(t, r.SetParticipant(ctx, &room.SetParticipantParams{
		RoomId:      "room-1",
		Participant: testParticipant("p9", 100),
	}))

	roomState, err = r.GetRoom(ctx, "room-1")
	require.NoError(t, err)
	assert.Empty(t, roomState.PendingJoinRequests)
}

func TestDeleteRoom(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	createTestRoom(t, r, "room-1")
	require.NoError(t, r.SetParticipant(ctx, &room.SetParticipantParams{
		RoomId:      "room-1",
		Participant: testParticipant("p1", 100),
	}))

	require.NoError(t, r.DeleteRoom(ctx, "room-1"))

	_, err := r.GetRoom(ctx, "room-1")
	assert.ErrorIs(t, err, room.ErrRoomNotFound)

	err = r.DeleteRoom(ctx, "room-1")
	assert.ErrorIs(t, err, room.ErrRoomNotFound)
}

func TestListenDeliversSnapshotsAndDeletion(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	createTestRoom(t, r, "room-1")

	updates := make(chan *room.Update, 16)
	unsubscribe, err := r.Listen(ctx, "room-1", func(u *room.Update) { updates <- u }, nil)
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, r.SetParticipant(ctx, &room.SetParticipantParams{
		RoomId:      "room-1",
		Participant: testParticipant("p1", 100),
	}))

	select {
	case update := <-updates:
		require.NotNil(t, update.Room)
		assert.False(t, update.Deleted)
		require.Len(t, update.Room.Participants, 1)
		assert.Equal(t, "p1", update.Room.Participants[0].Id)
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot received after SetParticipant")
	}

	require.NoError(t, r.DeleteRoom(ctx, "room-1"))

	for {
		select {
		case update := <-updates:
			if update.Deleted {
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatal("no deletion push received")
		}
	}
}
