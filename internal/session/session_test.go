package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamsync/server/internal/peer"
	"github.com/jamsync/server/internal/protocol"
	"github.com/jamsync/server/internal/repository/room"
)

type fakeStore struct {
	mu           sync.Mutex
	room         room.Room
	participants map[string]room.Participant
	activity     []*room.SetRoomActivityParams
	onUpdate     func(*room.Update)
	unsubscribed bool
	deleted      bool
}

func newFakeStore(roomState room.Room) *fakeStore {
	return &fakeStore{
		room:         roomState,
		participants: make(map[string]room.Participant),
	}
}

func (f *fakeStore) GetRoom(ctx context.Context, roomId string) (room.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleted {
		return room.Room{}, room.ErrRoomNotFound
	}
	return f.room, nil
}

func (f *fakeStore) SetParticipant(ctx context.Context, params *room.SetParticipantParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.participants[params.Participant.Id] = params.Participant
	return nil
}

func (f *fakeStore) UpdateParticipant(ctx context.Context, params *room.UpdateParticipantParams) error {
	return nil
}

func (f *fakeStore) SetRoomActivity(ctx context.Context, params *room.SetRoomActivityParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activity = append(f.activity, params)
	return nil
}

func (f *fakeStore) DeleteRoom(ctx context.Context, roomId string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = true
	return nil
}

func (f *fakeStore) TouchPresence(ctx context.Context, params *room.TouchPresenceParams) error {
	return nil
}

func (f *fakeStore) ClearPresence(ctx context.Context, params *room.TouchPresenceParams) error {
	return nil
}

func (f *fakeStore) Listen(ctx context.Context, roomId string, onUpdate func(*room.Update), onError func(error)) (func(), error) {
	f.mu.Lock()
	f.onUpdate = onUpdate
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.unsubscribed = true
		f.mu.Unlock()
	}, nil
}

func (f *fakeStore) push(update *room.Update) {
	f.mu.Lock()
	onUpdate := f.onUpdate
	f.mu.Unlock()
	onUpdate(update)
}

func (f *fakeStore) activityWrites() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.activity)
}

type fakeTracker struct {
	mu       sync.Mutex
	connects int
	leaves   int
}

func (f *fakeTracker) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return nil
}

func (f *fakeTracker) Leave(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves++
	return nil
}

type fakeSignaler struct {
	mu      sync.Mutex
	signals map[string][][]byte
	closes  int
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{signals: make(map[string][][]byte)}
}

func (f *fakeSignaler) SendSignal(to string, blob []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals[to] = append(f.signals[to], blob)
	return nil
}

func (f *fakeSignaler) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

type fakePlayback struct {
	mu    sync.Mutex
	notes []string
}

func (f *fakePlayback) PlayNote(instrument, note string, octave, durationMs int, velocity float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, note)
}

func (f *fakePlayback) played() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.notes)
}

type fakeSessionNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (f *fakeSessionNotifier) Notify(title, message, severity string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.titles = append(f.titles, title)
}

type sessionTransport struct {
	mu          sync.Mutex
	ev          peer.TransportEvents
	sent        [][]byte
	signalled   [][]byte
	closed      bool
	isInitiator bool
}

func (f *sessionTransport) Signal(blob []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signalled = append(f.signalled, blob)
	return nil
}

func (f *sessionTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, data)
	return nil
}

func (f *sessionTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *sessionTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type transportHarness struct {
	mu         sync.Mutex
	transports map[string]*sessionTransport
}

func newTransportHarness() *transportHarness {
	return &transportHarness{transports: make(map[string]*sessionTransport)}
}

func (h *transportHarness) factory(peerId string, isInitiator bool, ev peer.TransportEvents) (peer.Transport, error) {
	transport := &sessionTransport{ev: ev, isInitiator: isInitiator}
	h.mu.Lock()
	h.transports[peerId] = transport
	h.mu.Unlock()
	return transport, nil
}

func (h *transportHarness) transport(peerId string) *sessionTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.transports[peerId]
}

func participantIn(id string, joinedAt int64) room.Participant {
	return room.Participant{
		Id:       id,
		Status:   room.StatusActive,
		IsInRoom: true,
		JoinedAt: joinedAt,
	}
}

type sessionFixture struct {
	session  *Session
	store    *fakeStore
	tracker  *fakeTracker
	signaler *fakeSignaler
	playback *fakePlayback
	notifier *fakeSessionNotifier
	harness  *transportHarness
}

func startSession(t *testing.T, roomState room.Room) *sessionFixture {
	f := &sessionFixture{
		store:    newFakeStore(roomState),
		tracker:  &fakeTracker{},
		signaler: newFakeSignaler(),
		playback: &fakePlayback{},
		notifier: &fakeSessionNotifier{},
		harness:  newTransportHarness(),
	}

	f.session = New(Config{
		RoomId:       "room-1",
		SelfId:       "self",
		DisplayName:  "tester",
		Instrument:   "piano",
		SessionId:    "session-self",
		PingInterval: time.Hour,
	}, Deps{
		Repo:     f.store,
		Tracker:  f.tracker,
		Factory:  f.harness.factory,
		Playback: f.playback,
		Notifier: f.notifier,
	}, slog.Default())

	require.NoError(t, f.session.Start(context.Background(), f.signaler))
	t.Cleanup(f.session.Close)

	return f
}

func TestStartJoinsRoomAndConnectsToPeers(t *testing.T) {
	f := startSession(t, room.Room{
		Id: "room-1",
		Participants: room.ParticipantList{
			participantIn("alice", 100),
			participantIn("self", 200),
			participantIn("zed", 300),
		},
	})

	stored, ok := f.store.participants["self"]
	require.True(t, ok, "own participant record must be written")
	assert.Equal(t, "tester", stored.DisplayName)
	assert.True(t, stored.IsInRoom)
	assert.Equal(t, room.StatusActive, stored.Status)
	assert.Equal(t, 1, f.tracker.connects)

	require.NotNil(t, f.harness.transport("alice"))
	require.NotNil(t, f.harness.transport("zed"))
	assert.Nil(t, f.harness.transport("self"), "no connection to self")

	// The lexicographically lower id initiates.
	assert.False(t, f.harness.transport("alice").isInitiator, "\"self\" > \"alice\": alice initiates")
	assert.True(t, f.harness.transport("zed").isInitiator, "\"self\" < \"zed\": we initiate")
}

func TestDepartedPeerIsRemoved(t *testing.T) {
	f := startSession(t, room.Room{
		Id: "room-1",
		Participants: room.ParticipantList{
			participantIn("alice", 100),
			participantIn("self", 200),
		},
	})

	left := participantIn("alice", 100)
	left.Status = room.StatusLeft
	left.IsInRoom = false
	f.store.push(&room.Update{Room: &room.Room{
		Id: "room-1",
		Participants: room.ParticipantList{
			left,
			participantIn("self", 200),
		},
	}})

	require.Eventually(t, func() bool {
		return f.harness.transport("alice").isClosed()
	}, time.Second, 10*time.Millisecond)
	assert.Empty(t, f.session.mesh.PeerIds())
}

func TestDeletedPushClosesSession(t *testing.T) {
	f := startSession(t, room.Room{
		Id:           "room-1",
		Participants: room.ParticipantList{participantIn("self", 100)},
	})

	f.store.push(&room.Update{Deleted: true})

	select {
	case <-f.session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close after room deletion")
	}

	f.notifier.mu.Lock()
	titles := append([]string(nil), f.notifier.titles...)
	f.notifier.mu.Unlock()
	assert.Contains(t, titles, "Room closed")
}

func noteMessage(t *testing.T, senderId, sessionId string, originTs int64) []byte {
	t.Helper()

	msg, err := protocol.NewMessage(protocol.MessageTypeNote, senderId, protocol.NotePayload{
		Instrument: "piano",
		Note:       "C",
		Octave:     4,
		DurationMs: 200,
		Velocity:   0.5,
		SessionId:  sessionId,
	})
	require.NoError(t, err)
	if originTs != 0 {
		msg.OriginTs = originTs
	}

	data, err := msg.Encode()
	require.NoError(t, err)
	return data
}

func TestInboundNoteIsPlayedOnce(t *testing.T) {
	f := startSession(t, room.Room{
		Id: "room-1",
		Participants: room.ParticipantList{
			participantIn("alice", 100),
			participantIn("self", 200),
		},
	})

	transport := f.harness.transport("alice")
	transport.ev.OnConnect()

	data := noteMessage(t, "alice", "session-alice", 0)
	transport.ev.OnData(data)
	transport.ev.OnData(data)

	assert.Equal(t, 1, f.playback.played(), "the duplicate must be suppressed")
}

func TestStaleNoteIsNotPlayed(t *testing.T) {
	f := startSession(t, room.Room{
		Id: "room-1",
		Participants: room.ParticipantList{
			participantIn("alice", 100),
			participantIn("self", 200),
		},
	})

	transport := f.harness.transport("alice")
	transport.ev.OnConnect()

	old := protocol.NowMillis() - 10_000
	transport.ev.OnData(noteMessage(t, "alice", "session-alice", old))

	assert.Equal(t, 0, f.playback.played(), "a stale note must never be played")
}

func TestPlayNoteBroadcastsAndSuppressesEcho(t *testing.T) {
	f := startSession(t, room.Room{
		Id: "room-1",
		Participants: room.ParticipantList{
			participantIn("alice", 100),
			participantIn("self", 200),
		},
	})

	transport := f.harness.transport("alice")
	transport.ev.OnConnect()

	note := protocol.NotePayload{
		Instrument: "piano",
		Note:       "E",
		Octave:     3,
		DurationMs: 150,
		Velocity:   0.6,
	}
	require.NoError(t, f.session.PlayNote(context.Background(), note))

	// The note reached the connected peer.
	transport.mu.Lock()
	var sentNote []byte
	for _, data := range transport.sent {
		msg, err := protocol.Decode(data)
		require.NoError(t, err)
		if msg.Type == protocol.MessageTypeNote {
			sentNote = data
		}
	}
	transport.mu.Unlock()
	require.NotNil(t, sentNote, "the note must be broadcast")

	// Room activity was recorded.
	assert.Equal(t, 1, f.store.activityWrites())

	// The same bytes echoed back by the peer are recognized and dropped.
	transport.ev.OnData(sentNote)
	assert.Equal(t, 0, f.playback.played(), "an echoed own note must not be played")
}

func TestOutboundSignalsGoThroughRelay(t *testing.T) {
	f := startSession(t, room.Room{
		Id: "room-1",
		Participants: room.ParticipantList{
			participantIn("self", 100),
			participantIn("zed", 200),
		},
	})

	transport := f.harness.transport("zed")
	transport.ev.OnSignal([]byte(`{"type":"offer"}`))

	f.signaler.mu.Lock()
	blobs := f.signaler.signals["zed"]
	f.signaler.mu.Unlock()
	require.Len(t, blobs, 1)
	assert.JSONEq(t, `{"type":"offer"}`, string(blobs[0]))
}

func TestInboundSignalsReachTheTransport(t *testing.T) {
	f := startSession(t, room.Room{
		Id: "room-1",
		Participants: room.ParticipantList{
			participantIn("self", 100),
			participantIn("zed", 200),
		},
	})

	f.session.HandleSignal("zed", []byte(`{"type":"answer"}`))

	transport := f.harness.transport("zed")
	transport.mu.Lock()
	signalled := len(transport.signalled)
	transport.mu.Unlock()
	assert.Equal(t, 1, signalled)
}

func TestSyncMergesActivityForward(t *testing.T) {
	f := startSession(t, room.Room{
		Id:             "room-1",
		LastActivityAt: 1000,
		LastNoteAt:     1000,
		Participants: room.ParticipantList{
			participantIn("alice", 100),
			participantIn("self", 200),
		},
	})

	transport := f.harness.transport("alice")
	transport.ev.OnConnect()

	msg, err := protocol.NewMessage(protocol.MessageTypeSync, "alice", protocol.SyncPayload{
		LastActivityAt: 5000,
		LastNoteAt:     500,
	})
	require.NoError(t, err)
	data, err := msg.Encode()
	require.NoError(t, err)
	transport.ev.OnData(data)

	roomState := f.session.Room()
	assert.Equal(t, int64(5000), roomState.LastActivityAt)
	assert.Equal(t, int64(1000), roomState.LastNoteAt, "sync never moves activity backwards")
}

func TestCloseTearsEverythingDownOnce(t *testing.T) {
	f := startSession(t, room.Room{
		Id: "room-1",
		Participants: room.ParticipantList{
			participantIn("alice", 100),
			participantIn("self", 200),
		},
	})

	f.session.Close()
	f.session.Close()

	select {
	case <-f.session.Done():
	case <-time.After(time.Second):
		t.Fatal("Done must be closed after Close")
	}

	assert.True(t, f.store.unsubscribed)
	assert.True(t, f.harness.transport("alice").isClosed())
	assert.Equal(t, 1, f.tracker.leaves)
	assert.Equal(t, 1, f.signaler.closes)
}

func TestPlayNoteFillsSessionId(t *testing.T) {
	f := startSession(t, room.Room{
		Id: "room-1",
		Participants: room.ParticipantList{
			participantIn("self", 100),
			participantIn("zed", 200),
		},
	})

	transport := f.harness.transport("zed")
	transport.ev.OnConnect()

	require.NoError(t, f.session.PlayNote(context.Background(), protocol.NotePayload{
		Instrument: "piano",
		Note:       "G",
		Octave:     5,
		Velocity:   0.4,
	}))

	transport.mu.Lock()
	defer transport.mu.Unlock()
	var found bool
	for _, data := range transport.sent {
		msg, err := protocol.Decode(data)
		require.NoError(t, err)
		if msg.Type != protocol.MessageTypeNote {
			continue
		}
		var payload protocol.NotePayload
		require.NoError(t, json.Unmarshal(msg.Payload, &payload))
		assert.Equal(t, "session-self", payload.SessionId)
		found = true
	}
	assert.True(t, found)
}
