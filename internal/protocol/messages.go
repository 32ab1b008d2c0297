package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

type MessageType string

const (
	MessageTypeNote       MessageType = "note"
	MessageTypeAudioChunk MessageType = "audio_chunk"
	MessageTypeSync       MessageType = "sync"
	MessageTypePing       MessageType = "ping"
	MessageTypePong       MessageType = "pong"
)

// Message is the wire envelope exchanged between peers. It is never
// mutated after construction.
type Message struct {
	Type     MessageType     `json:"type" validate:"required,oneof=note audio_chunk sync ping pong"`
	Payload  json.RawMessage `json:"payload"`
	OriginTs int64           `json:"origin_ts" validate:"required"`
	SenderId string          `json:"sender_id" validate:"required"`
}

type NotePayload struct {
	Instrument string  `json:"instrument" validate:"required,max=32"`
	Note       string  `json:"note" validate:"required,max=8"`
	Octave     int     `json:"octave" validate:"gte=0,lte=8"`
	DurationMs int     `json:"duration_ms" validate:"gte=0"`
	Velocity   float64 `json:"velocity" validate:"gte=0,lte=1"`
	SessionId  string  `json:"session_id" validate:"required"`
}

// Identity names the note independently of when it was played. It is the
// dedup key component shared by the session-scoped and time-bucketed keys.
func (p NotePayload) Identity() string {
	return fmt.Sprintf("%s:%s:%d", p.Instrument, p.Note, p.Octave)
}

type AudioChunkPayload struct {
	Level float64 `json:"level" validate:"gte=0,lte=1"`
	Seq   int     `json:"seq" validate:"gte=0"`
}

type SyncPayload struct {
	LastActivityAt int64 `json:"last_activity_at"`
	LastNoteAt     int64 `json:"last_note_at"`
}

type PingPayload struct {
	Timestamp int64 `json:"timestamp" validate:"required"`
}

type PongPayload struct {
	Timestamp int64 `json:"timestamp" validate:"required"`
}

func NowMillis() int64 {
	return time.Now().UnixMilli()
}
