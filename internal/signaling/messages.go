package signaling

import "encoding/json"

// Message types exchanged with the relay. The relay never interprets the
// blob payloads it forwards.
const (
	MessageTypeJoin   = "JOIN"
	MessageTypeSignal = "SIGNAL"
	MessageTypeAlive  = "ALIVE"
)

type JoinPayload struct {
	ParticipantId string `json:"participant_id" validate:"required"`
}

// SignalPayload carries one opaque connection-setup blob between two
// peers of a room. From is filled in by the relay on delivery.
type SignalPayload struct {
	From string          `json:"from,omitempty"`
	To   string          `json:"to" validate:"required"`
	Blob json.RawMessage `json:"blob" validate:"required"`
}

// Envelope is the wire frame on the relay websocket, in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}
