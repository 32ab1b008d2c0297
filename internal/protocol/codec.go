package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jamsync/server/pkg/validator"
)

var ErrDecode = errors.New("malformed message")

var validate = validator.NewValidator()

// NewMessage builds an envelope of the given type around payload,
// stamped with the current wall clock.
func NewMessage(messageType MessageType, senderId string, payload any) (*Message, error) {
	rawPayload, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	return &Message{
		Type:     messageType,
		Payload:  rawPayload,
		OriginTs: NowMillis(),
		SenderId: senderId,
	}, nil
}

func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	return data, nil
}

// Decode parses and validates a wire envelope. Errors wrap ErrDecode so
// callers can discard the message without tearing the connection down.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	if validationErrors, ok := validate.Validate(msg); !ok {
		return nil, fmt.Errorf("%w: %v", ErrDecode, validationErrors)
	}

	return &msg, nil
}

func decodePayload[T any](m *Message, expected MessageType) (T, error) {
	var payload T
	if m.Type != expected {
		return payload, fmt.Errorf("%w: expected %s message, got %s", ErrDecode, expected, m.Type)
	}

	if err := json.Unmarshal(m.Payload, &payload); err != nil {
		return payload, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	if validationErrors, ok := validate.Validate(payload); !ok {
		return payload, fmt.Errorf("%w: %v", ErrDecode, validationErrors)
	}

	return payload, nil
}

func DecodeNote(m *Message) (NotePayload, error) {
	return decodePayload[NotePayload](m, MessageTypeNote)
}

func DecodeAudioChunk(m *Message) (AudioChunkPayload, error) {
	return decodePayload[AudioChunkPayload](m, MessageTypeAudioChunk)
}

func DecodeSync(m *Message) (SyncPayload, error) {
	return decodePayload[SyncPayload](m, MessageTypeSync)
}

func DecodePing(m *Message) (PingPayload, error) {
	return decodePayload[PingPayload](m, MessageTypePing)
}

func DecodePong(m *Message) (PongPayload, error) {
	return decodePayload[PongPayload](m, MessageTypePong)
}
