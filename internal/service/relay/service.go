package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jamsync/server/internal/repository/connection"
	"github.com/jamsync/server/pkg/wsrouter"
)

var ErrUnknownPeer = errors.New("unknown peer")

type iConnRepo interface {
	Add(conn *wsrouter.Conn, roomId, participantId string) error
	RemoveByConn(conn *wsrouter.Conn) (string, string, error)
	RemoveById(roomId, participantId string) (*wsrouter.Conn, error)
	GetConn(roomId, participantId string) (*wsrouter.Conn, error)
	GetMember(conn *wsrouter.Conn) (string, string, error)
}

// service is the relay's whole brain: it matches websockets to room
// participants and forwards opaque signaling blobs between them. It
// never inspects a blob.
type service struct {
	connRepo iConnRepo
	logger   *slog.Logger
}

func NewService(connRepo iConnRepo, logger *slog.Logger) *service {
	return &service{
		connRepo: connRepo,
		logger:   logger,
	}
}

type JoinParams struct {
	Conn          *wsrouter.Conn
	RoomId        string
	ParticipantId string
}

// Join registers conn as the relay endpoint of a room participant. A
// stale connection for the same participant (rapid tab reload) is
// replaced, not rejected.
func (s *service) Join(ctx context.Context, params *JoinParams) error {
	s.logger.DebugContext(ctx, "called", "room_id", params.RoomId, "participant_id", params.ParticipantId)

	if stale, err := s.connRepo.RemoveById(params.RoomId, params.ParticipantId); err == nil {
		s.logger.InfoContext(ctx, "replacing stale relay connection",
			"room_id", params.RoomId, "participant_id", params.ParticipantId)
		stale.Close()
	}

	if err := s.connRepo.Add(params.Conn, params.RoomId, params.ParticipantId); err != nil {
		return fmt.Errorf("failed to register connection: %w", err)
	}

	return nil
}

type LeaveResponse struct {
	RoomId        string
	ParticipantId string
}

func (s *service) Leave(ctx context.Context, conn *wsrouter.Conn) (LeaveResponse, error) {
	roomId, participantId, err := s.connRepo.RemoveByConn(conn)
	if err != nil {
		return LeaveResponse{}, fmt.Errorf("failed to remove connection: %w", err)
	}

	s.logger.DebugContext(ctx, "connection removed", "room_id", roomId, "participant_id", participantId)
	return LeaveResponse{RoomId: roomId, ParticipantId: participantId}, nil
}

type RouteParams struct {
	FromConn *wsrouter.Conn
	To       string
	Blob     json.RawMessage
}

type RouteResponse struct {
	TargetConn *wsrouter.Conn
	From       string
	Blob       json.RawMessage
}

// Route resolves the target of one signaling blob. The sender identity
// comes from the registered connection, never from the payload, so a
// client cannot speak in another participant's name.
func (s *service) Route(ctx context.Context, params *RouteParams) (RouteResponse, error) {
	roomId, fromId, err := s.connRepo.GetMember(params.FromConn)
	if err != nil {
		return RouteResponse{}, fmt.Errorf("failed to identify sender: %w", err)
	}

	targetConn, err := s.connRepo.GetConn(roomId, params.To)
	if err != nil {
		if errors.Is(err, connection.ErrNotFound) {
			return RouteResponse{}, fmt.Errorf("%w: %s", ErrUnknownPeer, params.To)
		}
		return RouteResponse{}, fmt.Errorf("failed to resolve target: %w", err)
	}

	return RouteResponse{TargetConn: targetConn, From: fromId, Blob: params.Blob}, nil
}
