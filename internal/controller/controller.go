package controller

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	roomrepo "github.com/jamsync/server/internal/repository/room"
	"github.com/jamsync/server/internal/service/relay"
	"github.com/jamsync/server/internal/service/room"
	"github.com/jamsync/server/pkg/validator"
	"github.com/jamsync/server/pkg/wsrouter"
)

type iRelayService interface {
	Join(ctx context.Context, params *relay.JoinParams) error
	Leave(ctx context.Context, conn *wsrouter.Conn) (relay.LeaveResponse, error)
	Route(ctx context.Context, params *relay.RouteParams) (relay.RouteResponse, error)
}

type iRoomService interface {
	CreateRoom(ctx context.Context, params *room.CreateRoomParams) (room.CreateRoomResponse, error)
	GetRoom(ctx context.Context, roomId string) (roomrepo.Room, error)
	CloseRoom(ctx context.Context, roomId string) error
}

type controller struct {
	relayService iRelayService
	roomService  iRoomService
	upgrader     websocket.Upgrader
	validate     *validator.Validator
	logger       *slog.Logger
}

func NewController(relayService iRelayService, roomService iRoomService, logger *slog.Logger) *controller {
	return &controller{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		relayService: relayService,
		roomService:  roomService,
		validate:     validator.NewValidator(),
		logger:       logger,
	}
}
