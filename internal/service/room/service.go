package room

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	roomrepo "github.com/jamsync/server/internal/repository/room"
)

const roomIdLength = 8

type iRoomRepo interface {
	CreateRoom(ctx context.Context, params *roomrepo.CreateRoomParams) error
	GetRoom(ctx context.Context, roomId string) (roomrepo.Room, error)
	DeleteRoom(ctx context.Context, roomId string) error
}

type iGenerator interface {
	GenerateRandomString(length int) string
}

type service struct {
	roomRepo  iRoomRepo
	generator iGenerator
	logger    *slog.Logger
}

func NewService(roomRepo iRoomRepo, generator iGenerator, logger *slog.Logger) *service {
	return &service{
		roomRepo:  roomRepo,
		generator: generator,
		logger:    logger,
	}
}

type CreateRoomParams struct {
	Name                     string
	IsPublic                 bool
	MaxParticipants          int
	CreatorId                string
	AutoCloseEnabled         bool
	InactivityTimeoutMinutes int
}

type CreateRoomResponse struct {
	RoomId string
}

func (s service) CreateRoom(ctx context.Context, params *CreateRoomParams) (CreateRoomResponse, error) {
	roomId := s.generator.GenerateRandomString(roomIdLength)
	if err := s.roomRepo.CreateRoom(ctx, &roomrepo.CreateRoomParams{
		Id:                       roomId,
		Name:                     params.Name,
		IsPublic:                 params.IsPublic,
		MaxParticipants:          params.MaxParticipants,
		CreatorId:                params.CreatorId,
		CreatedAt:                time.Now().UnixMilli(),
		AutoCloseEnabled:         params.AutoCloseEnabled,
		InactivityTimeoutMinutes: params.InactivityTimeoutMinutes,
	}); err != nil {
		return CreateRoomResponse{}, fmt.Errorf("failed to create room: %w", err)
	}

	s.logger.InfoContext(ctx, "room created", "room_id", roomId, "creator_id", params.CreatorId)

	return CreateRoomResponse{RoomId: roomId}, nil
}

func (s service) GetRoom(ctx context.Context, roomId string) (roomrepo.Room, error) {
	return s.roomRepo.GetRoom(ctx, roomId)
}

func (s service) CloseRoom(ctx context.Context, roomId string) error {
	if err := s.roomRepo.DeleteRoom(ctx, roomId); err != nil {
		return fmt.Errorf("failed to delete room: %w", err)
	}

	s.logger.InfoContext(ctx, "room closed", "room_id", roomId)

	return nil
}
