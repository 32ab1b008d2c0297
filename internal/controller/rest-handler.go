package controller

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	roomrepo "github.com/jamsync/server/internal/repository/room"
	"github.com/jamsync/server/internal/service/room"
	"github.com/jamsync/server/pkg/rest"
)

type createRoomRequest struct {
	Name                     string `json:"name" validate:"required,max=64"`
	IsPublic                 bool   `json:"is_public"`
	MaxParticipants          int    `json:"max_participants" validate:"required,gte=2,lte=16"`
	CreatorId                string `json:"creator_id" validate:"required"`
	AutoCloseEnabled         bool   `json:"auto_close_enabled"`
	InactivityTimeoutMinutes int    `json:"inactivity_timeout_minutes" validate:"gte=0"`
}

type createRoomResponse struct {
	RoomId string `json:"room_id"`
}

func (c controller) CreateRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest

	if err := rest.ReadJSON(r, &req); err != nil {
		rest.WriteJSON(w, http.StatusUnprocessableEntity, rest.Envelope{"error": err.Error()})
		return
	}

	if validationErrors, ok := c.validate.Validate(req); !ok {
		rest.WriteJSON(w, http.StatusBadRequest, rest.Envelope{"errors": validationErrors})
		return
	}

	resp, err := c.roomService.CreateRoom(r.Context(), &room.CreateRoomParams{
		Name:                     req.Name,
		IsPublic:                 req.IsPublic,
		MaxParticipants:          req.MaxParticipants,
		CreatorId:                req.CreatorId,
		AutoCloseEnabled:         req.AutoCloseEnabled,
		InactivityTimeoutMinutes: req.InactivityTimeoutMinutes,
	})
	if err != nil {
		c.logger.ErrorContext(r.Context(), "failed to create room", "error", err)
		rest.WriteJSON(w, http.StatusInternalServerError, rest.Envelope{"error": "failed to create room"})
		return
	}

	rest.WriteJSON(w, http.StatusCreated, rest.Envelope{"data": createRoomResponse{RoomId: resp.RoomId}})
}

func (c controller) GetRoom(w http.ResponseWriter, r *http.Request) {
	roomId := chi.URLParam(r, "room-id")
	if roomId == "" {
		rest.WriteJSON(w, http.StatusNotFound, rest.Envelope{"error": "room not found"})
		return
	}

	roomState, err := c.roomService.GetRoom(r.Context(), roomId)
	if err != nil {
		if errors.Is(err, roomrepo.ErrRoomNotFound) {
			rest.WriteJSON(w, http.StatusNotFound, rest.Envelope{"error": "room not found"})
			return
		}
		c.logger.ErrorContext(r.Context(), "failed to get room", "error", err)
		rest.WriteJSON(w, http.StatusInternalServerError, rest.Envelope{"error": "failed to get room"})
		return
	}

	rest.WriteJSON(w, http.StatusOK, rest.Envelope{"data": roomState})
}

func (c controller) CloseRoom(w http.ResponseWriter, r *http.Request) {
	roomId := chi.URLParam(r, "room-id")
	if roomId == "" {
		rest.WriteJSON(w, http.StatusNotFound, rest.Envelope{"error": "room not found"})
		return
	}

	if err := c.roomService.CloseRoom(r.Context(), roomId); err != nil {
		if errors.Is(err, roomrepo.ErrRoomNotFound) {
			rest.WriteJSON(w, http.StatusNotFound, rest.Envelope{"error": "room not found"})
			return
		}
		c.logger.ErrorContext(r.Context(), "failed to close room", "error", err)
		rest.WriteJSON(w, http.StatusInternalServerError, rest.Envelope{"error": "failed to close room"})
		return
	}

	rest.WriteJSON(w, http.StatusOK, rest.Envelope{"data": "ok"})
}
