package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jamsync/server/internal/repository/connection"
	"github.com/jamsync/server/internal/service/relay"
	"github.com/jamsync/server/internal/signaling"
	"github.com/jamsync/server/pkg/wsrouter"
)

type Output struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// connReadTimeout reaps relay sockets whose client stopped talking.
// Clients send ALIVE keepalives well inside this window.
const connReadTimeout = 60 * time.Second

// ServeRelay upgrades the request and forwards signaling blobs for one
// room participant until the socket drops.
func (c controller) ServeRelay(w http.ResponseWriter, r *http.Request) {
	roomId := chi.URLParam(r, "room-id")
	if roomId == "" {
		http.Error(w, "room id is required", http.StatusBadRequest)
		return
	}

	wsConn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Warn("failed to upgrade connection", "error", err)
		return
	}
	conn := wsrouter.NewConn(wsConn)
	defer conn.Close()

	ctx := c.setRoomIdToCtx(r.Context(), roomId)

	router := wsrouter.New()
	router.SetReadTimeout(connReadTimeout)
	router.Use(c.wsRequestIdWSMw())
	router.Use(c.loggerWSMw())
	wsrouter.Handle(router, signaling.MessageTypeJoin, c.handleJoin)
	wsrouter.Handle(router, signaling.MessageTypeSignal, c.handleSignal)
	wsrouter.Handle(router, signaling.MessageTypeAlive, c.handleAlive)

	if err := router.ServeConn(ctx, conn); err != nil {
		c.logger.Debug("relay connection closed", "room_id", roomId, "error", err)
	}

	if resp, err := c.relayService.Leave(context.WithoutCancel(ctx), conn); err != nil {
		if !errors.Is(err, connection.ErrNotFound) {
			c.logger.Warn("failed to clean up connection", "room_id", roomId, "error", err)
		}
	} else {
		c.logger.Info("participant left relay", "room_id", resp.RoomId, "participant_id", resp.ParticipantId)
	}
}

func (c controller) handleJoin(ctx context.Context, conn *wsrouter.Conn, input signaling.JoinPayload) error {
	if validationErrors, ok := c.validate.Validate(input); !ok {
		return fmt.Errorf("validation error: %v", validationErrors)
	}

	if err := c.relayService.Join(ctx, &relay.JoinParams{
		Conn:          conn,
		RoomId:        c.getRoomIdFromCtx(ctx),
		ParticipantId: input.ParticipantId,
	}); err != nil {
		return fmt.Errorf("failed to join relay: %w", err)
	}

	return nil
}

func (c controller) handleSignal(ctx context.Context, conn *wsrouter.Conn, input signaling.SignalPayload) error {
	if validationErrors, ok := c.validate.Validate(input); !ok {
		return fmt.Errorf("validation error: %v", validationErrors)
	}

	resp, err := c.relayService.Route(ctx, &relay.RouteParams{
		FromConn: conn,
		To:       input.To,
		Blob:     input.Blob,
	})
	if err != nil {
		// A blob for a departed peer is routine churn, not a fault.
		if errors.Is(err, relay.ErrUnknownPeer) {
			c.logger.Warn("dropping signal for unknown peer", "room_id", c.getRoomIdFromCtx(ctx), "to", input.To)
			return nil
		}
		return fmt.Errorf("failed to route signal: %w", err)
	}

	if err := c.writeToConn(resp.TargetConn, &Output{
		Type: signaling.MessageTypeSignal,
		Payload: signaling.SignalPayload{
			From: resp.From,
			Blob: resp.Blob,
		},
	}); err != nil {
		return fmt.Errorf("failed to deliver signal: %w", err)
	}

	return nil
}

func (c controller) handleAlive(ctx context.Context, conn *wsrouter.Conn, input json.RawMessage) error {
	return nil
}

func (c controller) writeToConn(conn *wsrouter.Conn, output *Output) error {
	return conn.WriteJSON(output)
}
