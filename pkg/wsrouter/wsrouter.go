package wsrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

type message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type HandlerFunc[T any] func(ctx context.Context, conn *Conn, payload T) error

type Middleware func(next HandlerFunc[any]) HandlerFunc[any]

type WSRouter struct {
	routes      map[string]HandlerFunc[json.RawMessage]
	middlewares []Middleware
	readTimeout time.Duration
}

func New() *WSRouter {
	return &WSRouter{routes: make(map[string]HandlerFunc[json.RawMessage])}
}

func (r *WSRouter) Use(mw ...Middleware) {
	r.middlewares = append(r.middlewares, mw...)
}

// SetReadTimeout arms a rolling read deadline: a connection that stays
// silent longer than d is treated as dead and ServeConn returns. Clients
// are expected to send keepalive frames within that window.
func (r *WSRouter) SetReadTimeout(d time.Duration) {
	r.readTimeout = d
}

// Handle registers a typed handler for messageType. The raw payload is
// unmarshalled into T before the handler is invoked.
func Handle[T any](r *WSRouter, messageType string, handler HandlerFunc[T]) {
	r.routes[messageType] = func(ctx context.Context, conn *Conn, payload json.RawMessage) error {
		var input T
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &input); err != nil {
				return fmt.Errorf("failed to unmarshal payload: %w", err)
			}
		}

		return handler(ctx, conn, input)
	}
}

func (r *WSRouter) dispatch(ctx context.Context, conn *Conn, msg *message) error {
	handler, exists := r.routes[msg.Type]
	if !exists {
		return fmt.Errorf("unknown message type: %s", msg.Type)
	}

	wrapped := func(ctx context.Context, conn *Conn, payload any) error {
		return handler(ctx, conn, payload.(json.RawMessage))
	}
	for i := len(r.middlewares) - 1; i >= 0; i-- {
		wrapped = r.middlewares[i](wrapped)
	}

	return wrapped(ctx, conn, msg.Payload)
}

// ServeConn reads messages from conn and routes them until the connection
// is closed or a read fails. Handler errors are reported to the client but
// do not terminate the loop.
func (r *WSRouter) ServeConn(ctx context.Context, conn *Conn) error {
	for {
		if r.readTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(r.readTimeout)); err != nil {
				return fmt.Errorf("failed to set read deadline: %w", err)
			}
		}

		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}

		msgCtx := context.WithValue(ctx, messageTypeKey, msg.Type)
		if err := r.dispatch(msgCtx, conn, &msg); err != nil {
			conn.WriteJSON(map[string]string{"error": err.Error()})
		}
	}
}
