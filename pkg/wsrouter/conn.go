package wsrouter

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Conn wraps a websocket connection with write serialization. gorilla
// permits at most one goroutine in the write methods at a time, and a
// relay fans signals into a connection from many serving goroutines at
// once, so every write goes through the mutex here.
type Conn struct {
	*websocket.Conn

	writeMu sync.Mutex
}

func NewConn(conn *websocket.Conn) *Conn {
	return &Conn{Conn: conn}
}

func (c *Conn) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.Conn.WriteJSON(v)
}
