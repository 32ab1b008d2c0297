package inmemory

import (
	"sync"

	"github.com/jamsync/server/internal/repository/connection"
	"github.com/jamsync/server/pkg/wsrouter"
)

type member struct {
	roomId        string
	participantId string
}

// repo tracks which relay websocket belongs to which participant of
// which room. Exclusively in-memory: a relay restart simply drops every
// client back into their reconnect loops.
type repo struct {
	mu     sync.RWMutex
	byConn map[*wsrouter.Conn]member
	byId   map[member]*wsrouter.Conn
}

func NewRepo() *repo {
	return &repo{
		byConn: make(map[*wsrouter.Conn]member),
		byId:   make(map[member]*wsrouter.Conn),
	}
}

func (r *repo) Add(conn *wsrouter.Conn, roomId, participantId string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := member{roomId: roomId, participantId: participantId}
	if _, ok := r.byConn[conn]; ok {
		return connection.ErrAlreadyExists
	}
	if _, ok := r.byId[key]; ok {
		return connection.ErrAlreadyExists
	}

	r.byConn[conn] = key
	r.byId[key] = conn
	return nil
}

func (r *repo) RemoveByConn(conn *wsrouter.Conn) (string, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.byConn[conn]
	if !ok {
		return "", "", connection.ErrNotFound
	}

	delete(r.byConn, conn)
	delete(r.byId, key)
	return key.roomId, key.participantId, nil
}

func (r *repo) RemoveById(roomId, participantId string) (*wsrouter.Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := member{roomId: roomId, participantId: participantId}
	conn, ok := r.byId[key]
	if !ok {
		return nil, connection.ErrNotFound
	}

	delete(r.byConn, conn)
	delete(r.byId, key)
	return conn, nil
}

func (r *repo) GetConn(roomId, participantId string) (*wsrouter.Conn, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.byId[member{roomId: roomId, participantId: participantId}]
	if !ok {
		return nil, connection.ErrNotFound
	}

	return conn, nil
}

func (r *repo) GetMember(conn *wsrouter.Conn) (string, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key, ok := r.byConn[conn]
	if !ok {
		return "", "", connection.ErrNotFound
	}

	return key.roomId, key.participantId, nil
}
