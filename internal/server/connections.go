package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	sendQueueSize  = 64
	writeWait      = time.Second
	maxMessageSize = 1 << 20
)

// Connection is one websocket client.
type Connection struct {
	ID   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	closeOnce sync.Once
}

func newConnection(conn *websocket.Conn) *Connection {
	return &Connection{
		ID:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
	}
}

// enqueue queues msg without blocking. It returns false when the queue is full.
func (c *Connection) enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// writeLoop drains the send queue until the connection is closed or a write fails.
func (c *Connection) writeLoop() error {
	for {
		select {
		case <-c.done:
			return nil
		case msg := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return err
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return err
			}
		}
	}
}

// ConnectionSet owns every open websocket connection of a server.
type ConnectionSet struct {
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]*Connection
}

// NewConnectionSet creates an empty set.
func NewConnectionSet(logger *slog.Logger) *ConnectionSet {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionSet{logger: logger, conns: make(map[string]*Connection)}
}

// Register adds c after queueing the message produced by first. Both happen under the
// set's lock so no broadcast can reach c before that message.
func (s *ConnectionSet) Register(c *Connection, first func() ([]byte, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, err := first()
	if err != nil {
		return err
	}
	c.enqueue(msg)
	s.conns[c.ID] = c
	return nil
}

// Broadcast queues msg on every connection except the one with id except. Connections
// whose queue is full are dropped.
func (s *ConnectionSet) Broadcast(msg []byte, except string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	delivered := 0
	for id, c := range s.conns {
		if id == except {
			continue
		}
		if !c.enqueue(msg) {
			s.logger.Warn("Dropping slow websocket client", "connection_id", id)
			delete(s.conns, id)
			c.close()
			continue
		}
		delivered++
	}
	return delivered
}

// Remove closes and forgets the connection with id.
func (s *ConnectionSet) Remove(id string) {
	s.mu.Lock()
	c, ok := s.conns[id]
	delete(s.conns, id)
	s.mu.Unlock()
	if ok {
		c.close()
	}
}

// Len returns the number of open connections.
func (s *ConnectionSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// CloseAll closes every connection.
func (s *ConnectionSet) CloseAll() {
	s.mu.Lock()
	conns := s.conns
	s.conns = make(map[string]*Connection)
	s.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}
