package realtime

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// Conn is one live connection. Send must not block: implementations buffer
// and report false when the buffer is full, and the hub drops the message
// for that subscriber only.
type Conn interface {
	ID() string
	UserID() string
	Send(msg OutgoingMessage) bool
}

// Hub is the process-local room registry. It only tracks who is in which
// room and fans messages out; joining policy (authorization, rate limits)
// lives in Session. All methods are safe for concurrent use.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]Conn
	rooms  map[string]map[string]Conn
	joined map[string]map[string]bool

	logger *log.Logger
}

func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Hub{
		conns:  make(map[string]Conn),
		rooms:  make(map[string]map[string]Conn),
		joined: make(map[string]map[string]bool),
		logger: logger,
	}
}

// Register adds a connection to the hub. It belongs to no rooms yet.
func (h *Hub) Register(c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.ID()] = c
	h.joined[c.ID()] = make(map[string]bool)
}

// Join adds the connection to a board room. It reports whether the
// membership is new; a repeated join is a no-op so reconnect-happy clients
// never produce duplicate notifications.
func (h *Hub) Join(connID, boardID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	if !ok {
		return false
	}
	if h.joined[connID][boardID] {
		return false
	}
	h.joined[connID][boardID] = true
	if h.rooms[boardID] == nil {
		h.rooms[boardID] = make(map[string]Conn)
	}
	h.rooms[boardID][connID] = c
	return true
}

// Leave removes the connection from a board room. It reports whether the
// connection was a member; leaving a room it never joined is a no-op.
func (h *Hub) Leave(connID, boardID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.joined[connID][boardID] {
		return false
	}
	delete(h.joined[connID], boardID)
	h.removeFromRoom(connID, boardID)
	return true
}

// Disconnect drops the connection from the hub and returns the rooms it was
// still a member of, so the caller can emit leave notifications.
func (h *Hub) Disconnect(connID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var rooms []string
	for boardID := range h.joined[connID] {
		rooms = append(rooms, boardID)
		h.removeFromRoom(connID, boardID)
	}
	delete(h.joined, connID)
	delete(h.conns, connID)
	return rooms
}

func (h *Hub) removeFromRoom(connID, boardID string) {
	if room, ok := h.rooms[boardID]; ok {
		delete(room, connID)
		if len(room) == 0 {
			delete(h.rooms, boardID)
		}
	}
}

// InRoom reports current membership.
func (h *Hub) InRoom(connID, boardID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.joined[connID][boardID]
}

// Broadcast delivers msg to every room member at most once, skipping the
// excluded connection. Slow subscribers are dropped, never waited on.
func (h *Hub) Broadcast(boardID string, msg OutgoingMessage, excludeConnID string) {
	h.mu.RLock()
	targets := make([]Conn, 0, len(h.rooms[boardID]))
	for id, c := range h.rooms[boardID] {
		if id == excludeConnID {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.Send(msg) {
			h.logger.WithFields(log.Fields{"conn": c.ID(), "board": boardID, "type": msg.Type}).
				Warn("subscriber buffer full, message dropped")
		}
	}
}

// SendTo delivers msg to a single connection if it is still registered.
func (h *Hub) SendTo(connID string, msg OutgoingMessage) {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if ok {
		c.Send(msg)
	}
}
