package realtime

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/ChinmayGambhirrao/BoardHub-Backend/domain"
)

// AccessChecker decides whether a user may view a board, and so join its
// room. Backed by the mutation service's membership resolution.
type AccessChecker interface {
	CanView(ctx context.Context, userID, boardID string) error
}

const rateLimitedMessage = "You're doing that too much. Slow down."

// Session dispatches messages from live connections. The hub stays a pure
// registry; every policy decision happens here. Checks run in a fixed
// order: rate limit first, then authorization, then the room operation, so
// an over-limit sender is throttled even on requests that would also fail
// authorization.
type Session struct {
	hub     *Hub
	router  *Router
	limiter *Limiter
	access  AccessChecker
	logger  *log.Logger
}

func NewSession(hub *Hub, router *Router, limiter *Limiter, access AccessChecker, logger *log.Logger) *Session {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Session{hub: hub, router: router, limiter: limiter, access: access, logger: logger}
}

// Register adds a new connection to the hub.
func (s *Session) Register(c Conn) {
	s.hub.Register(c)
}

// HandleMessage processes one client message. Errors are reported to the
// sender only; they never reach the room.
func (s *Session) HandleMessage(ctx context.Context, c Conn, msg IncomingMessage) {
	if msg.BoardID == "" {
		s.hub.SendTo(c.ID(), OutgoingMessage{Type: "error", Data: map[string]string{"message": "boardId is required"}})
		return
	}
	if s.limiter != nil && !s.limiter.Allow(ctx, c.UserID(), msg.Type) {
		s.hub.SendTo(c.ID(), OutgoingMessage{
			Type:    domain.EventRateLimited,
			BoardID: msg.BoardID,
			Data:    map[string]string{"message": rateLimitedMessage},
		})
		return
	}

	switch msg.Type {
	case MessageJoinBoard:
		s.handleJoin(ctx, c, msg.BoardID)
	case MessageLeaveBoard:
		s.handleLeave(ctx, c, msg.BoardID)
	case MessageTyping:
		s.handleTyping(ctx, c, msg.BoardID)
	default:
		s.logger.WithFields(log.Fields{"conn": c.ID(), "type": msg.Type}).Debug("unknown message type")
	}
}

func (s *Session) handleJoin(ctx context.Context, c Conn, boardID string) {
	if err := s.access.CanView(ctx, c.UserID(), boardID); err != nil {
		reason := "cannot join this board"
		if errors.Is(err, domain.ErrNotFound) {
			reason = "board not found"
		}
		s.hub.SendTo(c.ID(), OutgoingMessage{Type: "error", BoardID: boardID, Data: map[string]string{"message": reason}})
		return
	}
	if !s.hub.Join(c.ID(), boardID) {
		// Already in the room; repeated joins stay silent.
		return
	}
	s.router.Publish(ctx, boardID, domain.EventUserJoined, c.UserID(), domain.PresenceEvent{User: c.UserID()}, c.ID())
}

func (s *Session) handleLeave(ctx context.Context, c Conn, boardID string) {
	if !s.hub.Leave(c.ID(), boardID) {
		return
	}
	s.router.Publish(ctx, boardID, domain.EventUserLeft, c.UserID(), domain.PresenceEvent{User: c.UserID()}, c.ID())
}

func (s *Session) handleTyping(ctx context.Context, c Conn, boardID string) {
	// Typing is relayed only within rooms the sender actually joined.
	if !s.hub.InRoom(c.ID(), boardID) {
		return
	}
	s.router.Publish(ctx, boardID, domain.EventTyping, c.UserID(), domain.PresenceEvent{User: c.UserID()}, c.ID())
}

// Disconnect removes the connection and emits a leave notification for
// every room it was still in.
func (s *Session) Disconnect(ctx context.Context, c Conn) {
	for _, boardID := range s.hub.Disconnect(c.ID()) {
		s.router.Publish(ctx, boardID, domain.EventUserLeft, c.UserID(), domain.PresenceEvent{User: c.UserID()}, c.ID())
	}
}
