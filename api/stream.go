package api

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/ChinmayGambhirrao/BoardHub-Backend/realtime"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsSendBuffer   = 64
)

// wsConn adapts a websocket to the hub's connection contract. Send never
// blocks: messages go through a buffered channel drained by a single write
// pump, and a full buffer drops the message for this subscriber only.
type wsConn struct {
	id   string
	user string
	out  chan realtime.OutgoingMessage
}

func (w *wsConn) ID() string     { return w.id }
func (w *wsConn) UserID() string { return w.user }

func (w *wsConn) Send(msg realtime.OutgoingMessage) bool {
	select {
	case w.out <- msg:
		return true
	default:
		return false
	}
}

// RegisterStream wires the live-connection endpoint.
func RegisterStream(e *echo.Echo, session *realtime.Session, auth Authenticator, logger *log.Logger) {
	e.GET("/api/stream", stream(session, auth, logger))
}

func stream(session *realtime.Session, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		// Browsers cannot set headers on websocket upgrades, so the token
		// may also arrive as a query parameter.
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			if token := c.QueryParam("token"); token != "" {
				userID, err = auth.UserIDFromAuthHeader("Bearer " + token)
			}
			if err != nil {
				return c.JSON(http.StatusUnauthorized, errorResponse{Message: err.Error()})
			}
		}

		ws, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{})
		if err != nil {
			return nil
		}

		conn := &wsConn{
			id:   uuid.NewString(),
			user: userID,
			out:  make(chan realtime.OutgoingMessage, wsSendBuffer),
		}
		session.Register(conn)

		ctx, cancel := context.WithCancel(c.Request().Context())
		defer cancel()

		go writePump(ctx, ws, conn, cancel)

		// The connection id lets the client tag its REST mutations so it
		// does not receive echoes of its own actions.
		conn.Send(realtime.OutgoingMessage{Type: "ready", Data: map[string]string{"connectionId": conn.id}})

		for {
			var msg realtime.IncomingMessage
			if err := wsjson.Read(ctx, ws, &msg); err != nil {
				break
			}
			session.HandleMessage(ctx, conn, msg)
		}

		session.Disconnect(context.Background(), conn)
		cancel()
		_ = ws.Close(websocket.StatusNormalClosure, "closed")
		logger.WithFields(log.Fields{"conn": conn.id, "user": userID}).Debug("stream connection closed")
		return nil
	}
}

func writePump(ctx context.Context, ws *websocket.Conn, conn *wsConn, cancel context.CancelFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-conn.out:
			writeCtx, done := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(writeCtx, ws, msg)
			done()
			if err != nil {
				_ = ws.Close(websocket.StatusNormalClosure, "write_failed")
				cancel()
				return
			}
		}
	}
}
