package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/pkg/types"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Auth and CORS are enforced by middleware before the upgrade.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamEvents upgrades to a websocket and forwards the session's events
// until the client goes away or the session reaches a terminal status.
func (s *server) streamEvents(c *gin.Context) {
	sessionID := c.Param("id")
	if s.deps.Bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event stream not available"})
		return
	}

	ctx := c.Request.Context()
	if _, err := s.deps.Sessions.Get(ctx, sessionID); err != nil {
		s.fail(c, err, "stream events", "session_id", sessionID)
		return
	}

	// Subscribe before upgrading so nothing published in between is lost.
	events, unsubscribe := s.deps.Bus.Subscribe(sessionID)
	defer unsubscribe()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warnw("Websocket upgrade failed", "error", err, "session_id", sessionID)
		return
	}
	log := s.logger.WithSession(sessionID)
	log.Debugw("Event stream opened", "remote", c.ClientIP())

	// The read pump only handles control frames and notices disconnects.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	defer func() {
		conn.Close()
		<-closed
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			log.Debugw("Event stream closed by client")
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case event, ok := <-events:
			if !ok {
				s.closeStream(conn, closed, "event bus closed")
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event); err != nil {
				log.Debugw("Event stream write failed", "error", err)
				return
			}
			if event.Kind == types.EventSessionStatus && types.SessionStatus(event.Status).IsTerminal() {
				s.closeStream(conn, closed, "session "+event.Status)
				return
			}
		}
	}
}

// closeStream sends a close frame and gives the client writeWait to
// answer before the connection is dropped.
func (s *server) closeStream(conn *websocket.Conn, closed <-chan struct{}, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		return
	}
	select {
	case <-closed:
	case <-time.After(writeWait):
	}
}
