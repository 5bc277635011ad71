package server

import (
	"time"

	"github.com/comigor/supportdesk/internal/logger"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const closeWait = time.Second

// handleWebSocket runs the duplex channel: each text frame is one user message and is
// answered with one reply frame. Any error ends the connection.
func (s *Server) handleWebSocket(c *gin.Context) {
	id := c.Param("id")
	log := logger.Session(id)

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("ws upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	if err := s.ready(); err != nil {
		closeWith(conn, websocket.ClosePolicyViolation, "LLM not available")
		return
	}

	ctx := c.Request.Context()
	if err := s.agent.EnsureSession(ctx, id); err != nil {
		log.Error("ws session start failed", "error", err)
		closeWith(conn, websocket.CloseInternalServerErr, "session unavailable")
		return
	}
	log.Info("ws connected")

	// Oversized frames fail the read and end the connection.
	conn.SetReadLimit(s.maxFrame)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("ws read error", "error", err)
			}
			return
		}

		reply, err := s.agent.AddUserMessage(ctx, id, string(msg))
		if err != nil {
			log.Warn("ws exchange failed", "error", err)
			closeWith(conn, websocket.CloseInternalServerErr, err.Error())
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte(reply.Text)); err != nil {
			log.Warn("ws write error", "error", err)
			return
		}
	}
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	// Control frame payloads are capped at 125 bytes, two of which hold the code.
	if len(reason) > 123 {
		reason = reason[:123]
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait))
}
