package voicechat

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the duplex connection a session runs over. The fiber and gorilla
// WebSocket connections both satisfy it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// closeFrame is the close message sent when the session ends.
type closeFrame struct {
	code   int
	reason string
}

// writePump is the only goroutine that writes to the connection.
func (s *Session) writePump(ctx context.Context) error {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cf := s.closing.Load()
			if cf == nil {
				cf = &closeFrame{code: websocket.CloseNormalClosure}
			}
			deadline := time.Now().Add(s.config.WriteTimeout)
			_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(cf.code, cf.reason), deadline)
			return nil

		case frame := <-s.send:
			if err := s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout)); err != nil {
				return err
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return err
			}

		case <-ticker.C:
			deadline := time.Now().Add(s.config.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return err
			}
		}
	}
}
