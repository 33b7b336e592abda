package collab

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ConnConfig tunes the WebSocket transport.
type ConnConfig struct {
	PingPeriod      time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
	MaxMessageBytes int64
	SendBuffer      int
}

func (c *ConnConfig) norm() {
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 1 << 20
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
}

// Serve runs one authenticated connection until it closes. The read side
// feeds the hub; the write side drains the session queue and pings. A missed
// pong past PongWait ends the read loop, which unregisters the session.
func (h *Hub) Serve(ctx context.Context, ws *websocket.Conn, identity Identity, cfg ConnConfig) {
	cfg.norm()
	s := NewSession(identity, cfg.SendBuffer)
	if err := h.Register(s); err != nil {
		_ = ws.Close()
		return
	}

	log := h.logger.With(zap.String("session", s.handle), zap.String("user", identity.ID))
	log.Info("connection opened", zap.String("remote", ws.RemoteAddr().String()))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(ws, s, cfg, log)
	}()

	h.readPump(ctx, ws, s, cfg, log)
	h.Unregister(s)
	<-writerDone
	log.Info("connection closed")
}

func (h *Hub) readPump(ctx context.Context, ws *websocket.Conn, s *Session, cfg ConnConfig, log *zap.Logger) {
	ws.SetReadLimit(cfg.MaxMessageBytes)
	_ = ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			var ne net.Error
			switch {
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
				log.Debug("peer closed")
			case errors.As(err, &ne) && ne.Timeout():
				log.Info("heartbeat timeout")
			default:
				log.Debug("read failed", zap.Error(err))
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		h.Dispatch(ctx, s, data)
	}
}

func (h *Hub) writePump(ws *websocket.Conn, s *Session, cfg ConnConfig, log *zap.Logger) {
	ticker := time.NewTicker(cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()

	for {
		select {
		case frame, ok := <-s.Outbound():
			_ = ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if !ok {
				_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Debug("write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(cfg.WriteWait)); err != nil {
				log.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}
