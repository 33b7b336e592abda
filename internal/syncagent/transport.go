package syncagent

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"folio/api/internal/collab"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Conn is one live socket to the collaboration endpoint. Events is closed
// when the transport is lost.
type Conn interface {
	Send(event string, data any) error
	Events() <-chan collab.Envelope
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// SocketURL derives the WebSocket endpoint from the REST base URL.
func SocketURL(apiURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(apiURL))
	if err != nil {
		return "", fmt.Errorf("parse api url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported api url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("api url %q has no host", apiURL)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = ""
	return u.String(), nil
}

// WSDialer connects with gorilla/websocket, presenting the token as the
// second entry of the bearer subprotocol.
type WSDialer struct {
	URL         string
	Token       string
	ReadTimeout time.Duration
	WriteWait   time.Duration
	Logger      *zap.Logger
}

func (d WSDialer) Dial(ctx context.Context) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		Subprotocols:     []string{"bearer", d.Token},
	}
	ws, resp, err := dialer.DialContext(ctx, d.URL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", d.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}

	readTimeout := d.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 60 * time.Second
	}
	writeWait := d.WriteWait
	if writeWait <= 0 {
		writeWait = 10 * time.Second
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &wsConn{
		ws:          ws,
		events:      make(chan collab.Envelope, 64),
		done:        make(chan struct{}),
		readTimeout: readTimeout,
		writeWait:   writeWait,
		logger:      logger,
	}
	_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})
	go c.readLoop()
	return c, nil
}

type wsConn struct {
	ws          *websocket.Conn
	events      chan collab.Envelope
	done        chan struct{}
	readTimeout time.Duration
	writeWait   time.Duration
	logger      *zap.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *wsConn) Events() <-chan collab.Envelope { return c.events }

func (c *wsConn) Send(event string, data any) error {
	frame, err := collab.EncodeFrame(event, data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("send %s: %w", event, err)
	}
	return nil
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(c.writeWait))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) readLoop() {
	defer close(c.events)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("socket read failed", zap.Error(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))
		env, err := collab.DecodeEnvelope(data)
		if err != nil {
			c.logger.Debug("dropping malformed frame", zap.Error(err))
			continue
		}
		select {
		case c.events <- env:
		case <-c.done:
			return
		}
	}
}
