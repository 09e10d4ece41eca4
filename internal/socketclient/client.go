package socketclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/codefionn/clinicchat/internal/logger"
)

// ConnectionState represents the current state of a realtime channel's
// connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Close codes used by the chat backend on top of RFC 6455.
const (
	CloseNormal         = websocket.CloseNormalClosure
	CloseAbnormal       = websocket.CloseAbnormalClosure
	CloseSessionInvalid = 4001 // token expired or unknown
	CloseForbidden      = 4003 // not a member of the clinic or thread
)

const (
	// Time allowed to write a control frame to the peer.
	writeWait = 10 * time.Second

	defaultPongWait = 60 * time.Second

	// Maximum message size allowed from peer.
	defaultMaxMessageSize = 64 * 1024
)

// CloseError describes why a connection ended.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("socket closed (%d)", e.Code)
	}
	return fmt.Sprintf("socket closed (%d): %s", e.Code, e.Reason)
}

// Handler receives a connection's events. Callbacks run on the
// connection's read goroutine.
type Handler struct {
	OnMessage func(data []byte)
	// OnError reports transport errors for logging. The connection may
	// already be unusable; OnClose follows when it is.
	OnError func(err error)
	OnClose func(code int, reason string)
}

// Dialer opens websocket connections.
type Dialer struct {
	HandshakeTimeout time.Duration
	// PingInterval must be shorter than PongWait.
	PingInterval   time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	Header         http.Header
	Logger         *logger.Logger
}

// DefaultDialer returns a Dialer with the standard timeouts.
func DefaultDialer() *Dialer {
	return &Dialer{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     (defaultPongWait * 9) / 10,
		PongWait:         defaultPongWait,
		MaxMessageSize:   defaultMaxMessageSize,
	}
}

// Dial performs the handshake and starts the read and ping pumps.
func (d *Dialer) Dial(ctx context.Context, rawURL string, h Handler) (*Conn, error) {
	log := d.Logger
	if log == nil {
		log = logger.Global().WithPrefix("socket")
	}

	wd := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	ws, resp, err := wd.DialContext(ctx, rawURL, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", Redact(rawURL), err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", Redact(rawURL), err)
	}

	c := &Conn{
		id:      uuid.NewString(),
		ws:      ws,
		handler: h,
		closed:  make(chan struct{}),
		log:     log,
	}
	pongWait := d.PongWait
	if pongWait <= 0 {
		pongWait = defaultPongWait
	}
	pingInterval := d.PingInterval
	if pingInterval <= 0 || pingInterval >= pongWait {
		pingInterval = (pongWait * 9) / 10
	}
	maxSize := d.MaxMessageSize
	if maxSize <= 0 {
		maxSize = defaultMaxMessageSize
	}

	ws.SetReadLimit(maxSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	log.Debug("connection %s open to %s", c.id, Redact(rawURL))
	go c.readPump()
	go c.pingPump(pingInterval)
	return c, nil
}

// Conn is one websocket connection.
type Conn struct {
	id        string
	ws        *websocket.Conn
	handler   Handler
	closed    chan struct{}
	closeOnce sync.Once
	log       *logger.Logger
}

// ID identifies the connection in logs.
func (c *Conn) ID() string { return c.id }

// Close sends a close frame with code and reason and releases the
// connection. No handler callback runs after Close.
func (c *Conn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		msg := websocket.FormatCloseMessage(code, reason)
		err = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			err = nil
		}
		if cerr := c.ws.Close(); err == nil {
			err = cerr
		}
		c.log.Debug("connection %s closed locally (%d %s)", c.id, code, reason)
	})
	return err
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Conn) readPump() {
	defer c.ws.Close()

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			c.reportClosure(err)
			return
		}
		if c.isClosed() {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		if c.handler.OnMessage != nil {
			c.handler.OnMessage(data)
		}
	}
}

func (c *Conn) reportClosure(err error) {
	if c.isClosed() {
		return
	}
	// later local Close calls become no-ops
	c.closeOnce.Do(func() { close(c.closed) })

	code, reason := CloseAbnormal, err.Error()
	// gorilla reports a dropped transport as a 1006 close error
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		code, reason = ce.Code, ce.Text
	}
	if code == CloseAbnormal && c.handler.OnError != nil {
		c.handler.OnError(err)
	}
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.log.Warn("connection %s closed: %v", c.id, err)
	} else {
		c.log.Debug("connection %s closed: %v", c.id, err)
	}
	if c.handler.OnClose != nil {
		c.handler.OnClose(code, reason)
	}
}

func (c *Conn) pingPump(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				// the read pump observes the broken connection
				c.log.Debug("connection %s ping failed: %v", c.id, err)
				return
			}
		}
	}
}

// Redact hides the token query parameter of a socket URL.
func Redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid url>"
	}
	q := u.Query()
	if q.Has("token") {
		q.Set("token", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
