package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/commongrow/garden-core/internal/auth"
	"github.com/commongrow/garden-core/internal/backend"
)

// WebSocketConfig configures WebSocketSource.
type WebSocketConfig struct {
	// Origin is ws:// or wss:// host, e.g. "wss://garden.example.org".
	Origin string
	// Path defaults to "/ws".
	Path string

	PingInterval     time.Duration
	PongTimeout      time.Duration
	MaxMessageSize   int64
	HandshakeTimeout time.Duration
}

// WebSocketSource dials the backend's push endpoint with the session's
// bearer token.
type WebSocketSource struct {
	url    string
	cfg    WebSocketConfig
	dialer *websocket.Dialer
}

// NewWebSocketSource validates cfg and builds a source.
func NewWebSocketSource(cfg WebSocketConfig) (*WebSocketSource, error) {
	u, err := url.Parse(cfg.Origin)
	if err != nil {
		return nil, fmt.Errorf("parsing push origin: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("push origin %q must use ws or wss", cfg.Origin)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("push origin %q has no host", cfg.Origin)
	}

	path := cfg.Path
	if path == "" {
		path = "/ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(path, "/")

	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 10 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 64 * 1024
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}

	return &WebSocketSource{
		url: u.String(),
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}, nil
}

// URL returns the endpoint the source dials.
func (s *WebSocketSource) URL() string {
	return s.url
}

// Open dials the push endpoint.
func (s *WebSocketSource) Open(ctx context.Context, identity auth.Identity) (PushConn, error) {
	header := http.Header{}
	if identity.AccessToken != "" {
		header.Set("Authorization", "Bearer "+identity.AccessToken)
	}

	conn, resp, err := s.dialer.DialContext(ctx, s.url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing push channel: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dialing push channel: %w", err)
	}

	c := &wsConn{
		conn:     conn,
		done:     make(chan struct{}),
		pingEach: s.cfg.PingInterval,
		pongWait: s.cfg.PongTimeout,
	}

	conn.SetReadLimit(s.cfg.MaxMessageSize)
	//nolint:errcheck // best-effort deadline on connection setup
	conn.SetReadDeadline(time.Now().Add(c.pingEach + c.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.pingEach + c.pongWait))
	})

	context.AfterFunc(ctx, func() { c.Close() })
	go c.pingLoop()

	return c, nil
}

type wsConn struct {
	conn      *websocket.Conn
	done      chan struct{}
	closeOnce sync.Once
	writeMu   sync.Mutex

	pingEach time.Duration
	pongWait time.Duration
}

func (c *wsConn) Next(ctx context.Context) (Event, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Event{}, ctxErr
		}
		return Event{}, fmt.Errorf("%w: %w", ErrPushClosed, err)
	}

	n, err := backend.DecodeNotification(data)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	return EventFromNotification(n), nil
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		//nolint:errcheck // peer may already be gone
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(c.pingEach)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.pongWait))
			c.writeMu.Unlock()
			if err != nil {
				// The read side sees the broken connection and reports it.
				return
			}
		}
	}
}
