package realtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cupnote/cupsync/internal/errors"
	"github.com/cupnote/cupsync/internal/store"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Transport opens the realtime channel.
// onDown is called at most once per successful Connect when the channel drops
// on its own; it is not called after Close.
type Transport interface {
	Connect(ctx context.Context, onDown func(error)) error
	Close() error
}

// WebSocketConfig holds websocket transport configuration
type WebSocketConfig struct {
	URL              string
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	PongWait         time.Duration
	// Token returns the bearer token sent on the handshake; may be nil
	Token func() string
}

// WebSocketTransport keeps a websocket open to the realtime endpoint and
// reports when it drops. Change delivery itself goes through RemoteStore subscriptions.
type WebSocketTransport struct {
	config *WebSocketConfig
	logger *zap.Logger

	mu      sync.Mutex
	session *wsSession
}

type wsSession struct {
	conn *websocket.Conn
	done chan struct{}
	once sync.Once
}

func (s *wsSession) stop() {
	s.once.Do(func() { close(s.done) })
}

// NewWebSocketTransport creates a websocket transport
func NewWebSocketTransport(cfg *WebSocketConfig, logger *zap.Logger) *WebSocketTransport {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 25 * time.Second
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = cfg.PingInterval * 2
	}
	return &WebSocketTransport{config: cfg, logger: logger}
}

// Connect dials the endpoint and starts the read and ping loops
func (t *WebSocketTransport) Connect(ctx context.Context, onDown func(error)) error {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: t.config.HandshakeTimeout,
	}

	header := http.Header{}
	if t.config.Token != nil {
		if token := t.config.Token(); token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}

	conn, resp, err := dialer.DialContext(ctx, t.config.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return errors.NetworkFailure("realtime handshake failed", err)
	}

	pongWait := t.config.PongWait
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	session := &wsSession{conn: conn, done: make(chan struct{})}

	t.mu.Lock()
	previous := t.session
	t.session = session
	t.mu.Unlock()

	if previous != nil {
		previous.stop()
		previous.conn.Close()
	}

	go t.readLoop(session, onDown)
	go t.pingLoop(session)

	t.logger.Debug("Realtime websocket connected", zap.String("url", t.config.URL))
	return nil
}

// Close sends a close frame and tears down the current session
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	session := t.session
	t.session = nil
	t.mu.Unlock()

	if session == nil {
		return nil
	}

	session.stop()
	deadline := time.Now().Add(time.Second)
	_ = session.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return session.conn.Close()
}

func (t *WebSocketTransport) readLoop(session *wsSession, onDown func(error)) {
	for {
		if _, _, err := session.conn.ReadMessage(); err != nil {
			t.mu.Lock()
			current := t.session == session
			if current {
				t.session = nil
			}
			t.mu.Unlock()

			session.stop()
			session.conn.Close()

			if current && onDown != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					onDown(nil)
				} else {
					onDown(err)
				}
			}
			return
		}
	}
}

func (t *WebSocketTransport) pingLoop(session *wsSession) {
	ticker := time.NewTicker(t.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-session.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(t.config.PingInterval / 2)
			if err := session.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				t.logger.Debug("Realtime ping failed", zap.Error(err))
				return
			}
		}
	}
}

// RemoteTransport treats the remote store itself as the channel: connecting is a
// probe query and drops are detected by the heartbeat.
type RemoteTransport struct {
	remote store.RemoteStore
	table  string
}

// NewRemoteTransport creates a transport that probes table on connect
func NewRemoteTransport(remote store.RemoteStore, table string) *RemoteTransport {
	return &RemoteTransport{remote: remote, table: table}
}

// Connect issues a single-row probe query
func (t *RemoteTransport) Connect(ctx context.Context, _ func(error)) error {
	if _, err := t.remote.Query(ctx, t.table, store.Filter{Limit: 1}); err != nil {
		return errors.NetworkFailure("remote probe failed", err)
	}
	return nil
}

// Close is a no-op
func (t *RemoteTransport) Close() error {
	return nil
}
