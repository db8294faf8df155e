package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/worldsync/internal/session"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// wsConn sends one envelope per binary WebSocket message.
type wsConn struct {
	id       string
	conn     *websocket.Conn
	cfg      session.Config
	writeMu  sync.Mutex
	closed   atomic.Bool
	maxBytes int64
}

func newWSConn(conn *websocket.Conn, cfg session.Config, maxBytes int64) *wsConn {
	if maxBytes > 0 {
		conn.SetReadLimit(maxBytes)
	}
	return &wsConn{id: newConnID(), conn: conn, cfg: cfg, maxBytes: maxBytes}
}

func (c *wsConn) ID() string         { return c.id }
func (c *wsConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

func (c *wsConn) Send(ctx context.Context, _ Delivery, payload []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = c.conn.SetWriteDeadline(deadline)
	return c.mapErr(c.conn.WriteMessage(websocket.BinaryMessage, payload))
}

func (c *wsConn) Receive(ctx context.Context) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(dl)
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()
	for {
		kind, msg, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, c.mapErr(err)
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		return msg, nil
	}
}

func (c *wsConn) mapErr(err error) error {
	if err == nil {
		return nil
	}
	var closeErr *websocket.CloseError
	if c.closed.Load() || errors.As(err, &closeErr) || errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return err
}

func (c *wsConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}

// UpgradeHandler upgrades requests to WebSocket connections and hands each
// one to accept.
func UpgradeHandler(cfg session.Config, maxBytes int64, accept func(Connection)) http.Handler {
	cfg = cfg.WithDefaults()
	upgrader := websocket.Upgrader{
		HandshakeTimeout: cfg.HandshakeTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		CheckOrigin:      func(*http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("transport: websocket upgrade failed")
			return
		}
		accept(newWSConn(conn, cfg, maxBytes))
	})
}

// DialWebSocket connects to an UpgradeHandler. wss URLs use the client TLS
// settings from cfg.
func DialWebSocket(ctx context.Context, url string, cfg session.Config, maxBytes int64) (Connection, error) {
	cfg = cfg.WithDefaults()
	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	if cfg.TLS.Enabled {
		host, err := hostPort(url)
		if err != nil {
			return nil, err
		}
		tlsCfg, err := cfg.ClientTLSConfig(host)
		if err != nil {
			return nil, err
		}
		dialer.TLSClientConfig = tlsCfg
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return newWSConn(conn, cfg, maxBytes), nil
}
