package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/worldsync/internal/protocol/frame"
	"github.com/danmuck/worldsync/internal/session"
	"github.com/rs/zerolog/log"
)

// streamConn frames envelopes over a byte stream (plain TCP or TLS).
type streamConn struct {
	id      string
	conn    net.Conn
	limits  frame.Limits
	cfg     session.Config
	writeMu sync.Mutex
	nextID  atomic.Uint64
	closed  atomic.Bool
}

func newStreamConn(conn net.Conn, cfg session.Config, limits frame.Limits) *streamConn {
	return &streamConn{id: newConnID(), conn: conn, cfg: cfg, limits: limits}
}

func (c *streamConn) ID() string         { return c.id }
func (c *streamConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

func (c *streamConn) Send(ctx context.Context, d Delivery, payload []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	var flags uint16
	if d == Unreliable {
		flags = frame.FlagUnreliable
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = c.conn.SetWriteDeadline(deadline)
	err := frame.WriteFrame(c.conn, frame.Frame{
		Header:  frame.Header{Flags: flags, MessageID: c.nextID.Add(1)},
		Payload: payload,
	}, c.limits)
	return c.mapErr(err)
}

func (c *streamConn) Receive(ctx context.Context) ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(dl)
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	fr, err := frame.ReadFrame(c.conn, c.limits)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, c.mapErr(err)
	}
	return fr.Payload, nil
}

func (c *streamConn) mapErr(err error) error {
	if err == nil {
		return nil
	}
	if c.closed.Load() || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return err
}

func (c *streamConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}

// Listener accepts framed stream connections, optionally over TLS.
type Listener struct {
	ln     net.Listener
	cfg    session.Config
	limits frame.Limits
}

// Listen binds address. TLS is enabled by cfg.TLS.
func Listen(address string, cfg session.Config, limits frame.Limits) (*Listener, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.ValidateServerTransport(); err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	if cfg.TLS.Enabled {
		tlsCfg, err := cfg.ServerTLSConfig()
		if err != nil {
			_ = ln.Close()
			return nil, err
		}
		ln = tls.NewListener(ln, tlsCfg)
	}
	return &Listener{ln: ln, cfg: cfg, limits: limits}, nil
}

func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Accept waits for the next connection and completes the TLS handshake
// within HandshakeTimeout.
func (l *Listener) Accept(ctx context.Context) (Connection, error) {
	stop := context.AfterFunc(ctx, func() { _ = l.ln.Close() })
	defer stop()
	conn, err := l.ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if tlsConn, ok := conn.(*tls.Conn); ok {
		hctx, cancel := context.WithTimeout(ctx, l.cfg.HandshakeTimeout)
		defer cancel()
		if err := tlsConn.HandshakeContext(hctx); err != nil {
			log.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("transport: tls handshake failed")
			_ = conn.Close()
			return nil, err
		}
	}
	return newStreamConn(conn, l.cfg, l.limits), nil
}

func (l *Listener) Close() error {
	return l.ln.Close()
}

// Dial connects to a Listener.
func Dial(ctx context.Context, address string, cfg session.Config, limits frame.Limits) (Connection, error) {
	cfg = cfg.WithDefaults()
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	if !cfg.TLS.Enabled {
		return newStreamConn(rawConn, cfg, limits), nil
	}
	tlsCfg, err := cfg.ClientTLSConfig(address)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	hctx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(hctx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return newStreamConn(conn, cfg, limits), nil
}
