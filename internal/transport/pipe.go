package transport

import (
	"context"
	"sync"
)

const defaultPipeBuffer = 64

type pipeShared struct {
	once   sync.Once
	closed chan struct{}
}

type pipeEnd struct {
	id     string
	remote string
	in     chan []byte
	out    chan []byte
	shared *pipeShared
}

// Pipe returns two connected in-memory ends. Reliable sends block while the
// peer buffer is full; unreliable sends are dropped instead. Closing either
// end closes both.
func Pipe() (Connection, Connection) {
	return PipeBuffered(defaultPipeBuffer)
}

func PipeBuffered(buffer int) (Connection, Connection) {
	if buffer <= 0 {
		buffer = defaultPipeBuffer
	}
	shared := &pipeShared{closed: make(chan struct{})}
	ab := make(chan []byte, buffer)
	ba := make(chan []byte, buffer)
	a := &pipeEnd{id: newConnID(), in: ba, out: ab, shared: shared}
	b := &pipeEnd{id: newConnID(), in: ab, out: ba, shared: shared}
	a.remote = "pipe:" + b.id
	b.remote = "pipe:" + a.id
	return a, b
}

func (p *pipeEnd) ID() string         { return p.id }
func (p *pipeEnd) RemoteAddr() string { return p.remote }

func (p *pipeEnd) Send(ctx context.Context, d Delivery, payload []byte) error {
	select {
	case <-p.shared.closed:
		return ErrClosed
	default:
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	if d == Unreliable {
		select {
		case p.out <- buf:
			return nil
		default:
			return ErrDropped
		}
	}
	select {
	case p.out <- buf:
		return nil
	case <-p.shared.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns buffered messages before reporting the close.
func (p *pipeEnd) Receive(ctx context.Context) ([]byte, error) {
	select {
	case b := <-p.in:
		return b, nil
	default:
	}
	select {
	case b := <-p.in:
		return b, nil
	case <-p.shared.closed:
		select {
		case b := <-p.in:
			return b, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.shared.once.Do(func() { close(p.shared.closed) })
	return nil
}
