// Package transport provides the Connection implementations the world hosts
// run over: an in-memory pipe, framed TCP/TLS and WebSocket. Every Connection
// moves whole protocol envelopes.
package transport

import (
	"context"
	"errors"

	"github.com/danmuck/worldsync/internal/protocol"
	"github.com/google/uuid"
)

var (
	ErrClosed  = errors.New("transport: connection closed")
	ErrDropped = errors.New("transport: unreliable message dropped")
)

// Delivery selects the guarantee a message needs.
type Delivery uint8

const (
	Reliable Delivery = iota
	Unreliable
)

func (d Delivery) String() string {
	if d == Unreliable {
		return "unreliable"
	}
	return "reliable"
}

// DeliveryFor maps a message kind to its delivery guarantee.
func DeliveryFor(t protocol.MessageType) Delivery {
	if t.Reliable() {
		return Reliable
	}
	return Unreliable
}

// Connection carries envelopes between one participant and the authority.
// Send may be called from several goroutines; Receive from one.
type Connection interface {
	ID() string
	Send(ctx context.Context, d Delivery, payload []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
	RemoteAddr() string
}

func newConnID() string {
	return uuid.NewString()
}
