package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/worldsync/internal/protocol"
)

var (
	ErrInvalidTransition  = errors.New("session: invalid state transition")
	ErrOrderingViolation  = errors.New("session: message out of order")
	ErrSessionClosed      = errors.New("session: closed")
	ErrAdmissionRefused   = errors.New("session: admission refused")
	ErrUnsupportedVersion = errors.New("session: unsupported protocol version")
)

// State is the lifecycle position of one connection.
type State uint8

const (
	StateDisconnected State = iota
	StateAwaitingGrant
	StateAwaitingFullSync
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateAwaitingGrant:
		return "awaiting_grant"
	case StateAwaitingFullSync:
		return "awaiting_full_sync"
	case StateRunning:
		return "running"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

var transitions = map[State][]State{
	StateDisconnected:     {StateAwaitingGrant},
	StateAwaitingGrant:    {StateAwaitingFullSync, StateDisconnected},
	StateAwaitingFullSync: {StateRunning, StateDisconnected},
	StateRunning:          {StateDisconnected},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Machine guards the state of one connection. The optional hook runs after
// every successful transition, outside the lock.
type Machine struct {
	mu     sync.Mutex
	state  State
	onMove func(from, to State)
}

func NewMachine(onMove func(from, to State)) *Machine {
	return &Machine{state: StateDisconnected, onMove: onMove}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	from := m.state
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.state = to
	m.mu.Unlock()
	if m.onMove != nil {
		m.onMove(from, to)
	}
	return nil
}

// Close moves to Disconnected from any state. It reports whether the state
// changed.
func (m *Machine) Close() bool {
	m.mu.Lock()
	from := m.state
	if from == StateDisconnected {
		m.mu.Unlock()
		return false
	}
	m.state = StateDisconnected
	m.mu.Unlock()
	if m.onMove != nil {
		m.onMove(from, StateDisconnected)
	}
	return true
}

// ClientPermits checks an authority message against the client's state.
// Deltas, confirmations and streams are only meaningful once running; the
// grant only while waiting for it; the full batch once granted.
func ClientPermits(state State, t protocol.MessageType, sub protocol.ControlSubType) error {
	ok := false
	switch t {
	case protocol.MessageControl:
		switch sub {
		case protocol.ControlJoinGrant:
			ok = state == StateAwaitingGrant
		case protocol.ControlJoinStartDelta:
			ok = state == StateAwaitingFullSync
		case protocol.ControlPing, protocol.ControlPong:
			ok = state == StateRunning || state == StateAwaitingFullSync
		case protocol.ControlKick, protocol.ControlLeave:
			ok = state != StateDisconnected
		}
	case protocol.MessageFull:
		ok = state == StateAwaitingFullSync || state == StateRunning
	case protocol.MessageDelta, protocol.MessageConfirmation, protocol.MessageStream:
		ok = state == StateRunning
	}
	if !ok {
		return orderingError(state, t, sub)
	}
	return nil
}

// AuthorityPermits checks a participant message against the participant's
// state on the authority.
func AuthorityPermits(state State, t protocol.MessageType, sub protocol.ControlSubType) error {
	ok := false
	switch t {
	case protocol.MessageControl:
		switch sub {
		case protocol.ControlJoinRequest:
			ok = state == StateAwaitingGrant
		case protocol.ControlPing, protocol.ControlPong, protocol.ControlResyncRequest:
			ok = state == StateRunning
		case protocol.ControlLeave:
			ok = state != StateDisconnected
		}
	case protocol.MessageDelta, protocol.MessageStream:
		ok = state == StateRunning
	}
	if !ok {
		return orderingError(state, t, sub)
	}
	return nil
}

func orderingError(state State, t protocol.MessageType, sub protocol.ControlSubType) error {
	if t == protocol.MessageControl {
		return fmt.Errorf("%w: %s/%s in %s", ErrOrderingViolation, t, sub, state)
	}
	return fmt.Errorf("%w: %s in %s", ErrOrderingViolation, t, state)
}
