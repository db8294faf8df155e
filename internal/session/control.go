package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/worldsync/internal/protocol"
	"github.com/fxamacker/cbor/v2"
)

// ProtocolVersion is carried in JoinRequest; the authority refuses others.
const ProtocolVersion uint16 = 1

var (
	ErrInvalidControl    = errors.New("session: invalid control payload")
	ErrUnexpectedControl = errors.New("session: unexpected control subtype")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("session: cbor encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{MaxArrayElements: 1024, MaxMapPairs: 64}.DecMode()
	if err != nil {
		panic("session: cbor decoder initialization failed: " + err.Error())
	}
}

// JoinRequest opens a session.
type JoinRequest struct {
	UserName        string `cbor:"1,keyasint"`
	Token           string `cbor:"2,keyasint,omitempty"`
	ProtocolVersion uint16 `cbor:"3,keyasint"`
}

func (r JoinRequest) Validate() error {
	if strings.TrimSpace(r.UserName) == "" {
		return fmt.Errorf("%w: missing user name", ErrInvalidControl)
	}
	if r.ProtocolVersion != ProtocolVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, r.ProtocolVersion)
	}
	return nil
}

// Ping and Pong measure round trips. Pong echoes the ping fields.
type Ping struct {
	Seq          uint64 `cbor:"1,keyasint"`
	SentUnixNano int64  `cbor:"2,keyasint"`
}

type Pong struct {
	Seq          uint64 `cbor:"1,keyasint"`
	SentUnixNano int64  `cbor:"2,keyasint"`
}

// Leave is sent by either side to end a session cleanly.
type Leave struct {
	Reason string `cbor:"1,keyasint,omitempty"`
}

// Kick is an authority-initiated termination.
type Kick struct {
	Reason string `cbor:"1,keyasint,omitempty"`
}

func marshalControl(sub protocol.ControlSubType, v any) (protocol.ControlMessage, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return protocol.ControlMessage{}, fmt.Errorf("%w: %s: %v", ErrInvalidControl, sub, err)
	}
	return protocol.ControlMessage{SubType: sub, Data: data}, nil
}

func unmarshalControl(msg protocol.ControlMessage, want protocol.ControlSubType, v any) error {
	if msg.SubType != want {
		return fmt.Errorf("%w: got %s want %s", ErrUnexpectedControl, msg.SubType, want)
	}
	if len(msg.Data) == 0 {
		return nil
	}
	if err := decMode.Unmarshal(msg.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidControl, want, err)
	}
	return nil
}

func NewJoinRequest(r JoinRequest) (protocol.ControlMessage, error) {
	if err := r.Validate(); err != nil {
		return protocol.ControlMessage{}, err
	}
	return marshalControl(protocol.ControlJoinRequest, r)
}

func ParseJoinRequest(msg protocol.ControlMessage) (JoinRequest, error) {
	var r JoinRequest
	if err := unmarshalControl(msg, protocol.ControlJoinRequest, &r); err != nil {
		return JoinRequest{}, err
	}
	if err := r.Validate(); err != nil {
		return JoinRequest{}, err
	}
	return r, nil
}

// NewJoinGrant wraps the fixed binary grant payload.
func NewJoinGrant(g protocol.JoinGrantData) protocol.ControlMessage {
	return protocol.ControlMessage{SubType: protocol.ControlJoinGrant, Data: protocol.EncodeJoinGrant(g)}
}

func ParseJoinGrant(msg protocol.ControlMessage) (protocol.JoinGrantData, error) {
	if msg.SubType != protocol.ControlJoinGrant {
		return protocol.JoinGrantData{}, fmt.Errorf("%w: got %s want %s", ErrUnexpectedControl, msg.SubType, protocol.ControlJoinGrant)
	}
	return protocol.DecodeJoinGrant(msg.Data)
}

func NewJoinStartDelta() protocol.ControlMessage {
	return protocol.ControlMessage{SubType: protocol.ControlJoinStartDelta}
}

func NewResyncRequest() protocol.ControlMessage {
	return protocol.ControlMessage{SubType: protocol.ControlResyncRequest}
}

func NewPing(p Ping) (protocol.ControlMessage, error) {
	return marshalControl(protocol.ControlPing, p)
}

func ParsePing(msg protocol.ControlMessage) (Ping, error) {
	var p Ping
	err := unmarshalControl(msg, protocol.ControlPing, &p)
	return p, err
}

func NewPong(p Pong) (protocol.ControlMessage, error) {
	return marshalControl(protocol.ControlPong, p)
}

func ParsePong(msg protocol.ControlMessage) (Pong, error) {
	var p Pong
	err := unmarshalControl(msg, protocol.ControlPong, &p)
	return p, err
}

func NewLeave(reason string) (protocol.ControlMessage, error) {
	return marshalControl(protocol.ControlLeave, Leave{Reason: reason})
}

func ParseLeave(msg protocol.ControlMessage) (Leave, error) {
	var l Leave
	err := unmarshalControl(msg, protocol.ControlLeave, &l)
	return l, err
}

func NewKick(reason string) (protocol.ControlMessage, error) {
	return marshalControl(protocol.ControlKick, Kick{Reason: reason})
}

func ParseKick(msg protocol.ControlMessage) (Kick, error) {
	var k Kick
	err := unmarshalControl(msg, protocol.ControlKick, &k)
	return k, err
}
