package protocol

import "fmt"

// MessageType is the leading envelope byte.
type MessageType uint8

const (
	MessageControl      MessageType = 0
	MessageDelta        MessageType = 1
	MessageFull         MessageType = 2
	MessageStream       MessageType = 3
	MessageConfirmation MessageType = 4
)

func (t MessageType) String() string {
	switch t {
	case MessageControl:
		return "control"
	case MessageDelta:
		return "delta"
	case MessageFull:
		return "full"
	case MessageStream:
		return "stream"
	case MessageConfirmation:
		return "confirmation"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Reliable reports whether the transport must deliver t reliably and in order.
func (t MessageType) Reliable() bool {
	return t != MessageStream
}

// TargetID names one replicated object within a session's ID space.
type TargetID uint64

// MemberIndex names one synchronized member of an object.
type MemberIndex int32

// UserID identifies a participant. Zero is reserved for the authority.
type UserID uint64

// AuthorityUserID is the origin used for changes made by the authority itself.
const AuthorityUserID UserID = 0

// MemberKey addresses one member of one object.
type MemberKey struct {
	Target TargetID
	Member MemberIndex
}

func (k MemberKey) String() string {
	return fmt.Sprintf("%d/%d", k.Target, k.Member)
}

// DataRecord is the atomic unit of change.
type DataRecord struct {
	TargetID    TargetID
	MemberIndex MemberIndex
	Data        []byte
}

func (r DataRecord) Key() MemberKey {
	return MemberKey{Target: r.TargetID, Member: r.MemberIndex}
}

// DeltaBatch carries changed member values.
type DeltaBatch struct {
	SenderStateVersion uint64
	WorldTime          float64
	Records            []DataRecord
}

// FullBatch carries every synchronized member at StateVersion.
type FullBatch struct {
	StateVersion uint64
	WorldTime    float64
	Records      []DataRecord
}

// StreamEntry is one unversioned sample on the stream channel.
type StreamEntry struct {
	UserID   UserID
	StreamID int32
	Data     []byte
}

// StreamMessage groups stream samples sent together.
type StreamMessage struct {
	Entries []StreamEntry
}

// ControlSubType selects the meaning of a ControlMessage.
type ControlSubType uint8

const (
	ControlJoinRequest    ControlSubType = 0
	ControlJoinGrant      ControlSubType = 1
	ControlJoinStartDelta ControlSubType = 2
	ControlPing           ControlSubType = 3
	ControlPong           ControlSubType = 4
	ControlLeave          ControlSubType = 5
	ControlKick           ControlSubType = 6
	ControlResyncRequest  ControlSubType = 7
)

func (s ControlSubType) String() string {
	switch s {
	case ControlJoinRequest:
		return "join_request"
	case ControlJoinGrant:
		return "join_grant"
	case ControlJoinStartDelta:
		return "join_start_delta"
	case ControlPing:
		return "ping"
	case ControlPong:
		return "pong"
	case ControlLeave:
		return "leave"
	case ControlKick:
		return "kick"
	case ControlResyncRequest:
		return "resync_request"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// ControlMessage drives the session handshake.
type ControlMessage struct {
	SubType ControlSubType
	Data    []byte
}

// ConfirmationRecord is the authority's verdict on one incoming record.
// CorrectedData and RejectionReason are only meaningful when Accepted is false.
type ConfirmationRecord struct {
	TargetID        TargetID
	MemberIndex     MemberIndex
	Accepted        bool
	CorrectedData   []byte
	RejectionReason string
}

func (r ConfirmationRecord) Key() MemberKey {
	return MemberKey{Target: r.TargetID, Member: r.MemberIndex}
}

// ConfirmationMessage answers one client delta batch.
type ConfirmationMessage struct {
	AuthorityStateVersion uint64
	ClientStateVersion    uint64
	Records               []ConfirmationRecord
}

// JoinGrantData is the fixed binary payload of a JoinGrant control message.
type JoinGrantData struct {
	AssignedUserID    UserID
	AllocationIDStart TargetID
	AllocationIDEnd   TargetID
	MaxUsers          int32
	WorldTime         float64
	StateVersion      uint64
}

// Owns reports whether id falls inside the granted allocation range.
func (g JoinGrantData) Owns(id TargetID) bool {
	return id >= g.AllocationIDStart && id <= g.AllocationIDEnd
}

// Message is any decoded envelope: ControlMessage, DeltaBatch, FullBatch,
// StreamMessage or ConfirmationMessage (by value).
type Message any
