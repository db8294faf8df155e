package protocol

import (
	"encoding/binary"
	"math"
)

const (
	minRecordSize       = 8 + 4 + 4
	minStreamEntrySize  = 8 + 4 + 4
	minConfirmationSize = 8 + 4 + 1
)

// reader consumes little-endian fields and never reads past its slice.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) remaining() int {
	return len(r.buf) - r.off
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > r.remaining() {
		r.err = ErrTruncated
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) boolean() bool {
	switch r.u8() {
	case 0:
		return false
	case 1:
		return true
	default:
		if r.err == nil {
			r.err = ErrInvalidBool
		}
		return false
	}
}

func (r *reader) i32() int32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(b))
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) f64() float64 {
	return math.Float64frombits(r.u64())
}

// count reads a collection length and rejects values that cannot fit in the
// remaining bytes given each element's minimum encoded size.
func (r *reader) count(minElem int) int {
	n := r.i32()
	if r.err != nil {
		return 0
	}
	if n < 0 {
		r.err = ErrInvalidLength
		return 0
	}
	if int64(n)*int64(minElem) > int64(r.remaining()) {
		r.err = ErrTruncated
		return 0
	}
	return int(n)
}

func (r *reader) blob() []byte {
	n := r.i32()
	if r.err != nil {
		return nil
	}
	if n < 0 {
		r.err = ErrInvalidLength
		return nil
	}
	if n == 0 {
		return nil
	}
	b := r.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (r *reader) str() string {
	return string(r.blob())
}

func (r *reader) records() []DataRecord {
	n := r.count(minRecordSize)
	if n == 0 {
		return nil
	}
	recs := make([]DataRecord, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		recs = append(recs, DataRecord{
			TargetID:    TargetID(r.u64()),
			MemberIndex: MemberIndex(r.i32()),
			Data:        r.blob(),
		})
	}
	return recs
}

func (r *reader) finish() error {
	if r.err != nil {
		return r.err
	}
	if r.remaining() != 0 {
		return ErrTrailingBytes
	}
	return nil
}

func openEnvelope(b []byte, want MessageType) (*reader, error) {
	r := &reader{buf: b}
	got := MessageType(r.u8())
	if r.err != nil {
		return nil, decodeError(want, r.err)
	}
	if got != want {
		return nil, decodeError(want, ErrMessageTypeMismatch)
	}
	return r, nil
}

// PeekType returns the envelope type without decoding the body.
func PeekType(b []byte) (MessageType, error) {
	if len(b) == 0 {
		return 0, &ProtocolError{Op: "peek", Err: ErrTruncated}
	}
	t := MessageType(b[0])
	if t > MessageConfirmation {
		return t, &ProtocolError{Op: "peek", Type: t, Err: ErrUnknownMessageType}
	}
	return t, nil
}

func DecodeControl(b []byte) (ControlMessage, error) {
	r, err := openEnvelope(b, MessageControl)
	if err != nil {
		return ControlMessage{}, err
	}
	m := ControlMessage{
		SubType: ControlSubType(r.u8()),
		Data:    r.blob(),
	}
	if err := r.finish(); err != nil {
		return ControlMessage{}, decodeError(MessageControl, err)
	}
	return m, nil
}

func DecodeDelta(b []byte) (DeltaBatch, error) {
	r, err := openEnvelope(b, MessageDelta)
	if err != nil {
		return DeltaBatch{}, err
	}
	batch := DeltaBatch{
		SenderStateVersion: r.u64(),
		WorldTime:          r.f64(),
	}
	batch.Records = r.records()
	if err := r.finish(); err != nil {
		return DeltaBatch{}, decodeError(MessageDelta, err)
	}
	return batch, nil
}

func DecodeFull(b []byte) (FullBatch, error) {
	r, err := openEnvelope(b, MessageFull)
	if err != nil {
		return FullBatch{}, err
	}
	batch := FullBatch{
		StateVersion: r.u64(),
		WorldTime:    r.f64(),
	}
	batch.Records = r.records()
	if err := r.finish(); err != nil {
		return FullBatch{}, decodeError(MessageFull, err)
	}
	return batch, nil
}

func DecodeStream(b []byte) (StreamMessage, error) {
	r, err := openEnvelope(b, MessageStream)
	if err != nil {
		return StreamMessage{}, err
	}
	var m StreamMessage
	n := r.count(minStreamEntrySize)
	if n > 0 {
		m.Entries = make([]StreamEntry, 0, n)
	}
	for i := 0; i < n && r.err == nil; i++ {
		m.Entries = append(m.Entries, StreamEntry{
			UserID:   UserID(r.u64()),
			StreamID: r.i32(),
			Data:     r.blob(),
		})
	}
	if err := r.finish(); err != nil {
		return StreamMessage{}, decodeError(MessageStream, err)
	}
	return m, nil
}

func DecodeConfirmation(b []byte) (ConfirmationMessage, error) {
	r, err := openEnvelope(b, MessageConfirmation)
	if err != nil {
		return ConfirmationMessage{}, err
	}
	m := ConfirmationMessage{
		AuthorityStateVersion: r.u64(),
		ClientStateVersion:    r.u64(),
	}
	n := r.count(minConfirmationSize)
	if n > 0 {
		m.Records = make([]ConfirmationRecord, 0, n)
	}
	for i := 0; i < n && r.err == nil; i++ {
		rec := ConfirmationRecord{
			TargetID:    TargetID(r.u64()),
			MemberIndex: MemberIndex(r.i32()),
			Accepted:    r.boolean(),
		}
		if !rec.Accepted {
			rec.CorrectedData = r.blob()
			rec.RejectionReason = r.str()
		}
		m.Records = append(m.Records, rec)
	}
	if err := r.finish(); err != nil {
		return ConfirmationMessage{}, decodeError(MessageConfirmation, err)
	}
	return m, nil
}

// Decode decodes any envelope, dispatching on its leading type byte.
func Decode(b []byte) (Message, error) {
	t, err := PeekType(b)
	if err != nil {
		return nil, err
	}
	switch t {
	case MessageControl:
		return DecodeControl(b)
	case MessageDelta:
		return DecodeDelta(b)
	case MessageFull:
		return DecodeFull(b)
	case MessageStream:
		return DecodeStream(b)
	default:
		return DecodeConfirmation(b)
	}
}

// DecodeJoinGrant decodes the fixed JoinGrant control payload.
func DecodeJoinGrant(b []byte) (JoinGrantData, error) {
	if len(b) != joinGrantSize {
		return JoinGrantData{}, decodeError(MessageControl, ErrInvalidLength)
	}
	r := reader{buf: b}
	g := JoinGrantData{
		AssignedUserID:    UserID(r.u64()),
		AllocationIDStart: TargetID(r.u64()),
		AllocationIDEnd:   TargetID(r.u64()),
		MaxUsers:          r.i32(),
		WorldTime:         r.f64(),
		StateVersion:      r.u64(),
	}
	if err := r.finish(); err != nil {
		return JoinGrantData{}, decodeError(MessageControl, err)
	}
	return g, nil
}
