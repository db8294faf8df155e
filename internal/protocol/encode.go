package protocol

import (
	"encoding/binary"
	"math"
)

// writer appends little-endian fields to a byte slice.
type writer struct {
	buf []byte
	err error
}

func (w *writer) u8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *writer) boolean(v bool) {
	if v {
		w.u8(1)
		return
	}
	w.u8(0)
}

func (w *writer) i32(v int32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(v))
}

func (w *writer) u64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

func (w *writer) f64(v float64) {
	w.u64(math.Float64bits(v))
}

func (w *writer) count(n int) {
	if n > math.MaxInt32 {
		w.err = ErrPayloadTooLarge
		return
	}
	w.i32(int32(n))
}

func (w *writer) blob(b []byte) {
	w.count(len(b))
	w.buf = append(w.buf, b...)
}

func (w *writer) str(s string) {
	w.count(len(s))
	w.buf = append(w.buf, s...)
}

func (w *writer) record(r DataRecord) {
	w.u64(uint64(r.TargetID))
	w.i32(int32(r.MemberIndex))
	w.blob(r.Data)
}

func (w *writer) records(recs []DataRecord) {
	w.count(len(recs))
	for _, r := range recs {
		w.record(r)
	}
}

// AppendControl appends the encoded control message to dst.
func AppendControl(dst []byte, m ControlMessage) ([]byte, error) {
	w := writer{buf: dst}
	w.u8(uint8(MessageControl))
	w.u8(uint8(m.SubType))
	w.blob(m.Data)
	return w.buf, encodeError(MessageControl, w.err)
}

// AppendDelta appends the encoded delta batch to dst.
func AppendDelta(dst []byte, b DeltaBatch) ([]byte, error) {
	w := writer{buf: dst}
	w.u8(uint8(MessageDelta))
	w.u64(b.SenderStateVersion)
	w.f64(b.WorldTime)
	w.records(b.Records)
	return w.buf, encodeError(MessageDelta, w.err)
}

// AppendFull appends the encoded full batch to dst.
func AppendFull(dst []byte, b FullBatch) ([]byte, error) {
	w := writer{buf: dst}
	w.u8(uint8(MessageFull))
	w.u64(b.StateVersion)
	w.f64(b.WorldTime)
	w.records(b.Records)
	return w.buf, encodeError(MessageFull, w.err)
}

// AppendStream appends the encoded stream message to dst.
func AppendStream(dst []byte, m StreamMessage) ([]byte, error) {
	w := writer{buf: dst}
	w.u8(uint8(MessageStream))
	w.count(len(m.Entries))
	for _, e := range m.Entries {
		w.u64(uint64(e.UserID))
		w.i32(e.StreamID)
		w.blob(e.Data)
	}
	return w.buf, encodeError(MessageStream, w.err)
}

// AppendConfirmation appends the encoded confirmation to dst.
func AppendConfirmation(dst []byte, m ConfirmationMessage) ([]byte, error) {
	w := writer{buf: dst}
	w.u8(uint8(MessageConfirmation))
	w.u64(m.AuthorityStateVersion)
	w.u64(m.ClientStateVersion)
	w.count(len(m.Records))
	for _, r := range m.Records {
		w.u64(uint64(r.TargetID))
		w.i32(int32(r.MemberIndex))
		w.boolean(r.Accepted)
		if r.Accepted {
			continue
		}
		w.blob(r.CorrectedData)
		w.str(r.RejectionReason)
	}
	return w.buf, encodeError(MessageConfirmation, w.err)
}

func EncodeControl(m ControlMessage) ([]byte, error) { return AppendControl(nil, m) }

func EncodeDelta(b DeltaBatch) ([]byte, error) { return AppendDelta(nil, b) }

func EncodeFull(b FullBatch) ([]byte, error) { return AppendFull(nil, b) }

func EncodeStream(m StreamMessage) ([]byte, error) { return AppendStream(nil, m) }

func EncodeConfirmation(m ConfirmationMessage) ([]byte, error) { return AppendConfirmation(nil, m) }

// Encode encodes any supported message value.
func Encode(m Message) ([]byte, error) {
	switch v := m.(type) {
	case ControlMessage:
		return EncodeControl(v)
	case DeltaBatch:
		return EncodeDelta(v)
	case FullBatch:
		return EncodeFull(v)
	case StreamMessage:
		return EncodeStream(v)
	case ConfirmationMessage:
		return EncodeConfirmation(v)
	default:
		return nil, &ProtocolError{Op: "encode", Type: MessageType(0xff), Err: ErrUnknownMessageType}
	}
}

// EncodeJoinGrant encodes the fixed JoinGrant control payload.
func EncodeJoinGrant(g JoinGrantData) []byte {
	w := writer{buf: make([]byte, 0, joinGrantSize)}
	w.u64(uint64(g.AssignedUserID))
	w.u64(uint64(g.AllocationIDStart))
	w.u64(uint64(g.AllocationIDEnd))
	w.i32(g.MaxUsers)
	w.f64(g.WorldTime)
	w.u64(g.StateVersion)
	return w.buf
}

const joinGrantSize = 8 + 8 + 8 + 4 + 8 + 8
