package frame

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/danmuck/worldsync/internal/protocol"
)

func TestReadWriteFrameRoundTrip(t *testing.T) {
	payload, err := protocol.EncodeDelta(protocol.DeltaBatch{
		SenderStateVersion: 9,
		Records:            []protocol.DataRecord{{TargetID: 1, MemberIndex: 2, Data: []byte("x")}},
	})
	if err != nil {
		t.Fatalf("encode delta: %v", err)
	}
	in := Frame{
		Header:  Header{MessageID: 42, Flags: FlagUnreliable},
		Payload: payload,
	}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, in, DefaultLimits()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	out, err := ReadFrame(&buf, DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if out.Header.Magic != Magic || out.Header.MessageID != 42 || out.Header.Flags != FlagUnreliable {
		t.Fatalf("header mismatch: got=%+v", out.Header)
	}
	if !bytes.Equal(out.Payload, payload) {
		t.Fatalf("payload mismatch")
	}
	if _, err := protocol.DecodeDelta(out.Payload); err != nil {
		t.Fatalf("decode delta from frame: %v", err)
	}
}

func TestReadFrameMalformedHeaderIsDeterministic(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{1, 2, 3}), DefaultLimits())
	if !errors.Is(err, ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
}

func TestReadFrameCleanEOF(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil), DefaultLimits())
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestReadFrameInvalidMagic(t *testing.T) {
	buf := EncodeHeader(Header{Magic: 1, Version: Version, PayloadLen: 1})
	_, err := ReadFrame(bytes.NewReader(append(buf, 0)), DefaultLimits())
	if !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}
}

func TestReadFramePayloadOverLimit(t *testing.T) {
	buf := EncodeHeader(Header{Magic: Magic, Version: Version, PayloadLen: 1024})
	_, err := ReadFrame(bytes.NewReader(buf), Limits{MaxPayloadBytes: 16})
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestWriteFrameRejectsEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, Frame{}, DefaultLimits()); !errors.Is(err, ErrEmptyPayload) {
		t.Fatalf("expected ErrEmptyPayload, got %v", err)
	}
}
