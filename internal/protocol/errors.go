package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrTruncated           = errors.New("protocol: truncated data")
	ErrInvalidLength       = errors.New("protocol: invalid length")
	ErrMessageTypeMismatch = errors.New("protocol: message type mismatch")
	ErrUnknownMessageType  = errors.New("protocol: unknown message type")
	ErrTrailingBytes       = errors.New("protocol: trailing bytes after message")
	ErrInvalidBool         = errors.New("protocol: invalid bool value")
	ErrPayloadTooLarge     = errors.New("protocol: payload too large")
)

// ProtocolError marks a malformed envelope. It is fatal to the connection
// that produced it.
type ProtocolError struct {
	Type MessageType
	Op   string
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: %s %s: %v", e.Op, e.Type, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsProtocolError reports whether err (or anything it wraps) is a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

func decodeError(t MessageType, err error) error {
	if err == nil {
		return nil
	}
	return &ProtocolError{Type: t, Op: "decode", Err: err}
}

func encodeError(t MessageType, err error) error {
	if err == nil {
		return nil
	}
	return &ProtocolError{Type: t, Op: "encode", Err: err}
}
