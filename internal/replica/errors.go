package replica

import "errors"

var (
	ErrUnknownTarget      = errors.New("replica: unknown target")
	ErrUnknownMember      = errors.New("replica: unknown member")
	ErrUnknownType        = errors.New("replica: unknown object type")
	ErrTargetExists       = errors.New("replica: target already exists")
	ErrRequiresValidation = errors.New("replica: authority deltas require validation")
)
