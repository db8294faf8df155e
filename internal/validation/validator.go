// Package validation runs client delta batches against the canonical store
// and produces the confirmation that settles the sender's speculation.
package validation

import (
	"github.com/danmuck/worldsync/internal/protocol"
	"github.com/danmuck/worldsync/internal/protocol/schema"
)

const (
	ReasonUnknownTarget = "unknown target"
	ReasonUnknownMember = "unknown member"
	ReasonReadOnly      = "readonly member"
	ReasonNotOwner      = "not owner"
)

// Context describes the writer of the record being validated.
type Context struct {
	UserID                protocol.UserID
	Grant                 protocol.JoinGrantData
	SenderStateVersion    uint64
	AuthorityStateVersion uint64
	Type                  schema.Type
	Typed                 bool
}

// Verdict is the outcome for one record. A rejection without Corrected
// answers with the canonical value. A rejection with Corrected commits that
// value as canonical (it must pass the member rules) and the origin is
// corrected to it; the other participants receive it as an ordinary delta.
type Verdict struct {
	Accepted  bool
	Reason    string
	Corrected []byte
}

func Accept() Verdict {
	return Verdict{Accepted: true}
}

func Reject(reason string, corrected []byte) Verdict {
	return Verdict{Reason: reason, Corrected: corrected}
}

// Validator decides whether a proposed write may be committed. current is the
// canonical value of the member.
type Validator interface {
	Validate(ctx Context, rec protocol.DataRecord, current []byte) Verdict
}

type ValidatorFunc func(ctx Context, rec protocol.DataRecord, current []byte) Verdict

func (f ValidatorFunc) Validate(ctx Context, rec protocol.DataRecord, current []byte) Verdict {
	return f(ctx, rec, current)
}

// AcceptAll is the permissive default.
var AcceptAll Validator = ValidatorFunc(func(Context, protocol.DataRecord, []byte) Verdict {
	return Accept()
})

// Chain runs validators in order and returns the first rejection.
func Chain(validators ...Validator) Validator {
	return ValidatorFunc(func(ctx Context, rec protocol.DataRecord, current []byte) Verdict {
		for _, v := range validators {
			if verdict := v.Validate(ctx, rec, current); !verdict.Accepted {
				return verdict
			}
		}
		return Accept()
	})
}

// RuleValidator enforces the rules declared on the object's schema type:
// kind sizes, numeric ranges, readonly members and owner-only types.
// Untyped objects pass.
var RuleValidator Validator = ValidatorFunc(func(ctx Context, rec protocol.DataRecord, _ []byte) Verdict {
	if !ctx.Typed {
		return Accept()
	}
	idx := int(rec.MemberIndex)
	if idx < 0 || idx >= len(ctx.Type.Members) {
		return Reject(ReasonUnknownMember, nil)
	}
	if ctx.Type.Members[idx].ReadOnly && ctx.UserID != protocol.AuthorityUserID {
		return Reject(ReasonReadOnly, nil)
	}
	if ctx.Type.OwnerOnly && ctx.UserID != protocol.AuthorityUserID && !ctx.Grant.Owns(rec.TargetID) {
		return Reject(ReasonNotOwner, nil)
	}
	if err := ctx.Type.Check(idx, rec.Data); err != nil {
		return Reject(err.Error(), nil)
	}
	return Accept()
})
