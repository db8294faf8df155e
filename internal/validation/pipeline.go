package validation

import (
	"bytes"
	"sync"

	"github.com/danmuck/worldsync/internal/protocol"
	"github.com/danmuck/worldsync/internal/protocol/schema"
	"github.com/danmuck/worldsync/internal/replica"
	"github.com/danmuck/worldsync/internal/version"
	"github.com/rs/zerolog/log"
)

// Origin identifies the participant whose batch is being processed.
type Origin struct {
	UserID protocol.UserID
	Grant  protocol.JoinGrantData
}

// Result is the outcome of one processed delta batch.
type Result struct {
	// Confirmation holds exactly one record per input record, in input order.
	Confirmation protocol.ConfirmationMessage
	// Broadcast carries every committed value for the other participants:
	// accepted records and corrections the validator committed instead.
	Broadcast protocol.DeltaBatch
	Accepted  int
	Rejected  int
	// Corrected counts rejections whose corrected value became canonical.
	Corrected int
	// Advanced reports whether the state version moved.
	Advanced bool
}

// Pipeline validates client writes against the canonical store. The
// authority state always wins: a rejected record is answered with the
// canonical value.
type Pipeline struct {
	store    *replica.Store
	clock    *version.Clock
	mu       sync.RWMutex
	byType   map[string]Validator
	fallback Validator
}

// NewPipeline builds a pipeline over the canonical store. A nil fallback
// accepts every record that reaches a known member.
func NewPipeline(store *replica.Store, clock *version.Clock, fallback Validator) *Pipeline {
	if fallback == nil {
		fallback = AcceptAll
	}
	return &Pipeline{
		store:    store,
		clock:    clock,
		byType:   make(map[string]Validator),
		fallback: fallback,
	}
}

// Register sets the validator for objects of one schema type.
func (p *Pipeline) Register(typeName string, v Validator) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byType[typeName] = v
}

func (p *Pipeline) validatorFor(typeName string, typed bool) Validator {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if typed {
		if v, ok := p.byType[typeName]; ok {
			return v
		}
	}
	return p.fallback
}

// Process validates every record of batch in order, commits accepted records
// (and validator-supplied corrections) to the canonical store and advances the
// version clock once when at least one value was committed.
func (p *Pipeline) Process(origin Origin, batch protocol.DeltaBatch) Result {
	res := Result{
		Confirmation: protocol.ConfirmationMessage{
			ClientStateVersion: batch.SenderStateVersion,
			Records:            make([]protocol.ConfirmationRecord, 0, len(batch.Records)),
		},
		Broadcast: protocol.DeltaBatch{WorldTime: batch.WorldTime},
	}
	base := p.clock.Current()

	for _, rec := range batch.Records {
		conf, committed := p.processRecord(origin, batch, base, rec)
		switch {
		case conf.Accepted:
			res.Accepted++
		case committed != nil:
			res.Rejected++
			res.Corrected++
		default:
			res.Rejected++
		}
		if committed != nil {
			res.Broadcast.Records = append(res.Broadcast.Records, protocol.DataRecord{
				TargetID:    rec.TargetID,
				MemberIndex: rec.MemberIndex,
				Data:        committed,
			})
		}
		res.Confirmation.Records = append(res.Confirmation.Records, conf)
	}

	if len(res.Broadcast.Records) > 0 {
		p.clock.Advance()
		res.Advanced = true
	}
	res.Confirmation.AuthorityStateVersion = p.clock.Current()
	res.Broadcast.SenderStateVersion = res.Confirmation.AuthorityStateVersion
	return res
}

// processRecord returns the confirmation for rec and the value it committed
// to the canonical store, nil when nothing changed. CorrectedData on a
// rejection is always the canonical value after processing.
func (p *Pipeline) processRecord(origin Origin, batch protocol.DeltaBatch, base uint64, rec protocol.DataRecord) (protocol.ConfirmationRecord, []byte) {
	conf := protocol.ConfirmationRecord{TargetID: rec.TargetID, MemberIndex: rec.MemberIndex}

	targetOK, memberOK := p.store.Has(rec.TargetID, rec.MemberIndex)
	if !targetOK {
		log.Warn().
			Uint64("user_id", uint64(origin.UserID)).
			Uint64("target_id", uint64(rec.TargetID)).
			Msg("validation: write to unknown target")
		conf.RejectionReason = ReasonUnknownTarget
		return conf, nil
	}
	if !memberOK {
		conf.RejectionReason = ReasonUnknownMember
		return conf, nil
	}

	current, err := p.store.Value(rec.TargetID, rec.MemberIndex)
	if err != nil {
		conf.RejectionReason = ReasonUnknownMember
		return conf, nil
	}
	typ, typed := p.store.Type(rec.TargetID)
	ctx := Context{
		UserID:                origin.UserID,
		Grant:                 origin.Grant,
		SenderStateVersion:    batch.SenderStateVersion,
		AuthorityStateVersion: base,
		Type:                  typ,
		Typed:                 typed,
	}
	verdict := p.validatorFor(typ.Name, typed).Validate(ctx, rec, current)
	if verdict.Accepted {
		if err := p.store.Set(rec.TargetID, rec.MemberIndex, rec.Data); err != nil {
			conf.RejectionReason = err.Error()
			conf.CorrectedData = current
			return conf, nil
		}
		conf.Accepted = true
		return conf, append([]byte{}, rec.Data...)
	}

	conf.RejectionReason = verdict.Reason
	conf.CorrectedData = current
	var committed []byte
	if verdict.Corrected != nil && !bytes.Equal(verdict.Corrected, current) {
		if err := p.commitCorrection(typ, typed, rec, verdict.Corrected); err != nil {
			log.Warn().
				Err(err).
				Uint64("target_id", uint64(rec.TargetID)).
				Int32("member", int32(rec.MemberIndex)).
				Msg("validation: corrected value refused, keeping canonical")
		} else {
			committed = bytes.Clone(verdict.Corrected)
			conf.CorrectedData = committed
		}
	}
	log.Debug().
		Uint64("user_id", uint64(origin.UserID)).
		Uint64("target_id", uint64(rec.TargetID)).
		Int32("member", int32(rec.MemberIndex)).
		Str("reason", verdict.Reason).
		Msg("validation: record rejected")
	return conf, committed
}

// commitCorrection stores a validator-supplied correction as the canonical
// value. Typed members must still satisfy their schema rules.
func (p *Pipeline) commitCorrection(typ schema.Type, typed bool, rec protocol.DataRecord, corrected []byte) error {
	if typed {
		if err := typ.Check(int(rec.MemberIndex), corrected); err != nil {
			return err
		}
	}
	return p.store.Set(rec.TargetID, rec.MemberIndex, corrected)
}
