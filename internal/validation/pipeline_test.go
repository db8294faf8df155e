package validation

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/danmuck/worldsync/internal/protocol"
	"github.com/danmuck/worldsync/internal/protocol/schema"
	"github.com/danmuck/worldsync/internal/replica"
	"github.com/danmuck/worldsync/internal/testutil/testlog"
	"github.com/danmuck/worldsync/internal/version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCanonical(t *testing.T) (*replica.Store, *version.Clock) {
	t.Helper()
	store := replica.NewStore(replica.Config{})
	require.NoError(t, store.SpawnRaw(42, 2))
	require.NoError(t, store.Set(42, 1, []byte{0x00}))
	return store, version.NewClock(5)
}

func TestProcessRejectionReturnsCanonicalValue(t *testing.T) {
	testlog.Start(t)
	store, clock := newCanonical(t)
	p := NewPipeline(store, clock, ValidatorFunc(func(Context, protocol.DataRecord, []byte) Verdict {
		return Reject("locked", nil)
	}))

	res := p.Process(Origin{UserID: 1}, protocol.DeltaBatch{
		SenderStateVersion: 5,
		Records:            []protocol.DataRecord{{TargetID: 42, MemberIndex: 1, Data: []byte{0x01}}},
	})

	require.Len(t, res.Confirmation.Records, 1)
	rec := res.Confirmation.Records[0]
	assert.False(t, rec.Accepted)
	assert.Equal(t, []byte{0x00}, rec.CorrectedData)
	assert.Equal(t, "locked", rec.RejectionReason)
	assert.Equal(t, uint64(5), res.Confirmation.ClientStateVersion)
	assert.Equal(t, uint64(5), res.Confirmation.AuthorityStateVersion)
	assert.False(t, res.Advanced)
	assert.Empty(t, res.Broadcast.Records)

	v, err := store.Value(42, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00}, v)
	assert.Equal(t, uint64(5), clock.Current())
}

func TestProcessAdvancesOncePerBatch(t *testing.T) {
	testlog.Start(t)
	store, clock := newCanonical(t)
	p := NewPipeline(store, clock, nil)

	res := p.Process(Origin{UserID: 1}, protocol.DeltaBatch{
		SenderStateVersion: 5,
		WorldTime:          2.5,
		Records: []protocol.DataRecord{
			{TargetID: 42, MemberIndex: 0, Data: []byte("a")},
			{TargetID: 42, MemberIndex: 1, Data: []byte("b")},
			{TargetID: 7, MemberIndex: 0, Data: []byte("c")},
			{TargetID: 42, MemberIndex: 9, Data: []byte("d")},
		},
	})

	assert.Equal(t, 2, res.Accepted)
	assert.Equal(t, 2, res.Rejected)
	assert.True(t, res.Advanced)
	assert.Equal(t, uint64(6), clock.Current())
	assert.Equal(t, uint64(6), res.Confirmation.AuthorityStateVersion)
	assert.Equal(t, uint64(6), res.Broadcast.SenderStateVersion)
	assert.Equal(t, 2.5, res.Broadcast.WorldTime)
	require.Len(t, res.Broadcast.Records, 2)

	recs := res.Confirmation.Records
	require.Len(t, recs, 4)
	assert.True(t, recs[0].Accepted)
	assert.True(t, recs[1].Accepted)
	assert.Equal(t, ReasonUnknownTarget, recs[2].RejectionReason)
	assert.Equal(t, protocol.TargetID(7), recs[2].TargetID)
	assert.Equal(t, ReasonUnknownMember, recs[3].RejectionReason)
	assert.Equal(t, protocol.MemberIndex(9), recs[3].MemberIndex)
}

func TestProcessEmptyAndAllRejectedBatchesKeepVersion(t *testing.T) {
	testlog.Start(t)
	store, clock := newCanonical(t)
	p := NewPipeline(store, clock, nil)

	res := p.Process(Origin{}, protocol.DeltaBatch{})
	assert.False(t, res.Advanced)
	assert.Empty(t, res.Confirmation.Records)

	res = p.Process(Origin{}, protocol.DeltaBatch{Records: []protocol.DataRecord{{TargetID: 1}}})
	assert.False(t, res.Advanced)
	assert.Equal(t, uint64(5), clock.Current())
}

func TestProcessRejectionAfterAcceptSeesCommittedValue(t *testing.T) {
	testlog.Start(t)
	store, clock := newCanonical(t)
	calls := 0
	p := NewPipeline(store, clock, ValidatorFunc(func(Context, protocol.DataRecord, []byte) Verdict {
		calls++
		if calls == 1 {
			return Accept()
		}
		return Reject("second write refused", nil)
	}))
	res := p.Process(Origin{}, protocol.DeltaBatch{Records: []protocol.DataRecord{
		{TargetID: 42, MemberIndex: 1, Data: []byte("first")},
		{TargetID: 42, MemberIndex: 1, Data: []byte("second")},
	}})
	require.Len(t, res.Confirmation.Records, 2)
	assert.Equal(t, []byte("first"), res.Confirmation.Records[1].CorrectedData)
}

func TestRegisteredTypeValidatorWins(t *testing.T) {
	testlog.Start(t)
	reg := schema.NewRegistry()
	require.NoError(t, reg.Register(schema.Type{Name: "door", Members: []schema.Member{{Name: "open", Kind: schema.KindBool}}}))
	store := replica.NewStore(replica.Config{Types: reg})
	require.NoError(t, store.Spawn(1, "door"))
	require.NoError(t, store.SpawnRaw(2, 1))

	p := NewPipeline(store, version.NewClock(0), nil)
	p.Register("door", ValidatorFunc(func(ctx Context, _ protocol.DataRecord, _ []byte) Verdict {
		assert.Equal(t, "door", ctx.Type.Name)
		return Reject("doors are shut", nil)
	}))

	res := p.Process(Origin{}, protocol.DeltaBatch{Records: []protocol.DataRecord{
		{TargetID: 1, MemberIndex: 0, Data: []byte{1}},
		{TargetID: 2, MemberIndex: 0, Data: []byte{1}},
	}})
	assert.False(t, res.Confirmation.Records[0].Accepted)
	assert.True(t, res.Confirmation.Records[1].Accepted)
}

func float32Bytes(v float32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, math.Float32bits(v))
	return b
}

func TestRuleValidator(t *testing.T) {
	testlog.Start(t)
	lo, hi := 0.0, 100.0
	typ := schema.Type{
		Name:      "avatar",
		OwnerOnly: true,
		Members: []schema.Member{
			{Name: "health", Kind: schema.KindFloat32, Min: &lo, Max: &hi},
			{Name: "id", Kind: schema.KindUint64, ReadOnly: true},
		},
	}
	grant := protocol.JoinGrantData{AssignedUserID: 3, AllocationIDStart: 1000, AllocationIDEnd: 1999}
	ctx := Context{UserID: 3, Grant: grant, Type: typ, Typed: true}

	ok := RuleValidator.Validate(ctx, protocol.DataRecord{TargetID: 1500, MemberIndex: 0, Data: float32Bytes(50)}, nil)
	assert.True(t, ok.Accepted)

	v := RuleValidator.Validate(ctx, protocol.DataRecord{TargetID: 1500, MemberIndex: 0, Data: float32Bytes(500)}, nil)
	assert.False(t, v.Accepted)

	v = RuleValidator.Validate(ctx, protocol.DataRecord{TargetID: 1500, MemberIndex: 1, Data: make([]byte, 8)}, nil)
	assert.Equal(t, ReasonReadOnly, v.Reason)

	v = RuleValidator.Validate(ctx, protocol.DataRecord{TargetID: 20, MemberIndex: 0, Data: float32Bytes(1)}, nil)
	assert.Equal(t, ReasonNotOwner, v.Reason)

	authority := Context{UserID: protocol.AuthorityUserID, Type: typ, Typed: true}
	v = RuleValidator.Validate(authority, protocol.DataRecord{TargetID: 20, MemberIndex: 1, Data: make([]byte, 8)}, nil)
	assert.True(t, v.Accepted)

	v = RuleValidator.Validate(Context{}, protocol.DataRecord{Data: []byte("anything")}, nil)
	assert.True(t, v.Accepted, "untyped objects pass")
}

func TestChainStopsAtFirstRejection(t *testing.T) {
	testlog.Start(t)
	second := false
	v := Chain(
		ValidatorFunc(func(Context, protocol.DataRecord, []byte) Verdict { return Reject("first", nil) }),
		ValidatorFunc(func(Context, protocol.DataRecord, []byte) Verdict { second = true; return Accept() }),
	).Validate(Context{}, protocol.DataRecord{}, nil)
	assert.Equal(t, "first", v.Reason)
	assert.False(t, second)
	assert.True(t, Chain().Validate(Context{}, protocol.DataRecord{}, nil).Accepted)
}

func TestProcessCorrectionBecomesCanonical(t *testing.T) {
	testlog.Start(t)
	store, clock := newCanonical(t)
	p := NewPipeline(store, clock, ValidatorFunc(func(Context, protocol.DataRecord, []byte) Verdict {
		return Reject("clamped", []byte{0x05})
	}))

	res := p.Process(Origin{UserID: 1}, protocol.DeltaBatch{
		SenderStateVersion: 5,
		Records:            []protocol.DataRecord{{TargetID: 42, MemberIndex: 1, Data: []byte{0x09}}},
	})

	require.Len(t, res.Confirmation.Records, 1)
	rec := res.Confirmation.Records[0]
	assert.False(t, rec.Accepted)
	assert.Equal(t, []byte{0x05}, rec.CorrectedData)
	assert.Equal(t, 0, res.Accepted)
	assert.Equal(t, 1, res.Rejected)
	assert.Equal(t, 1, res.Corrected)
	assert.True(t, res.Advanced)
	assert.Equal(t, uint64(6), clock.Current())
	require.Len(t, res.Broadcast.Records, 1)
	assert.Equal(t, []byte{0x05}, res.Broadcast.Records[0].Data)

	v, err := store.Value(42, 1)
	require.NoError(t, err)
	assert.Equal(t, rec.CorrectedData, v)
}

func TestProcessCorrectionEqualToCanonicalKeepsVersion(t *testing.T) {
	testlog.Start(t)
	store, clock := newCanonical(t)
	p := NewPipeline(store, clock, ValidatorFunc(func(Context, protocol.DataRecord, []byte) Verdict {
		return Reject("clamped", []byte{0x00})
	}))

	res := p.Process(Origin{}, protocol.DeltaBatch{Records: []protocol.DataRecord{{TargetID: 42, MemberIndex: 1, Data: []byte{0x09}}}})
	assert.False(t, res.Advanced)
	assert.Zero(t, res.Corrected)
	assert.Empty(t, res.Broadcast.Records)
	assert.Equal(t, []byte{0x00}, res.Confirmation.Records[0].CorrectedData)
}

func TestProcessInvalidCorrectionFallsBackToCanonical(t *testing.T) {
	testlog.Start(t)
	lo, hi := 0.0, 1.0
	reg := schema.NewRegistry()
	require.NoError(t, reg.Register(schema.Type{Name: "lamp", Members: []schema.Member{
		{Name: "brightness", Kind: schema.KindFloat32, Min: &lo, Max: &hi, Default: float32Bytes(0.5)},
	}}))
	store := replica.NewStore(replica.Config{Types: reg})
	require.NoError(t, store.Spawn(1, "lamp"))
	clock := version.NewClock(0)
	p := NewPipeline(store, clock, ValidatorFunc(func(Context, protocol.DataRecord, []byte) Verdict {
		return Reject("clamped", float32Bytes(7))
	}))

	res := p.Process(Origin{}, protocol.DeltaBatch{Records: []protocol.DataRecord{{TargetID: 1, MemberIndex: 0, Data: float32Bytes(3)}}})
	assert.False(t, res.Advanced)
	assert.Equal(t, float32Bytes(0.5), res.Confirmation.Records[0].CorrectedData)
	v, err := store.Value(1, 0)
	require.NoError(t, err)
	assert.Equal(t, float32Bytes(0.5), v)
}
