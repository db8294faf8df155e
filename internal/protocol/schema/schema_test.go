package schema

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/danmuck/worldsync/internal/testutil/testlog"
)

func f64(v float64) *float64 { return &v }

func float32Bytes(v float32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, math.Float32bits(v))
	return b
}

func avatarType() Type {
	return Type{
		Name: "avatar",
		Members: []Member{
			{Name: "name", Kind: KindString, MaxLen: 8},
			{Name: "health", Kind: KindFloat32, Min: f64(0), Max: f64(100)},
			{Name: "muted", Kind: KindBool},
			{Name: "position", Kind: KindVec3},
		},
	}
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	testlog.Start(t)
	reg := NewRegistry()
	if err := reg.Register(avatarType()); err != nil {
		t.Fatalf("register: %v", err)
	}
	got, ok := reg.Lookup("avatar")
	if !ok || len(got.Members) != 4 {
		t.Fatalf("unexpected lookup: %+v ok=%v", got, ok)
	}
	if idx, ok := got.MemberIndex("muted"); !ok || idx != 2 {
		t.Fatalf("unexpected member index: %d ok=%v", idx, ok)
	}
	if names := reg.Names(); len(names) != 1 || names[0] != "avatar" {
		t.Fatalf("unexpected names: %v", names)
	}
}

func TestTypeValidateRejectsMalformed(t *testing.T) {
	testlog.Start(t)
	cases := map[string]Type{
		"missing name": {Members: []Member{{Name: "a", Kind: KindBool}}},
		"no members":   {Name: "empty"},
		"duplicate":    {Name: "dup", Members: []Member{{Name: "a", Kind: KindBool}, {Name: "a", Kind: KindBool}}},
		"unknown kind": {Name: "k", Members: []Member{{Name: "a", Kind: "matrix"}}},
		"string range": {Name: "r", Members: []Member{{Name: "a", Kind: KindString, Min: f64(1)}}},
		"min over max": {Name: "m", Members: []Member{{Name: "a", Kind: KindInt32, Min: f64(5), Max: f64(1)}}},
		"bad default":  {Name: "d", Members: []Member{{Name: "a", Kind: KindBool, Default: []byte{1, 2}}}},
	}
	for name, typ := range cases {
		var verr ValidationError
		if err := typ.Validate(); !errors.As(err, &verr) {
			t.Fatalf("%s: expected ValidationError, got %v", name, err)
		}
	}

	wide := Type{Name: "wide"}
	for i := 0; i <= MaxMembers; i++ {
		wide.Members = append(wide.Members, Member{Name: string(rune('a'+i%26)) + string(rune('a'+i/26)), Kind: KindBool})
	}
	if err := wide.Validate(); err == nil {
		t.Fatalf("expected width error")
	}
}

func TestTypeCheckRules(t *testing.T) {
	testlog.Start(t)
	typ := avatarType()

	if err := typ.Check(1, float32Bytes(50)); err != nil {
		t.Fatalf("in-range health rejected: %v", err)
	}
	if err := typ.Check(1, float32Bytes(150)); err == nil {
		t.Fatalf("expected above max rejection")
	}
	if err := typ.Check(1, float32Bytes(-1)); err == nil {
		t.Fatalf("expected below min rejection")
	}
	if err := typ.Check(1, []byte{1}); err == nil {
		t.Fatalf("expected size rejection")
	}
	if err := typ.Check(0, []byte("way too long")); err == nil {
		t.Fatalf("expected max length rejection")
	}
	if err := typ.Check(2, []byte{2}); err == nil {
		t.Fatalf("expected invalid bool rejection")
	}
	if err := typ.Check(3, make([]byte, 12)); err != nil {
		t.Fatalf("vec3 rejected: %v", err)
	}
	if err := typ.Check(9, nil); err == nil {
		t.Fatalf("expected unknown member rejection")
	}
}

func TestNumericValueRejectsNaN(t *testing.T) {
	testlog.Start(t)
	if _, ok := NumericValue(KindFloat32, float32Bytes(float32(math.NaN()))); ok {
		t.Fatalf("NaN should not decode as a number")
	}
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(0xffffffff))
	if v, ok := NumericValue(KindInt32, b); !ok || v != -1 {
		t.Fatalf("unexpected int32 value: %v ok=%v", v, ok)
	}
}
