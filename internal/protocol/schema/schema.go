// Package schema declares the synchronized member layout of replicated
// object types. Member indexes follow declaration order.
package schema

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// MaxMembers is the widest dirty-flag set available.
const MaxMembers = 64

// Kind is the value encoding of one member.
type Kind string

const (
	KindBytes   Kind = "bytes"
	KindString  Kind = "string"
	KindBool    Kind = "bool"
	KindInt32   Kind = "int32"
	KindInt64   Kind = "int64"
	KindUint64  Kind = "uint64"
	KindFloat32 Kind = "float32"
	KindFloat64 Kind = "float64"
	KindVec3    Kind = "vec3"
	KindQuat    Kind = "quat"
)

// Size returns the fixed encoded size of k, or -1 for variable-length kinds.
func (k Kind) Size() int {
	switch k {
	case KindBool:
		return 1
	case KindInt32, KindFloat32:
		return 4
	case KindInt64, KindUint64, KindFloat64:
		return 8
	case KindVec3:
		return 12
	case KindQuat:
		return 16
	case KindBytes, KindString:
		return -1
	default:
		return 0
	}
}

func (k Kind) known() bool {
	return k.Size() != 0
}

func (k Kind) numeric() bool {
	switch k {
	case KindInt32, KindInt64, KindUint64, KindFloat32, KindFloat64:
		return true
	}
	return false
}

// Member is one synchronized field.
type Member struct {
	Name     string
	Kind     Kind
	Min      *float64
	Max      *float64
	MaxLen   int
	ReadOnly bool
	Default  []byte
}

// Type is the member layout of one replicated object type.
type Type struct {
	Name      string
	Members   []Member
	OwnerOnly bool
}

// ValidationError reports a malformed type declaration or a value that does
// not satisfy its member rules.
type ValidationError struct {
	Type   string
	Member int
	Reason string
}

func (e ValidationError) Error() string {
	if e.Member < 0 {
		return fmt.Sprintf("schema: type=%q: %s", e.Type, e.Reason)
	}
	return fmt.Sprintf("schema: type=%q member=%d: %s", e.Type, e.Member, e.Reason)
}

// Validate enforces naming, width and rule consistency for t.
func (t Type) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return ValidationError{Type: t.Name, Member: -1, Reason: "missing name"}
	}
	if len(t.Members) == 0 {
		return ValidationError{Type: t.Name, Member: -1, Reason: "no members"}
	}
	if len(t.Members) > MaxMembers {
		return ValidationError{Type: t.Name, Member: -1, Reason: fmt.Sprintf("%d members exceeds %d", len(t.Members), MaxMembers)}
	}
	seen := make(map[string]struct{}, len(t.Members))
	for i, m := range t.Members {
		name := strings.TrimSpace(m.Name)
		if name == "" {
			return ValidationError{Type: t.Name, Member: i, Reason: "missing member name"}
		}
		if _, dup := seen[name]; dup {
			return ValidationError{Type: t.Name, Member: i, Reason: fmt.Sprintf("duplicate member %q", name)}
		}
		seen[name] = struct{}{}
		if !m.Kind.known() {
			return ValidationError{Type: t.Name, Member: i, Reason: fmt.Sprintf("unknown kind %q", m.Kind)}
		}
		if (m.Min != nil || m.Max != nil) && !m.Kind.numeric() {
			return ValidationError{Type: t.Name, Member: i, Reason: "range on non-numeric kind"}
		}
		if m.Min != nil && m.Max != nil && *m.Min > *m.Max {
			return ValidationError{Type: t.Name, Member: i, Reason: "min greater than max"}
		}
		if m.Default != nil {
			if err := t.Check(i, m.Default); err != nil {
				return ValidationError{Type: t.Name, Member: i, Reason: "default: " + err.Error()}
			}
		}
	}
	return nil
}

// MemberIndex returns the declaration index of the named member.
func (t Type) MemberIndex(name string) (int, bool) {
	for i, m := range t.Members {
		if m.Name == name {
			return i, true
		}
	}
	return -1, false
}

// Check validates data against the rules of member index.
func (t Type) Check(index int, data []byte) error {
	if index < 0 || index >= len(t.Members) {
		return ValidationError{Type: t.Name, Member: index, Reason: "unknown member"}
	}
	m := t.Members[index]
	size := m.Kind.Size()
	if size > 0 && len(data) != size {
		return ValidationError{Type: t.Name, Member: index, Reason: fmt.Sprintf("size %d want %d", len(data), size)}
	}
	if size < 0 && m.MaxLen > 0 && len(data) > m.MaxLen {
		return ValidationError{Type: t.Name, Member: index, Reason: fmt.Sprintf("length %d exceeds %d", len(data), m.MaxLen)}
	}
	if m.Kind == KindBool && data[0] > 1 {
		return ValidationError{Type: t.Name, Member: index, Reason: "invalid bool"}
	}
	if m.Min == nil && m.Max == nil {
		return nil
	}
	v, ok := NumericValue(m.Kind, data)
	if !ok {
		return ValidationError{Type: t.Name, Member: index, Reason: "not a number"}
	}
	if m.Min != nil && v < *m.Min {
		return ValidationError{Type: t.Name, Member: index, Reason: fmt.Sprintf("%v below min %v", v, *m.Min)}
	}
	if m.Max != nil && v > *m.Max {
		return ValidationError{Type: t.Name, Member: index, Reason: fmt.Sprintf("%v above max %v", v, *m.Max)}
	}
	return nil
}

// NumericValue decodes a little-endian numeric member value.
func NumericValue(k Kind, data []byte) (float64, bool) {
	if len(data) != k.Size() {
		return 0, false
	}
	switch k {
	case KindInt32:
		return float64(int32(binary.LittleEndian.Uint32(data))), true
	case KindInt64:
		return float64(int64(binary.LittleEndian.Uint64(data))), true
	case KindUint64:
		return float64(binary.LittleEndian.Uint64(data)), true
	case KindFloat32:
		v := float64(math.Float32frombits(binary.LittleEndian.Uint32(data)))
		return v, !math.IsNaN(v)
	case KindFloat64:
		v := math.Float64frombits(binary.LittleEndian.Uint64(data))
		return v, !math.IsNaN(v)
	}
	return 0, false
}

// Registry holds the object types known to one world.
type Registry struct {
	mu    sync.RWMutex
	types map[string]Type
}

func NewRegistry() *Registry {
	return &Registry{types: make(map[string]Type)}
}

// Register validates and adds t. Re-registering a name replaces it.
func (r *Registry) Register(t Type) error {
	if err := t.Validate(); err != nil {
		log.Error().Err(err).Str("type", t.Name).Msg("schema.Register rejected type")
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[t.Name] = t
	log.Debug().Str("type", t.Name).Int("members", len(t.Members)).Msg("schema.Register ok")
	return nil
}

func (r *Registry) Lookup(name string) (Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	return t, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for name := range r.types {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
