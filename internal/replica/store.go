package replica

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"slices"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/danmuck/worldsync/internal/dirty"
	"github.com/danmuck/worldsync/internal/protocol"
	"github.com/danmuck/worldsync/internal/protocol/schema"
	"github.com/danmuck/worldsync/internal/version"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Resolver types objects first seen in a full batch. Returning false leaves
// the object untyped.
type Resolver func(id protocol.TargetID) (schema.Type, bool)

// Config wires optional collaborators into a Store.
type Config struct {
	Types    *schema.Registry
	Resolver Resolver
	// Speculative marks a client shadow: flushed records are tracked until
	// confirmed and incoming deltas defer to outstanding local writes.
	Speculative bool
	// Version, when set, follows the versions carried by applied batches.
	Version *version.Tracker
	Logger  *zerolog.Logger
}

type object struct {
	id       protocol.TargetID
	typeName string
	typed    bool
	values   [][]byte
	dirty    dirty.Tracker
}

func (o *object) memberCount() int {
	return len(o.values)
}

// grow widens an untyped object to hold member index m.
func (o *object) grow(m int) error {
	if o.typed || m < len(o.values) {
		return nil
	}
	if m >= schema.MaxMembers {
		return fmt.Errorf("%w: index %d", ErrUnknownMember, m)
	}
	tr, err := dirty.ForMembers(m + 1)
	if err != nil {
		return err
	}
	o.dirty.Each(tr.SetFlag)
	o.dirty = tr
	o.values = append(o.values, make([][]byte, m+1-len(o.values))...)
	return nil
}

// ObjectInfo describes one live object.
type ObjectInfo struct {
	ID      protocol.TargetID `json:"id"`
	Type    string            `json:"type,omitempty"`
	Members int               `json:"members"`
	Dirty   bool              `json:"dirty"`
}

// Store is one copy of the replicated object graph.
type Store struct {
	mu      sync.RWMutex
	cfg     Config
	objects map[protocol.TargetID]*object
	spec    *Speculation
	logger  zerolog.Logger
}

func NewStore(cfg Config) *Store {
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Store{
		cfg:     cfg,
		objects: make(map[protocol.TargetID]*object),
		spec:    NewSpeculation(),
		logger:  logger,
	}
}

// Speculation exposes the in-flight write bookkeeping of a client shadow.
func (s *Store) Speculation() *Speculation {
	return s.spec
}

func (s *Store) newTyped(id protocol.TargetID, t schema.Type) (*object, error) {
	tr, err := dirty.ForMembers(len(t.Members))
	if err != nil {
		return nil, err
	}
	o := &object{id: id, typeName: t.Name, typed: true, values: make([][]byte, len(t.Members)), dirty: tr}
	for i, m := range t.Members {
		o.values[i] = bytes.Clone(m.Default)
	}
	return o, nil
}

func newUntyped(id protocol.TargetID, members int) (*object, error) {
	tr, err := dirty.ForMembers(members)
	if err != nil {
		return nil, err
	}
	return &object{id: id, values: make([][]byte, members), dirty: tr}, nil
}

// Spawn creates an object of a registered type with its default values.
func (s *Store) Spawn(id protocol.TargetID, typeName string) error {
	if s.cfg.Types == nil {
		return fmt.Errorf("%w: %q (no registry)", ErrUnknownType, typeName)
	}
	t, ok := s.cfg.Types.Lookup(typeName)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, typeName)
	}
	o, err := s.newTyped(id, t)
	if err != nil {
		return err
	}
	return s.insert(o)
}

// SpawnRaw creates an untyped object with the given member count.
func (s *Store) SpawnRaw(id protocol.TargetID, members int) error {
	o, err := newUntyped(id, members)
	if err != nil {
		return err
	}
	return s.insert(o)
}

func (s *Store) insert(o *object) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.objects[o.id]; exists {
		return fmt.Errorf("%w: %d", ErrTargetExists, o.id)
	}
	s.objects[o.id] = o
	return nil
}

// Destroy removes an object. It reports whether the object existed.
func (s *Store) Destroy(id protocol.TargetID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[id]; !ok {
		return false
	}
	delete(s.objects, id)
	s.spec.Forget(id)
	return true
}

func (s *Store) lookup(id protocol.TargetID, member protocol.MemberIndex) (*object, error) {
	o, ok := s.objects[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTarget, id)
	}
	if member < 0 || int(member) >= o.memberCount() {
		return nil, fmt.Errorf("%w: target=%d index=%d", ErrUnknownMember, id, member)
	}
	return o, nil
}

// Write is a local mutation: it stores data and marks the member dirty so the
// next delta flush carries it.
func (s *Store) Write(id protocol.TargetID, member protocol.MemberIndex, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, err := s.lookup(id, member)
	if err != nil {
		return err
	}
	o.values[member] = bytes.Clone(data)
	o.dirty.SetFlag(int(member))
	return nil
}

// Set stores data without marking the member dirty. The authority uses it to
// commit validated records.
func (s *Store) Set(id protocol.TargetID, member protocol.MemberIndex, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, err := s.lookup(id, member)
	if err != nil {
		return err
	}
	o.values[member] = bytes.Clone(data)
	return nil
}

// Value returns a copy of one member value.
func (s *Store) Value(id protocol.TargetID, member protocol.MemberIndex) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, err := s.lookup(id, member)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(o.values[member]), nil
}

// Type returns the schema of a typed object.
func (s *Store) Type(id protocol.TargetID) (schema.Type, bool) {
	s.mu.RLock()
	o, ok := s.objects[id]
	s.mu.RUnlock()
	if !ok || !o.typed || s.cfg.Types == nil {
		return schema.Type{}, false
	}
	return s.cfg.Types.Lookup(o.typeName)
}

// Has reports whether the target exists and, for typed objects, whether the
// member index is declared.
func (s *Store) Has(id protocol.TargetID, member protocol.MemberIndex) (targetOK, memberOK bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.objects[id]
	if !ok {
		return false, false
	}
	return true, member >= 0 && int(member) < o.memberCount()
}

func (s *Store) IsDirty(id protocol.TargetID, member protocol.MemberIndex) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, err := s.lookup(id, member)
	if err != nil {
		return false
	}
	return o.dirty.IsSet(int(member))
}

// Dirty reports whether any object has unflushed writes.
func (s *Store) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, o := range s.objects {
		if o.dirty.AnySet() {
			return true
		}
	}
	return false
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// IDs returns live target ids in ascending order.
func (s *Store) IDs() []protocol.TargetID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedIDs()
}

func (s *Store) sortedIDs() []protocol.TargetID {
	ids := make([]protocol.TargetID, 0, len(s.objects))
	for id := range s.objects {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (s *Store) Objects() []ObjectInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ObjectInfo, 0, len(s.objects))
	for _, id := range s.sortedIDs() {
		o := s.objects[id]
		out = append(out, ObjectInfo{ID: id, Type: o.typeName, Members: o.memberCount(), Dirty: o.dirty.AnySet()})
	}
	return out
}

// Digest hashes every member value in target order. Two stores with equal
// digests hold the same values.
func (s *Store) Digest() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := xxhash.New()
	var scratch [12]byte
	for _, id := range s.sortedIDs() {
		o := s.objects[id]
		binary.LittleEndian.PutUint64(scratch[:8], uint64(id))
		binary.LittleEndian.PutUint32(scratch[8:], uint32(o.memberCount()))
		_, _ = h.Write(scratch[:])
		for _, v := range o.values {
			binary.LittleEndian.PutUint32(scratch[:4], uint32(len(v)))
			_, _ = h.Write(scratch[:4])
			_, _ = h.Write(v)
		}
	}
	return h.Sum64()
}
