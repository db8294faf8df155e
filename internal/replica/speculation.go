package replica

import (
	"cmp"
	"slices"
	"sync"

	"github.com/danmuck/worldsync/internal/protocol"
)

// PendingWrite is one member with flushed writes awaiting confirmation.
type PendingWrite struct {
	Key      protocol.MemberKey
	InFlight int
}

// Speculation counts in-flight records per member until the authority
// confirms them.
type Speculation struct {
	mu    sync.RWMutex
	items map[protocol.MemberKey]int
}

func NewSpeculation() *Speculation {
	return &Speculation{
		items: make(map[protocol.MemberKey]int),
	}
}

// Track records one in-flight write per record.
func (p *Speculation) Track(records []protocol.DataRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, rec := range records {
		p.items[rec.Key()]++
	}
}

// Resolve releases one in-flight write for key and returns how many remain.
// Confirmations for untracked keys are ignored.
func (p *Speculation) Resolve(key protocol.MemberKey) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.items[key]
	if !ok {
		return 0
	}
	n--
	if n <= 0 {
		delete(p.items, key)
		return 0
	}
	p.items[key] = n
	return n
}

func (p *Speculation) Outstanding(key protocol.MemberKey) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.items[key] > 0
}

// Forget drops every pending write for a destroyed target.
func (p *Speculation) Forget(id protocol.TargetID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key := range p.items {
		if key.Target == id {
			delete(p.items, key)
		}
	}
}

func (p *Speculation) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.items)
}

func (p *Speculation) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.items)
}

func (p *Speculation) List() []PendingWrite {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PendingWrite, 0, len(p.items))
	for key, n := range p.items {
		out = append(out, PendingWrite{Key: key, InFlight: n})
	}
	slices.SortFunc(out, func(a, b PendingWrite) int {
		if c := cmp.Compare(a.Key.Target, b.Key.Target); c != 0 {
			return c
		}
		return cmp.Compare(a.Key.Member, b.Key.Member)
	})
	return out
}
