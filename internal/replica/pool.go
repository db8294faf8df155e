package replica

import "sync"

const scratchSize = 4096

var scratchPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, scratchSize)
		return &b
	},
}

// Encode runs an append-style encoder against pooled scratch space and
// returns an exactly sized copy. The copy is safe to enqueue for several
// receivers.
func Encode(appendFn func(dst []byte) ([]byte, error)) ([]byte, error) {
	bp := scratchPool.Get().(*[]byte)
	out, err := appendFn((*bp)[:0])
	if err != nil {
		scratchPool.Put(bp)
		return nil, err
	}
	raw := make([]byte, len(out))
	copy(raw, out)
	if cap(out) <= 16*scratchSize {
		*bp = out[:0]
	}
	scratchPool.Put(bp)
	return raw, nil
}
