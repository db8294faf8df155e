package replica

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultFullBatchCacheSize = 8

// FullBatchCache keeps encoded full batches by state version so joiners that
// arrive at the same version share one encoding. A version identifies the
// canonical state only while the store has no unflushed writes; callers must
// bypass the cache otherwise.
type FullBatchCache struct {
	entries *lru.Cache[uint64, []byte]
}

func NewFullBatchCache(size int) *FullBatchCache {
	if size <= 0 {
		size = defaultFullBatchCacheSize
	}
	entries, err := lru.New[uint64, []byte](size)
	if err != nil {
		panic(err)
	}
	return &FullBatchCache{entries: entries}
}

func (c *FullBatchCache) Get(stateVersion uint64) ([]byte, bool) {
	return c.entries.Get(stateVersion)
}

// GetOrBuild returns the cached encoding for stateVersion or stores the
// result of build.
func (c *FullBatchCache) GetOrBuild(stateVersion uint64, build func() ([]byte, error)) ([]byte, bool, error) {
	if raw, ok := c.entries.Get(stateVersion); ok {
		return raw, true, nil
	}
	raw, err := build()
	if err != nil {
		return nil, false, err
	}
	c.entries.Add(stateVersion, raw)
	return raw, false, nil
}

func (c *FullBatchCache) Purge() {
	c.entries.Purge()
}

func (c *FullBatchCache) Len() int {
	return c.entries.Len()
}
