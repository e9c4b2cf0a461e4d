package server

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/ollama/constrain/index"
)

// indexCache keeps recently built indexes. Concurrent requests for the same
// key share a single build.
type indexCache struct {
	indexes *lru.Cache[string, *index.Index]
	group   singleflight.Group
}

func newIndexCache(size int) (*indexCache, error) {
	indexes, err := lru.New[string, *index.Index](max(size, 1))
	if err != nil {
		return nil, err
	}
	return &indexCache{indexes: indexes}, nil
}

// get returns the index stored under key, calling build if there is none.
// The boolean result is true if the index was not built by this call.
func (c *indexCache) get(key string, build func() (*index.Index, error)) (*index.Index, bool, error) {
	if idx, ok := c.indexes.Get(key); ok {
		return idx, true, nil
	}

	v, err, shared := c.group.Do(key, func() (any, error) {
		idx, err := build()
		if err != nil {
			return nil, err
		}
		c.indexes.Add(key, idx)
		return idx, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*index.Index), shared, nil
}

func (c *indexCache) lookup(key string) (*index.Index, bool) {
	return c.indexes.Get(key)
}

func (c *indexCache) count() int {
	return c.indexes.Len()
}
