package store

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/ipfs/go-cid"
	"github.com/puzpuzpuz/xsync/v3"
)

// In-memory block store with an upper bound on the total number of stored
// bytes. Puts that would exceed the bound fail with ErrStoreFull; identical
// blocks are only counted once.
type MemStore struct {
	blocks   *xsync.MapOf[string, []byte]
	size     atomic.Int64
	maxBytes int64
}

var _ BlockStore = (*MemStore)(nil)

func NewMemStore(maxBytes int64) *MemStore {
	return &MemStore{
		blocks:   xsync.NewMapOf[string, []byte](),
		maxBytes: maxBytes,
	}
}

func (ms *MemStore) Get(_ context.Context, link cid.Cid) ([]byte, error) {
	data, ok := ms.blocks.Load(link.KeyString())
	if !ok {
		return nil, notFound(link)
	}
	return data, nil
}

func (ms *MemStore) Put(_ context.Context, data []byte) (cid.Cid, error) {
	c, err := Digest(data)
	if err != nil {
		return cid.Undef, err
	}
	key := c.KeyString()
	if _, ok := ms.blocks.Load(key); ok {
		return c, nil
	}

	n := int64(len(data))
	if ms.size.Add(n) > ms.maxBytes {
		ms.size.Add(-n)
		return cid.Undef, fmt.Errorf("%w: %d byte limit", ErrStoreFull, ms.maxBytes)
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	if _, loaded := ms.blocks.LoadOrStore(key, buf); loaded {
		// lost a race with an identical put
		ms.size.Add(-n)
	}
	return c, nil
}

// Number of distinct blocks held.
func (ms *MemStore) Len() int {
	return ms.blocks.Size()
}

// Total bytes held.
func (ms *MemStore) Size() int64 {
	return ms.size.Load()
}
