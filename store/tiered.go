package store

import (
	"context"

	"github.com/ipfs/go-cid"
)

// Reads from a "fresh" store first and falls back to a read-only base store.
// Writes only go to the fresh store.
//
// This is the shape of a staged write session: new blocks accumulate in
// `fresh` (eg, an in-memory store) and can be flushed to durable storage
// later, while reads still see the full tree.
type ReadThrough struct {
	base  ReadOnlyStore
	fresh BlockStore
}

var _ BlockStore = (*ReadThrough)(nil)

func NewReadThrough(base ReadOnlyStore, fresh BlockStore) *ReadThrough {
	return &ReadThrough{
		base:  base,
		fresh: fresh,
	}
}

func (rt *ReadThrough) Get(ctx context.Context, link cid.Cid) ([]byte, error) {
	data, err := rt.fresh.Get(ctx, link)
	if err == nil {
		return data, nil
	}
	if !IsNotFound(err) {
		return nil, err
	}
	return rt.base.Get(ctx, link)
}

func (rt *ReadThrough) Put(ctx context.Context, data []byte) (cid.Cid, error) {
	return rt.fresh.Put(ctx, data)
}
