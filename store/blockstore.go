package store

import (
	"context"
	"fmt"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	flatfs "github.com/ipfs/go-ds-flatfs"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
)

// Adapts an IPFS blockstore.Blockstore to the BlockStore interface.
type Blockstore struct {
	bs blockstore.Blockstore

	// set when this adapter owns the underlying datastore
	closer func() error
}

var _ BlockStore = (*Blockstore)(nil)

func NewBlockstore(bs blockstore.Blockstore) *Blockstore {
	return &Blockstore{bs: bs}
}

// Blockstore on top of a mutex-wrapped in-memory map datastore.
func NewMemBlockstore() *Blockstore {
	ds := dssync.MutexWrap(datastore.NewMapDatastore())
	return &Blockstore{bs: blockstore.NewBlockstore(ds)}
}

// Blockstore persisted to a flatfs directory, using the default IPFS sharding.
func NewFlatfsBlockstore(dir string) (*Blockstore, error) {
	ffds, err := flatfs.CreateOrOpen(dir, flatfs.IPFS_DEF_SHARD, false)
	if err != nil {
		return nil, fmt.Errorf("opening flatfs datastore: %w", err)
	}
	return &Blockstore{
		bs:     blockstore.NewBlockstore(ffds),
		closer: ffds.Close,
	}, nil
}

func (b *Blockstore) Get(ctx context.Context, link cid.Cid) ([]byte, error) {
	blk, err := b.bs.Get(ctx, link)
	if err != nil {
		return nil, err
	}
	return blk.RawData(), nil
}

func (b *Blockstore) Put(ctx context.Context, data []byte) (cid.Cid, error) {
	c, err := Digest(data)
	if err != nil {
		return cid.Undef, err
	}
	blk, err := blocks.NewBlockWithCid(data, c)
	if err != nil {
		return cid.Undef, err
	}
	if err := b.bs.Put(ctx, blk); err != nil {
		return cid.Undef, err
	}
	return c, nil
}

// Exposes the wrapped blockstore, eg for handing to other IPFS tooling.
func (b *Blockstore) Unwrap() blockstore.Blockstore {
	return b.bs
}

func (b *Blockstore) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer()
}
