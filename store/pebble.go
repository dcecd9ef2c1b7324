package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ipfs/go-cid"
)

// Block store persisted in a Pebble database, keyed by the binary CID.
type PebbleStore struct {
	db *pebble.DB

	// fsync every put; off by default, blocks are immutable and can be rewritten
	sync bool
}

var _ BlockStore = (*PebbleStore)(nil)

func OpenPebbleStore(path string, sync bool) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble database: %w", err)
	}
	return &PebbleStore{db: db, sync: sync}, nil
}

func (ps *PebbleStore) Get(_ context.Context, link cid.Cid) ([]byte, error) {
	val, closer, err := ps.db.Get(link.Bytes())
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, notFound(link)
		}
		return nil, fmt.Errorf("pebble get %s: %w", link, err)
	}
	defer closer.Close()

	// value is only valid until closer is closed
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

func (ps *PebbleStore) Put(_ context.Context, data []byte) (cid.Cid, error) {
	c, err := Digest(data)
	if err != nil {
		return cid.Undef, err
	}
	opts := pebble.NoSync
	if ps.sync {
		opts = pebble.Sync
	}
	if err := ps.db.Set(c.Bytes(), data, opts); err != nil {
		return cid.Undef, fmt.Errorf("pebble put %s: %w", c, err)
	}
	return c, nil
}

func (ps *PebbleStore) Close() error {
	if err := ps.db.Flush(); err != nil {
		return err
	}
	return ps.db.Close()
}
