// Package store defines the content-addressed block storage capability that
// trees are persisted into, along with a handful of implementations: IPFS
// blockstores (in-memory or flatfs), a bounded in-memory map, Pebble, and the
// HTTP API of a kubo (go-ipfs) daemon.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
	ipld "github.com/ipfs/go-ipld-format"
	"github.com/multiformats/go-multihash"
)

// Reads blocks by their content digest.
//
// Implementations must be safe for concurrent use. A missing block is reported
// with an error for which IsNotFound returns true.
type ReadOnlyStore interface {
	Get(ctx context.Context, link cid.Cid) ([]byte, error)
}

// Writes blocks, returning the content digest they are stored under. A single
// Put either stores the whole block or fails.
type BlockWriter interface {
	Put(ctx context.Context, data []byte) (cid.Cid, error)
}

type BlockStore interface {
	ReadOnlyStore
	BlockWriter
}

// CID prefix used for every block: CIDv1, raw codec, sha2-256. Matches what a
// kubo daemon produces for `block put --cid-codec=raw --mhtype=sha2-256`.
var LinkPrefix = cid.Prefix{
	Version:  1,
	Codec:    cid.Raw,
	MhType:   multihash.SHA2_256,
	MhLength: -1,
}

var ErrDigestMismatch = errors.New("block content does not match digest")

var ErrStoreFull = errors.New("block store is full")

// Computes the Link for a block of bytes.
func Digest(data []byte) (cid.Cid, error) {
	return LinkPrefix.Sum(data)
}

// Checks that data hashes to the given link. Used on blocks that come back from
// stores which are not trusted to be honest (eg, remote daemons).
func VerifyBlock(link cid.Cid, data []byte) error {
	c, err := link.Prefix().Sum(data)
	if err != nil {
		return fmt.Errorf("hashing block %s: %w", link, err)
	}
	if !c.Equals(link) {
		return fmt.Errorf("%w: expected %s, got %s", ErrDigestMismatch, link, c)
	}
	return nil
}

func IsNotFound(err error) bool {
	return ipld.IsNotFound(err)
}

func notFound(link cid.Cid) error {
	return &ipld.ErrNotFound{Cid: link}
}
