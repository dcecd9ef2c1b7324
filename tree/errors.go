package tree

import (
	"errors"
	"fmt"

	"github.com/bluesky-social/streamtree/store"

	"github.com/ipfs/go-cid"
)

// A referenced block is absent from the store. Never treated as an empty
// subtree.
var ErrNotFound = errors.New("tree block not found")

// A block could not be decrypted or decoded: tampered bytes, wrong Secrets,
// wrong Nonce or tree types that do not match the ones the tree was written
// with. Retrying will not help.
var ErrCorrupt = errors.New("corrupt tree block")

// The underlying store failed for some other reason. The caller decides whether
// to retry.
var ErrStoreFailure = errors.New("block store failure")

var ErrInvalidConfig = errors.New("invalid tree configuration")

var ErrValueTooLarge = errors.New("value larger than maximum leaf size")

// The key codec refused a key passed to Extend.
var ErrInvalidKey = errors.New("key cannot be encoded")

var ErrOutOfRange = errors.New("offset out of range")

func corruptf(link cid.Cid, format string, args ...any) error {
	return fmt.Errorf("%w %s: %s", ErrCorrupt, link, fmt.Sprintf(format, args...))
}

// Classifies an error coming back from a block store.
func storeError(op string, link cid.Cid, err error) error {
	if store.IsNotFound(err) {
		return fmt.Errorf("%w: %s: %w", ErrNotFound, link, err)
	}
	if errors.Is(err, store.ErrDigestMismatch) {
		return fmt.Errorf("%w: %s: %w", ErrCorrupt, link, err)
	}
	if link.Defined() {
		return fmt.Errorf("%w: %s %s: %w", ErrStoreFailure, op, link, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreFailure, op, err)
}
