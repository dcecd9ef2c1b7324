package tree

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ipfs/go-cid"
)

const cacheShards = 16

type cacheKey struct {
	link        string
	fingerprint [32]byte
}

// Bounded cache of decoded branches, shared by any number of forests and
// concurrent readers.
//
// Entries are keyed by both Link and a fingerprint of the Secrets and Nonce
// they were decoded with, so a reader never gets a hit on plaintext decoded
// under someone else's keys. Eviction is LRU within each of a fixed number of
// shards.
type BranchCache struct {
	shards [cacheShards]*lru.Cache[cacheKey, any]
}

// Creates a cache holding up to size branches in total.
func NewBranchCache(size int) *BranchCache {
	per := size / cacheShards
	if per < 1 {
		per = 1
	}
	var bc BranchCache
	for i := range bc.shards {
		// only fails on non-positive sizes
		bc.shards[i], _ = lru.New[cacheKey, any](per)
	}
	return &bc
}

func (bc *BranchCache) shard(k cacheKey) *lru.Cache[cacheKey, any] {
	// the tail of a link is digest output, so it is evenly distributed
	return bc.shards[int(k.link[len(k.link)-1])%cacheShards]
}

func (bc *BranchCache) get(link cid.Cid, kr *keyring) (any, bool) {
	if bc == nil {
		return nil, false
	}
	k := cacheKey{link: link.KeyString(), fingerprint: kr.fingerprint}
	v, ok := bc.shard(k).Get(k)
	if ok {
		branchCacheHits.Inc()
	} else {
		branchCacheMisses.Inc()
	}
	return v, ok
}

func (bc *BranchCache) add(link cid.Cid, kr *keyring, v any) {
	if bc == nil {
		return
	}
	k := cacheKey{link: link.KeyString(), fingerprint: kr.fingerprint}
	bc.shard(k).Add(k, v)
}

// Number of cached branches.
func (bc *BranchCache) Len() int {
	n := 0
	for _, s := range bc.shards {
		n += s.Len()
	}
	return n
}

func (bc *BranchCache) Purge() {
	for _, s := range bc.shards {
		s.Purge()
	}
}
