package results

import (
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Reduce tree layout
//
// The map results of a reduce key are spread over LeafBuckets leaf buckets
// by the hash of their source key. Level 0 holds one reduced value per
// non-empty leaf. Each level above merges Fanout consecutive buckets of the
// level below, until a single bucket remains; that bucket is the root and
// its value is the committed result for the key.
//
//	level 2:                 [0]
//	level 1:        [0]      [1]  ...  [31]
//	level 0:   [0 .. 31] [32 .. 63] ... [992 .. 1023]
//
// A changed source item dirties one leaf, so recomputation touches one
// bucket per level.

func keyHash(key string) int64 {
	return int64(xxhash.Sum64String(key))
}

// leafBucket returns the leaf bucket of a source key.
func (c TreeConfig) leafBucket(sourceKey string) int {
	return int(xxhash.Sum64String(sourceKey) % uint64(c.LeafBuckets))
}

// rootLevel returns the level holding the single root bucket.
func (c TreeConfig) rootLevel() int {
	level := 0
	for n := c.LeafBuckets; n > 1; n = (n + c.Fanout - 1) / c.Fanout {
		level++
	}
	return level
}

// bucketSet is a small set of bucket ids.
type bucketSet map[int]struct{}

func (s bucketSet) add(b int) {
	s[b] = struct{}{}
}

func (s bucketSet) sorted() []int {
	out := make([]int, 0, len(s))
	for b := range s {
		out = append(out, b)
	}
	sort.Ints(out)
	return out
}

func (s bucketSet) parents(fanout int) bucketSet {
	out := make(bucketSet, len(s))
	for b := range s {
		out.add(b / fanout)
	}
	return out
}
