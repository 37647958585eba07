package mesh

import "github.com/zeebo/xxh3"

const (
	dedupCapacity   = 1000
	dedupEvictBatch = 100
)

// DedupSet is a bounded set of processed message identifiers. Ids are stored
// as xxh3-128 digests so memory is bounded independent of id length. When the
// set grows past capacity the oldest entries (by insertion order) are evicted
// in one batch. Not safe for concurrent use; the protocol serializes access.
type DedupSet struct {
	capacity   int
	evictBatch int

	seen  map[xxh3.Uint128]struct{}
	order []xxh3.Uint128
}

// NewDedupSet creates a DedupSet with the protocol's default bounds.
func NewDedupSet() *DedupSet {
	return newDedupSet(dedupCapacity, dedupEvictBatch)
}

func newDedupSet(capacity, evictBatch int) *DedupSet {
	return &DedupSet{
		capacity:   capacity,
		evictBatch: evictBatch,
		seen:       make(map[xxh3.Uint128]struct{}, capacity),
	}
}

// Mark records id as processed. Returns false if it was already present
// (a duplicate receipt), true if this is the first sighting.
func (d *DedupSet) Mark(id string) bool {
	h := xxh3.HashString128(id)
	if _, dup := d.seen[h]; dup {
		return false
	}
	d.seen[h] = struct{}{}
	d.order = append(d.order, h)
	if len(d.seen) > d.capacity {
		d.evict()
	}
	return true
}

// Seen reports whether id has been marked without marking it.
func (d *DedupSet) Seen(id string) bool {
	_, ok := d.seen[xxh3.HashString128(id)]
	return ok
}

// Len returns the number of ids currently held.
func (d *DedupSet) Len() int {
	return len(d.seen)
}

// evict drops the oldest evictBatch entries in one pass.
func (d *DedupSet) evict() {
	n := d.evictBatch
	if n > len(d.order) {
		n = len(d.order)
	}
	for _, h := range d.order[:n] {
		delete(d.seen, h)
	}
	d.order = append(d.order[:0], d.order[n:]...)
}
