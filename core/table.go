package core

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Entry is a key cell of the primary table. Pointers returned by lookups
// stay valid until the entry is deleted; buckets hold entry pointers, so
// inserting or removing a neighbour does not move an entry.
type Entry struct {
	Key      string
	Value    *PrimeValue
	ExpireAt int64 // unix millis, 0 means no expiry
}

// ChangeReq describes a mutation about to land in the table. Bucket is
// always resolvable; Key is set so subscribers that track inserts by key
// can do so without a second lookup.
type ChangeReq struct {
	Bucket int
	Key    string
	Insert bool
}

// ChangeCallback observes mutations before they are applied.
type ChangeCallback func(ChangeReq)

type changeSub struct {
	id      uint32
	version uint64
	cb      ChangeCallback
}

type bucket struct {
	version uint64
	entries []*Entry
}

// PrimeTable is the primary key space of one shard: a bucket-segmented
// hash map with chaining; it does not use open addressing. The bucket
// directory is fixed at construction
// so bucket indices and versions stay stable for the lifetime of a scan;
// collisions chain inside the bucket.
//
// All mutating calls must run on the owning shard's executor. The change
// subscriber registry alone is guarded, since subscribers register from
// coordinating fibers.
type PrimeTable struct {
	buckets []bucket
	mask    uint64
	size    int

	subMu          sync.RWMutex
	subs           []changeSub
	nextSubID      uint32
	versionCounter uint64
}

// NewPrimeTable creates a table with bucketCount buckets (rounded up to a
// power of two).
func NewPrimeTable(bucketCount int) *PrimeTable {
	n := 1
	for n < bucketCount {
		n <<= 1
	}
	return &PrimeTable{
		buckets: make([]bucket, n),
		mask:    uint64(n - 1),
	}
}

func (t *PrimeTable) bucketOf(key string) int {
	return int(xxhash.Sum64String(key) & t.mask)
}

// BucketCount returns the number of buckets in the directory.
func (t *PrimeTable) BucketCount() int { return len(t.buckets) }

// Size returns the number of live entries.
func (t *PrimeTable) Size() int { return t.size }

// BucketOf exposes the bucket index a key routes to.
func (t *PrimeTable) BucketOf(key string) int { return t.bucketOf(key) }

// Get returns the entry for key, or nil. The value's touched bit is set,
// feeding the offloader's CLOCK policy.
func (t *PrimeTable) Get(key string) *Entry {
	b := &t.buckets[t.bucketOf(key)]
	for _, e := range b.entries {
		if e.Key == key {
			if e.Value != nil {
				e.Value.SetFlag(FlagTouched)
			}
			return e
		}
	}
	return nil
}

// Find is Get without touching the CLOCK bit.
func (t *PrimeTable) Find(key string) *Entry {
	b := &t.buckets[t.bucketOf(key)]
	for _, e := range b.entries {
		if e.Key == key {
			return e
		}
	}
	return nil
}

// Upsert returns the entry for key, creating it if absent. Change
// subscribers run before the bucket is touched, so they observe the
// pre-mutation state.
func (t *PrimeTable) Upsert(key string) (*Entry, bool) {
	idx := t.bucketOf(key)
	b := &t.buckets[idx]
	for _, e := range b.entries {
		if e.Key == key {
			t.notifyChange(ChangeReq{Bucket: idx, Key: key})
			return e, false
		}
	}
	t.notifyChange(ChangeReq{Bucket: idx, Key: key, Insert: true})
	e := &Entry{Key: key}
	b.entries = append(b.entries, e)
	t.size++
	return e, true
}

// Delete removes key, returning the removed entry if it existed.
func (t *PrimeTable) Delete(key string) *Entry {
	idx := t.bucketOf(key)
	b := &t.buckets[idx]
	for i, e := range b.entries {
		if e.Key == key {
			t.notifyChange(ChangeReq{Bucket: idx, Key: key})
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			t.size--
			return e
		}
	}
	return nil
}

// BucketVersion returns the version stamp of bucket i.
func (t *PrimeTable) BucketVersion(i int) uint64 { return t.buckets[i].version }

// BumpVersion raises bucket i's version to v. Versions never go backwards.
func (t *PrimeTable) BumpVersion(i int, v uint64) {
	if t.buckets[i].version < v {
		t.buckets[i].version = v
	}
}

// TraverseBucket visits every live entry of bucket i.
func (t *PrimeTable) TraverseBucket(i int, fn func(*Entry)) {
	for _, e := range t.buckets[i].entries {
		fn(e)
	}
}

// Traverse visits the single bucket addressed by cursor and returns the
// cursor of the next bucket, wrapping to 0 after the last one. A cursor of
// 0 starts a fresh pass.
func (t *PrimeTable) Traverse(cursor uint64, fn func(*Entry)) uint64 {
	i := int(cursor) % len(t.buckets)
	t.TraverseBucket(i, fn)
	next := uint64(i + 1)
	if next == uint64(len(t.buckets)) {
		return 0
	}
	return next
}

// RegisterOnChange subscribes cb to pre-mutation notifications. The
// returned version is the subscriber's snapshot horizon: buckets whose
// version is below it have not been observed by the subscriber yet.
func (t *PrimeTable) RegisterOnChange(cb ChangeCallback) (uint32, uint64) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	t.versionCounter++
	t.nextSubID++
	sub := changeSub{id: t.nextSubID, version: t.versionCounter, cb: cb}
	t.subs = append(t.subs, sub)
	return sub.id, sub.version
}

// UnregisterOnChange drops a subscriber.
func (t *PrimeTable) UnregisterOnChange(id uint32) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	for i, s := range t.subs {
		if s.id == id {
			t.subs = append(t.subs[:i], t.subs[i+1:]...)
			return
		}
	}
}

func (t *PrimeTable) notifyChange(req ChangeReq) {
	t.subMu.RLock()
	subs := t.subs
	t.subMu.RUnlock()
	for _, s := range subs {
		s.cb(req)
	}
}
