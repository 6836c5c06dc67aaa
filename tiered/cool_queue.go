package tiered

import (
	"log/slog"

	"stormkv/core"
)

// CoolRecord retains the resident payload of a value that already has a
// disk copy. The record keeps enough identity to re-link or evict the
// owning table entry without a handle back into the shard.
type CoolRecord struct {
	Db    int
	Key   string
	Value *core.PrimeValue

	gen        uint32
	prev, next int32
	used       bool
}

const nilIdx = int32(-1)

// CoolQueue is an LRU of cool records backed by a growable arena with a
// free list. Handles carry a generation stamp so a reference to a
// recycled slot is detected on dereference instead of resurrecting a
// stranger's record.
//
// All methods run on the shard executor.
type CoolQueue struct {
	arena []CoolRecord
	free  []int32
	head  int32
	tail  int32
	size  int
	bytes int64
}

func NewCoolQueue() *CoolQueue {
	return &CoolQueue{head: nilIdx, tail: nilIdx}
}

// Size returns the number of records in the queue.
func (q *CoolQueue) Size() int { return q.size }

// UsedMemory returns the heap bytes retained by cool payloads.
func (q *CoolQueue) UsedMemory() int64 { return q.bytes }

// PushFront inserts a record at the hot end and returns its handle.
func (q *CoolQueue) PushFront(db int, key string, v *core.PrimeValue) core.CoolHandle {
	var idx int32
	if n := len(q.free); n > 0 {
		idx = q.free[n-1]
		q.free = q.free[:n-1]
	} else {
		q.arena = append(q.arena, CoolRecord{})
		idx = int32(len(q.arena) - 1)
	}
	r := &q.arena[idx]
	r.Db, r.Key, r.Value = db, key, v
	r.gen++
	r.used = true
	r.prev = nilIdx
	r.next = q.head
	if q.head != nilIdx {
		q.arena[q.head].prev = idx
	}
	q.head = idx
	if q.tail == nilIdx {
		q.tail = idx
	}
	q.size++
	q.bytes += int64(v.MallocUsed())
	return core.CoolHandle{Index: uint32(idx), Generation: r.gen}
}

// PopBack removes and returns the coldest record. Returns nil when the
// queue is empty.
func (q *CoolQueue) PopBack() *CoolRecord {
	if q.tail == nilIdx {
		return nil
	}
	idx := q.tail
	r := &q.arena[idx]
	q.unlink(idx)
	out := &CoolRecord{Db: r.Db, Key: r.Key, Value: r.Value}
	q.recycle(idx)
	return out
}

// Get resolves a handle, returning nil when the slot was recycled.
func (q *CoolQueue) Get(h core.CoolHandle) *CoolRecord {
	if int(h.Index) >= len(q.arena) {
		return nil
	}
	r := &q.arena[h.Index]
	if !r.used || r.gen != h.Generation {
		slog.Error("stale cool handle", "index", h.Index, "generation", h.Generation)
		return nil
	}
	return r
}

// Delete removes the record addressed by h. Returns false on a stale
// handle.
func (q *CoolQueue) Delete(h core.CoolHandle) bool {
	r := q.Get(h)
	if r == nil {
		return false
	}
	q.unlink(int32(h.Index))
	q.recycle(int32(h.Index))
	return true
}

func (q *CoolQueue) unlink(idx int32) {
	r := &q.arena[idx]
	if r.prev != nilIdx {
		q.arena[r.prev].next = r.next
	} else {
		q.head = r.next
	}
	if r.next != nilIdx {
		q.arena[r.next].prev = r.prev
	} else {
		q.tail = r.prev
	}
}

func (q *CoolQueue) recycle(idx int32) {
	r := &q.arena[idx]
	q.size--
	q.bytes -= int64(r.Value.MallocUsed())
	r.Value = nil
	r.Key = ""
	r.used = false
	r.prev, r.next = nilIdx, nilIdx
	q.free = append(q.free, idx)
}
