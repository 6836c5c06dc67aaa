package tiered

import (
	"testing"

	"stormkv/core"
)

func TestCoolQueueLRUOrder(t *testing.T) {
	q := NewCoolQueue()
	q.PushFront(0, "a", core.NewString([]byte("1")))
	q.PushFront(0, "b", core.NewString([]byte("2")))
	q.PushFront(0, "c", core.NewString([]byte("3")))

	if q.Size() != 3 {
		t.Fatalf("Size = %d; want 3", q.Size())
	}

	// PopBack drains from the cold end, oldest first.
	for _, want := range []string{"a", "b", "c"} {
		rec := q.PopBack()
		if rec == nil {
			t.Fatal("PopBack returned nil")
		}
		if rec.Key != want {
			t.Errorf("popped %q; want %q", rec.Key, want)
		}
	}
	if q.PopBack() != nil {
		t.Error("PopBack on empty queue should return nil")
	}
	if q.Size() != 0 || q.UsedMemory() != 0 {
		t.Errorf("drained queue: size=%d bytes=%d", q.Size(), q.UsedMemory())
	}
}

func TestCoolQueueMemoryAccounting(t *testing.T) {
	q := NewCoolQueue()
	v := core.NewString(make([]byte, 1000))
	h := q.PushFront(2, "big", v)

	if q.UsedMemory() != int64(v.MallocUsed()) {
		t.Errorf("UsedMemory = %d; want %d", q.UsedMemory(), v.MallocUsed())
	}
	if !q.Delete(h) {
		t.Fatal("Delete returned false")
	}
	if q.UsedMemory() != 0 {
		t.Errorf("UsedMemory = %d after delete; want 0", q.UsedMemory())
	}
}

func TestCoolQueueHandleResolution(t *testing.T) {
	q := NewCoolQueue()
	h := q.PushFront(1, "k", core.NewString([]byte("v")))

	rec := q.Get(h)
	if rec == nil {
		t.Fatal("Get returned nil for live handle")
	}
	if rec.Db != 1 || rec.Key != "k" {
		t.Errorf("record = db %d key %q; want db 1 key k", rec.Db, rec.Key)
	}
}

func TestCoolQueueStaleHandle(t *testing.T) {
	q := NewCoolQueue()
	h1 := q.PushFront(0, "first", core.NewString([]byte("v")))
	if !q.Delete(h1) {
		t.Fatal("Delete failed")
	}

	// The slot is recycled; the old handle's generation no longer matches.
	h2 := q.PushFront(0, "second", core.NewString([]byte("v")))
	if h2.Index != h1.Index {
		t.Fatalf("slot not recycled: %d vs %d", h2.Index, h1.Index)
	}
	if q.Get(h1) != nil {
		t.Error("stale handle resolved to a record")
	}
	if q.Delete(h1) {
		t.Error("Delete on stale handle returned true")
	}
	if rec := q.Get(h2); rec == nil || rec.Key != "second" {
		t.Error("fresh handle failed to resolve")
	}
}

func TestCoolQueueDeleteMiddle(t *testing.T) {
	q := NewCoolQueue()
	q.PushFront(0, "a", core.NewString([]byte("1")))
	hb := q.PushFront(0, "b", core.NewString([]byte("2")))
	q.PushFront(0, "c", core.NewString([]byte("3")))

	if !q.Delete(hb) {
		t.Fatal("Delete failed")
	}
	if rec := q.PopBack(); rec.Key != "a" {
		t.Errorf("popped %q; want a", rec.Key)
	}
	if rec := q.PopBack(); rec.Key != "c" {
		t.Errorf("popped %q; want c", rec.Key)
	}
}

func TestCoolQueueOutOfRangeHandle(t *testing.T) {
	q := NewCoolQueue()
	if q.Get(core.CoolHandle{Index: 99, Generation: 1}) != nil {
		t.Error("out-of-range handle resolved")
	}
}
