package tiered

import (
	"log/slog"

	"stormkv/core"
	"stormkv/protocol"
)

// KeyRef names a table entry across databases of one shard.
type KeyRef struct {
	DbIndex int
	Key     string
}

// IDKind discriminates what an EntryID addresses.
type IDKind uint8

const (
	// KindKey addresses a single large value by its key.
	KindKey IDKind = iota
	// KindBin addresses a sealed small-bin page by its bin id.
	KindBin
	// KindFragmentedBin marks a read issued to drain a low-occupancy bin.
	KindFragmentedBin
)

// EntryID is the tagged identity of an in-flight disk operation. Kind
// selects which of the remaining fields is meaningful.
type EntryID struct {
	Kind IDKind
	Key  KeyRef
	Bin  uint64
}

// KeyID builds an EntryID addressing a single keyed value.
func KeyID(dbIndex int, key string) EntryID {
	return EntryID{Kind: KindKey, Key: KeyRef{DbIndex: dbIndex, Key: key}}
}

// BinID builds an EntryID addressing a sealed small-bin page.
func BinID(id uint64) EntryID {
	return EntryID{Kind: KindBin, Bin: id}
}

type stashOp struct {
	id       EntryID
	data     []byte
	pages    uint64
	off      uint64
	canceled bool
	cb       func(core.DiskSegment, error)
}

type readOp struct {
	seg core.DiskSegment
	cbs []func([]byte, error)
}

// OpManager sequences stash writes and fetch reads against the backing
// file. Reads of the same segment offset are coalesced into one disk
// request; page frees that race an in-flight read are deferred until the
// read lands. Every method and callback runs on the shard executor.
type OpManager struct {
	disk *DiskFile

	pendingStash  map[EntryID]*stashOp
	inFlightReads map[uint64]*readOp
	deferredFrees []core.DiskSegment
}

func NewOpManager(disk *DiskFile) *OpManager {
	return &OpManager{
		disk:          disk,
		pendingStash:  make(map[EntryID]*stashOp),
		inFlightReads: make(map[uint64]*readOp),
	}
}

// PendingStashCount returns the number of writes not yet landed.
func (m *OpManager) PendingStashCount() int { return len(m.pendingStash) }

func segmentPages(seg core.DiskSegment) uint64 {
	return (uint64(seg.Len) + protocol.PageSize - 1) / protocol.PageSize
}

// Stash allocates pages for data and starts the write. cb runs once the
// write lands, unless the stash is canceled first. The data slice is
// owned by the manager until then.
func (m *OpManager) Stash(id EntryID, data []byte, cb func(core.DiskSegment, error)) error {
	if _, dup := m.pendingStash[id]; dup {
		slog.Error("duplicate stash", "kind", id.Kind, "key", id.Key.Key, "bin", id.Bin)
		return protocol.ErrStashPending
	}
	pages := (uint64(len(data)) + protocol.PageSize - 1) / protocol.PageSize
	off, err := m.disk.Allocate(pages)
	if err != nil {
		return err
	}
	op := &stashOp{id: id, data: data, pages: pages, off: off, cb: cb}
	m.pendingStash[id] = op
	m.disk.WriteAsync(off, data, func(_ []byte, err error) {
		m.stashDone(op, err)
	})
	return nil
}

func (m *OpManager) stashDone(op *stashOp, err error) {
	delete(m.pendingStash, op.id)
	if op.canceled || err != nil {
		m.disk.Free(op.off, op.pages)
		if err != nil && !op.canceled {
			slog.Error("stash write failed", "err", err)
			op.cb(core.DiskSegment{}, err)
		}
		return
	}
	op.cb(core.DiskSegment{Offset: op.off, Len: uint32(len(op.data))}, nil)
}

// CancelStash abandons an in-flight stash. The pages are reclaimed when
// the write lands and the completion callback never runs.
func (m *OpManager) CancelStash(id EntryID) bool {
	op, ok := m.pendingStash[id]
	if !ok {
		return false
	}
	op.canceled = true
	return true
}

// Read fetches the bytes of seg. Concurrent reads of the same offset
// share one disk request and see the same buffer, so callbacks must not
// retain the slice past their run without copying.
func (m *OpManager) Read(seg core.DiskSegment, cb func([]byte, error)) {
	if r, ok := m.inFlightReads[seg.Offset]; ok && r.seg == seg {
		r.cbs = append(r.cbs, cb)
		return
	}
	r := &readOp{seg: seg, cbs: []func([]byte, error){cb}}
	m.inFlightReads[seg.Offset] = r
	m.disk.ReadAsync(seg.Offset, seg.Len, func(buf []byte, err error) {
		delete(m.inFlightReads, seg.Offset)
		for _, f := range r.cbs {
			f(buf, err)
		}
		m.runDeferredFrees()
	})
}

// Free releases the pages backing seg, deferring while a read of the
// same offset is in flight.
func (m *OpManager) Free(seg core.DiskSegment) {
	if _, busy := m.inFlightReads[seg.Offset]; busy {
		m.deferredFrees = append(m.deferredFrees, seg)
		return
	}
	m.disk.Free(seg.Offset, segmentPages(seg))
}

func (m *OpManager) runDeferredFrees() {
	if len(m.deferredFrees) == 0 {
		return
	}
	pending := m.deferredFrees
	m.deferredFrees = nil
	for _, seg := range pending {
		m.Free(seg)
	}
}
