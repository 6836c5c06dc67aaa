package tiered

import (
	"encoding/binary"
	"log/slog"

	"stormkv/core"
	"stormkv/protocol"
)

// binCapacity is the payload room of one bin page. The final bytes hold
// the entry count so a bin page is self-describing on defrag reads.
const binCapacity = protocol.PageSize - 2

// BinEntry reports where one packed value landed after a bin flush.
type BinEntry struct {
	Key     KeyRef
	Segment core.DiskSegment
}

type pendingEntry struct {
	key  KeyRef
	data []byte
	dead bool
}

// FullBin is a sealed page image ready to be written out.
type FullBin struct {
	ID      uint64
	Data    []byte
	entries []pendingEntry
	offsets []uint32
}

type stashedBin struct {
	id      uint64
	pageOff uint64
	// live maps key to the value segment inside the page.
	live       map[KeyRef]core.DiskSegment
	liveBytes  uint32
	defragging bool
}

// DeleteResult tells the caller what to do with the page after a packed
// entry was removed.
type DeleteResult struct {
	// FreePage is set when the bin holds no live entries; Page is the
	// whole-page segment to release.
	FreePage bool
	// Defrag is set when occupancy dropped below half and the surviving
	// entries should be read back and re-uploaded.
	Defrag bool
	BinId  uint64
	Page   core.DiskSegment
}

// SmallBins packs values below the page size into shared 4 KiB pages.
// Values accumulate in a filling bin; once it cannot take the next entry
// it is sealed and handed back for a disk write. Entry locations are
// kept in memory only, so bins are rebuilt from scratch on restart.
//
// All methods run on the shard executor.
type SmallBins struct {
	nextID       uint64
	filling      []pendingEntry
	fillingBytes int

	pending  map[uint64]*FullBin
	stashed  map[uint64]*stashedBin
	byOffset map[uint64]uint64
}

func NewSmallBins() *SmallBins {
	return &SmallBins{
		pending:  make(map[uint64]*FullBin),
		stashed:  make(map[uint64]*stashedBin),
		byOffset: make(map[uint64]uint64),
	}
}

func entrySize(key KeyRef, val []byte) int {
	return 2 + len(key.Key) + 4 + len(val)
}

// Fits reports whether a value is small enough to ever be packed.
func Fits(key KeyRef, val []byte) bool {
	return entrySize(key, val) <= binCapacity
}

// Stash queues a small value for packing. When the filling bin cannot
// take it, the bin is sealed and returned for flushing; the value starts
// the next bin.
func (b *SmallBins) Stash(key KeyRef, val []byte) (*FullBin, bool) {
	var sealed *FullBin
	if b.fillingBytes+entrySize(key, val) > binCapacity {
		sealed = b.seal()
	}
	b.filling = append(b.filling, pendingEntry{key: key, data: val})
	b.fillingBytes += entrySize(key, val)
	return sealed, sealed != nil
}

// SealFilling seals a partially filled bin so aged entries reach disk
// even without enough traffic to fill the page.
func (b *SmallBins) SealFilling() (*FullBin, bool) {
	if len(b.filling) == 0 {
		return nil, false
	}
	return b.seal(), true
}

func (b *SmallBins) seal() *FullBin {
	b.nextID++
	bin := &FullBin{ID: b.nextID, Data: make([]byte, protocol.PageSize)}
	pos := uint32(0)
	count := uint16(0)
	for _, e := range b.filling {
		if e.dead {
			continue
		}
		binary.BigEndian.PutUint16(bin.Data[pos:], uint16(len(e.key.Key)))
		pos += 2
		copy(bin.Data[pos:], e.key.Key)
		pos += uint32(len(e.key.Key))
		binary.BigEndian.PutUint32(bin.Data[pos:], uint32(len(e.data)))
		pos += 4
		bin.offsets = append(bin.offsets, pos)
		copy(bin.Data[pos:], e.data)
		pos += uint32(len(e.data))
		bin.entries = append(bin.entries, e)
		count++
	}
	binary.BigEndian.PutUint16(bin.Data[protocol.PageSize-2:], count)
	b.filling = nil
	b.fillingBytes = 0
	b.pending[bin.ID] = bin
	return bin
}

// ReportStashed records where a sealed bin landed and returns the
// per-entry segments. Entries canceled while the write was in flight
// are skipped.
func (b *SmallBins) ReportStashed(id uint64, pageOff uint64) []BinEntry {
	bin, ok := b.pending[id]
	if !ok {
		slog.Error("stash report for unknown bin", "bin", id)
		return nil
	}
	delete(b.pending, id)
	sb := &stashedBin{id: id, pageOff: pageOff, live: make(map[KeyRef]core.DiskSegment)}
	var out []BinEntry
	for i, e := range bin.entries {
		if e.dead {
			continue
		}
		seg := core.DiskSegment{Offset: pageOff + uint64(bin.offsets[i]), Len: uint32(len(e.data))}
		sb.live[e.key] = seg
		sb.liveBytes += seg.Len
		out = append(out, BinEntry{Key: e.key, Segment: seg})
	}
	if len(sb.live) == 0 {
		return nil
	}
	b.stashed[id] = sb
	b.byOffset[pageOff] = id
	return out
}

// CancelBin drops a sealed bin whose write failed, returning the keys
// of its live entries so their pending flags can be cleared.
func (b *SmallBins) CancelBin(id uint64) []KeyRef {
	bin, ok := b.pending[id]
	if !ok {
		return nil
	}
	delete(b.pending, id)
	var keys []KeyRef
	for _, e := range bin.entries {
		if !e.dead {
			keys = append(keys, e.key)
		}
	}
	return keys
}

// CancelPending drops a queued entry before its bin reaches disk. It
// covers both the filling bin and sealed bins still in flight.
func (b *SmallBins) CancelPending(key KeyRef) bool {
	for i := range b.filling {
		if b.filling[i].key == key && !b.filling[i].dead {
			b.filling[i].dead = true
			b.fillingBytes -= entrySize(key, b.filling[i].data)
			return true
		}
	}
	for _, bin := range b.pending {
		for i := range bin.entries {
			if bin.entries[i].key == key && !bin.entries[i].dead {
				bin.entries[i].dead = true
				return true
			}
		}
	}
	return false
}

// Owns reports whether off falls inside a page managed by the packer.
func (b *SmallBins) Owns(off uint64) bool {
	_, ok := b.byOffset[off/protocol.PageSize*protocol.PageSize]
	return ok
}

// ReportDelete removes a packed entry and decides the fate of its page.
func (b *SmallBins) ReportDelete(key KeyRef, seg core.DiskSegment) DeleteResult {
	pageOff := seg.Offset / protocol.PageSize * protocol.PageSize
	id, ok := b.byOffset[pageOff]
	if !ok {
		slog.Error("delete report for unowned page", "offset", pageOff)
		return DeleteResult{}
	}
	sb := b.stashed[id]
	if cur, ok := sb.live[key]; ok && cur == seg {
		delete(sb.live, key)
		sb.liveBytes -= seg.Len
	}
	page := core.DiskSegment{Offset: pageOff, Len: protocol.PageSize}
	if len(sb.live) == 0 {
		delete(b.stashed, id)
		delete(b.byOffset, pageOff)
		return DeleteResult{FreePage: true, Page: page}
	}
	if sb.liveBytes < binCapacity/2 && !sb.defragging {
		sb.defragging = true
		return DeleteResult{Defrag: true, BinId: id, Page: page}
	}
	return DeleteResult{}
}

// DeleteBin retires a bin after its defrag read completed, returning
// the segments of the entries that must be re-uploaded.
func (b *SmallBins) DeleteBin(id uint64) map[KeyRef]core.DiskSegment {
	sb, ok := b.stashed[id]
	if !ok {
		return nil
	}
	delete(b.stashed, id)
	delete(b.byOffset, sb.pageOff)
	return sb.live
}

// StashedBinCount returns the number of bins resident on disk.
func (b *SmallBins) StashedBinCount() int { return len(b.stashed) }

// FillingBytes returns the payload bytes queued in the filling bin.
func (b *SmallBins) FillingBytes() int { return b.fillingBytes }
