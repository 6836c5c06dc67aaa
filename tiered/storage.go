package tiered

import (
	"fmt"
	"log/slog"

	"stormkv/core"
	"stormkv/protocol"
)

// Config carries the tiering knobs of one shard.
type Config struct {
	// Prefix is the path prefix of the backing file; the shard index is
	// appended.
	Prefix string
	// MaxFileSize bounds the backing file in bytes.
	MaxFileSize uint64
	// WriteDepth caps the number of in-flight stash writes.
	WriteDepth int
	// MinValueSize is the smallest value worth offloading.
	MinValueSize int
	// MemoryMargin is the heap headroom the offloader tries to keep.
	MemoryMargin int64
	// LowMemoryFactor scales the margin into the threshold below which
	// cool payloads are dropped outright.
	LowMemoryFactor float64
	// CoolingEnabled keeps offloaded payloads resident until memory
	// pressure forces them out.
	CoolingEnabled bool
}

// DefaultConfig returns the tiering defaults.
func DefaultConfig() Config {
	return Config{
		Prefix:          "stormkv-tiered-",
		MaxFileSize:     1 << 30,
		WriteDepth:      50,
		MinValueSize:    64,
		MemoryMargin:    10 << 20,
		LowMemoryFactor: 0.1,
		CoolingEnabled:  true,
	}
}

// Stats is a snapshot of the tiering counters of one shard.
type Stats struct {
	TotalStashes     uint64
	TotalFetches     uint64
	TotalCancels     uint64
	TotalDefrags     uint64
	StashOverflowCnt uint64
	PendingStashCnt  int
	OffloadedBytes   uint64
	AllocatedPages   uint64
	CapacityBytes    uint64
	CoolMemory       int64
	CoolRecords      int
	SmallBinsCnt     int
	SmallBinsFilling int
}

// Storage is the tiered storage engine of one shard. It moves large
// string payloads between the heap and a page-granular backing file,
// packing small values into shared pages and keeping recently offloaded
// payloads resident in a cool LRU until memory pressure evicts them.
//
// Every public method must run on the owning shard's executor; disk
// completions are posted back there by the op manager.
type Storage struct {
	shardID int
	cfg     Config

	disk *DiskFile
	ops  *OpManager
	bins *SmallBins
	cool *CoolQueue

	// lookup resolves a key to its live table entry, or nil. Stash and
	// fetch completions use it to detect entries that were deleted or
	// replaced while the disk operation was in flight.
	lookup func(KeyRef) *core.Entry
	// headroom returns the free heap budget in bytes. Negative values
	// mean the shard is over budget.
	headroom func() int64

	stats struct {
		stashes   uint64
		fetches   uint64
		cancels   uint64
		defrags   uint64
		overflows uint64
	}
	offloadedBytes uint64
	cursors        map[int]uint64
	lastFilling    int
}

// NewStorage opens the backing file and wires the engine parts together.
// post schedules a closure onto the shard executor.
func NewStorage(shardID int, cfg Config, lookup func(KeyRef) *core.Entry, headroom func() int64, post func(func())) (*Storage, error) {
	disk, err := OpenDiskFile(fmt.Sprintf("%s%d", cfg.Prefix, shardID), cfg.MaxFileSize, post)
	if err != nil {
		return nil, err
	}
	return &Storage{
		shardID:  shardID,
		cfg:      cfg,
		disk:     disk,
		ops:      NewOpManager(disk),
		bins:     NewSmallBins(),
		cool:     NewCoolQueue(),
		lookup:   lookup,
		headroom: headroom,
		cursors:  make(map[int]uint64),
	}, nil
}

// Close tears down the backing file.
func (s *Storage) Close() error { return s.disk.Close() }

// Stats returns a snapshot of the engine counters.
func (s *Storage) Stats() Stats {
	return Stats{
		TotalStashes:     s.stats.stashes,
		TotalFetches:     s.stats.fetches,
		TotalCancels:     s.stats.cancels,
		TotalDefrags:     s.stats.defrags,
		StashOverflowCnt: s.stats.overflows,
		PendingStashCnt:  s.ops.PendingStashCount(),
		OffloadedBytes:   s.offloadedBytes,
		AllocatedPages:   s.disk.UsedPages(),
		CapacityBytes:    s.disk.Capacity(),
		CoolMemory:       s.cool.UsedMemory(),
		CoolRecords:      s.cool.Size(),
		SmallBinsCnt:     s.bins.StashedBinCount(),
		SmallBinsFilling: s.bins.FillingBytes(),
	}
}

// ShouldStash reports whether the value is a tiering candidate at all.
func (s *Storage) ShouldStash(v *core.PrimeValue) bool {
	return v.Tag() == core.TagString &&
		!v.IsSticky() && !v.IsExternal() && !v.IsStashPending() &&
		v.Size() >= s.cfg.MinValueSize && v.Size() <= protocol.MaxValueSize
}

// TryStash starts offloading the entry's value. It returns false when
// the value is not a candidate or the write depth is exhausted.
func (s *Storage) TryStash(db int, e *core.Entry) (bool, error) {
	v := e.Value
	if !s.ShouldStash(v) {
		return false, nil
	}
	if s.ops.PendingStashCount() >= s.cfg.WriteDepth {
		s.stats.overflows++
		return false, nil
	}
	ref := KeyRef{DbIndex: db, Key: e.Key}
	data := v.StringView()
	v.SetStashPending()
	if Fits(ref, data) {
		sealed, ok := s.bins.Stash(ref, data)
		if ok {
			s.flushBin(sealed)
		}
		return true, nil
	}
	err := s.ops.Stash(KeyID(db, e.Key), data, func(seg core.DiskSegment, err error) {
		if err != nil {
			v.ClearStashPending()
			s.stats.overflows++
			return
		}
		s.markStashed(db, e.Key, v, seg)
	})
	if err != nil {
		v.ClearStashPending()
		s.stats.overflows++
		return false, err
	}
	return true, nil
}

func (s *Storage) flushBin(bin *FullBin) {
	err := s.ops.Stash(BinID(bin.ID), bin.Data, func(seg core.DiskSegment, err error) {
		if err != nil {
			for _, ref := range s.bins.CancelBin(bin.ID) {
				if e := s.lookup(ref); e != nil {
					e.Value.ClearStashPending()
				}
			}
			return
		}
		for _, be := range s.bins.ReportStashed(bin.ID, seg.Offset) {
			e := s.lookup(be.Key)
			if e == nil || !e.Value.IsStashPending() {
				continue
			}
			s.markStashed(be.Key.DbIndex, be.Key.Key, e.Value, be.Segment)
		}
	})
	if err != nil {
		for _, ref := range s.bins.CancelBin(bin.ID) {
			if e := s.lookup(ref); e != nil {
				e.Value.ClearStashPending()
			}
		}
		s.stats.overflows++
	}
}

func (s *Storage) markStashed(db int, key string, v *core.PrimeValue, seg core.DiskSegment) {
	s.stats.stashes++
	s.offloadedBytes += uint64(seg.Len)
	if s.cfg.CoolingEnabled {
		h := s.cool.PushFront(db, key, v)
		v.SetCool(h, seg)
		return
	}
	v.SetExternal(seg)
}

// CancelStash abandons an in-flight offload, leaving the value resident.
func (s *Storage) CancelStash(db int, key string, v *core.PrimeValue) {
	if !v.IsStashPending() {
		return
	}
	v.ClearStashPending()
	s.stats.cancels++
	ref := KeyRef{DbIndex: db, Key: key}
	if s.bins.CancelPending(ref) {
		return
	}
	if !s.ops.CancelStash(KeyID(db, key)) {
		slog.Error("cancel found no pending stash", "key", key)
		s.stats.overflows++
	}
}

// Delete releases whatever disk state the value holds. The caller
// removes the table entry itself.
func (s *Storage) Delete(db int, key string, v *core.PrimeValue) {
	if v.IsStashPending() {
		s.CancelStash(db, key, v)
		return
	}
	if !v.IsExternal() {
		return
	}
	if v.IsCool() {
		s.cool.Delete(v.Cool())
	}
	s.freeSegment(db, key, v.Segment())
	s.offloadedBytes -= uint64(v.Segment().Len)
}

func (s *Storage) freeSegment(db int, key string, seg core.DiskSegment) {
	pageOff := seg.Offset / protocol.PageSize * protocol.PageSize
	if !s.bins.Owns(pageOff) {
		s.ops.Free(seg)
		return
	}
	res := s.bins.ReportDelete(KeyRef{DbIndex: db, Key: key}, seg)
	switch {
	case res.FreePage:
		s.ops.Free(res.Page)
	case res.Defrag:
		s.startDefrag(res.BinId, res.Page)
	}
}

func (s *Storage) startDefrag(binID uint64, page core.DiskSegment) {
	s.stats.defrags++
	s.ops.Read(page, func(buf []byte, err error) {
		if err != nil {
			slog.Error("defrag read failed", "bin", binID, "err", err)
			return
		}
		live := s.bins.DeleteBin(binID)
		if live == nil {
			return
		}
		for ref, seg := range live {
			e := s.lookup(ref)
			if e == nil || !e.Value.Segment().ContainsOffset(seg.Offset) {
				continue
			}
			rel := seg.Offset - page.Offset
			data := append([]byte(nil), buf[rel:rel+uint64(seg.Len)]...)
			s.uploadValue(e.Value, data, seg)
		}
		s.ops.Free(page)
	})
}

// uploadValue restores a value to full residency and drops its disk
// accounting. The caller frees the pages.
func (s *Storage) uploadValue(v *core.PrimeValue, data []byte, seg core.DiskSegment) {
	if v.IsCool() {
		s.cool.Delete(v.Cool())
	}
	v.SetInline(data)
	s.offloadedBytes -= uint64(seg.Len)
}

// warmup promotes a cool value back to full residency, freeing its disk
// copy.
func (s *Storage) warmup(db int, key string, v *core.PrimeValue) {
	seg := v.Segment()
	data := v.StringView()
	s.cool.Delete(v.Cool())
	v.SetInline(data)
	s.offloadedBytes -= uint64(seg.Len)
	s.freeSegment(db, key, seg)
}

// Read resolves the string payload of the entry's value. Resident and
// cool values resolve immediately; cool values are warmed. External
// values are fetched from disk and, when heap budget allows, uploaded
// back to residency.
func (s *Storage) Read(db int, key string, e *core.Entry) *Future[[]byte] {
	v := e.Value
	if v.IsResident() {
		if v.IsCool() {
			s.warmup(db, key, v)
		}
		return ResolvedFuture(v.StringView())
	}
	fut := NewFuture[[]byte]()
	seg := v.Segment()
	s.ops.Read(seg, func(buf []byte, err error) {
		if err != nil {
			fut.Resolve(nil, err)
			return
		}
		s.stats.fetches++
		data := append([]byte(nil), buf...)
		cur := s.lookup(KeyRef{DbIndex: db, Key: key})
		if cur != nil && cur.Value == v && v.Segment() == seg && s.headroom() > 0 {
			s.uploadValue(v, data, seg)
			s.freeSegment(db, key, seg)
		}
		fut.Resolve(data, nil)
	})
	return fut
}

// Modify fetches the value if needed, restores it to residency and
// applies fn on the shard executor. The disk copy is always released
// since the mutation invalidates it.
func Modify[T any](s *Storage, db int, key string, e *core.Entry, fn func(*core.PrimeValue) T) *Future[T] {
	v := e.Value
	if v.IsStashPending() {
		s.CancelStash(db, key, v)
	}
	if v.IsResident() {
		if v.IsCool() {
			s.warmup(db, key, v)
		}
		return ResolvedFuture(fn(v))
	}
	fut := NewFuture[T]()
	seg := v.Segment()
	s.ops.Read(seg, func(buf []byte, err error) {
		if err != nil {
			var zero T
			fut.Resolve(zero, err)
			return
		}
		s.stats.fetches++
		cur := s.lookup(KeyRef{DbIndex: db, Key: key})
		if cur == nil || cur.Value != v || v.Segment() != seg {
			var zero T
			fut.Resolve(zero, protocol.ErrKeyNotFound)
			return
		}
		data := append([]byte(nil), buf...)
		s.uploadValue(v, data, seg)
		s.freeSegment(db, key, seg)
		fut.Resolve(fn(v), nil)
	})
	return fut
}

// FetchSync returns the string payload of a value without going through
// the executor, reading the backing file directly when the value is
// external. Pending-stash values are still resident so every state is
// covered.
func (s *Storage) FetchSync(v *core.PrimeValue) ([]byte, error) {
	if v.IsResident() {
		return v.StringView(), nil
	}
	s.stats.fetches++
	return s.disk.ReadSync(v.Segment().Offset, v.Segment().Len)
}

// RunOffloading is the periodic tiering tick for one database. It walks
// a slice of the table under a CLOCK policy, stashing untouched
// candidates while heap headroom is below the margin, seals a stalled
// filling bin and sheds cool payloads when pressure persists.
func (s *Storage) RunOffloading(db int, t *core.PrimeTable) {
	if filling := s.bins.FillingBytes(); filling > 0 && filling == s.lastFilling {
		if sealed, ok := s.bins.SealFilling(); ok {
			s.flushBin(sealed)
		}
	}
	s.lastFilling = s.bins.FillingBytes()

	if s.headroom() >= s.cfg.MemoryMargin {
		return
	}
	const maxBuckets = 200
	cursor := s.cursors[db]
	for i := 0; i < maxBuckets; i++ {
		if s.ops.PendingStashCount() >= s.cfg.WriteDepth {
			break
		}
		cursor = t.Traverse(cursor, func(e *core.Entry) {
			v := e.Value
			if v == nil || !s.ShouldStash(v) {
				return
			}
			if v.IsTouched() {
				v.ClearFlag(core.FlagTouched)
				return
			}
			if _, err := s.TryStash(db, e); err != nil {
				slog.Warn("offload stash failed", "key", e.Key, "err", err)
			}
		})
		if cursor == 0 {
			break
		}
	}
	s.cursors[db] = cursor

	if s.headroom() < int64(float64(s.cfg.MemoryMargin)*s.cfg.LowMemoryFactor) {
		s.ExternalizeColdEntries(8)
	}
}

// ExternalizeColdEntries drops the resident payload of the coldest cool
// records until roughly pages worth of bytes are shed. A bounded batch
// keeps the executor responsive.
func (s *Storage) ExternalizeColdEntries(pages int) {
	const maxBatch = 32
	target := int64(pages) * protocol.PageSize
	var freed int64
	for i := 0; i < maxBatch && freed < target; i++ {
		rec := s.cool.PopBack()
		if rec == nil {
			return
		}
		v := rec.Value
		freed += int64(v.MallocUsed())
		v.SetExternal(v.Segment())
	}
}
