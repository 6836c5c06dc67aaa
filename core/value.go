package core

import (
	"log/slog"
)

// Tag identifies the logical type of a PrimeValue.
type Tag uint8

const (
	TagString Tag = iota
	TagList
	TagSet
	TagZSet
	TagHash
	TagStream
	TagJSON
)

func (t Tag) String() string {
	switch t {
	case TagString:
		return "string"
	case TagList:
		return "list"
	case TagSet:
		return "set"
	case TagZSet:
		return "zset"
	case TagHash:
		return "hash"
	case TagStream:
		return "stream"
	case TagJSON:
		return "json"
	}
	return "unknown"
}

// Flags are per-value state bits packed into the value header.
type Flags uint8

const (
	FlagSticky Flags = 1 << iota
	FlagTouched
	FlagStashPending
	FlagExternal
	FlagCool
)

// DiskSegment addresses a byte range in the tiered backing file.
// Offsets are page-aligned only when the value occupies whole pages.
type DiskSegment struct {
	Offset uint64
	Len    uint32
}

// ContainsOffset reports whether off falls inside the segment.
func (s DiskSegment) ContainsOffset(off uint64) bool {
	return off >= s.Offset && off < s.Offset+uint64(s.Len)
}

// PageIndex returns the index of the first page the segment occupies.
func (s DiskSegment) PageIndex(pageSize uint64) uint64 {
	return s.Offset / pageSize
}

// CoolHandle is an opaque reference into the cool-queue arena. The
// generation is checked on every dereference so a stale handle is
// detected instead of silently reading a recycled record.
type CoolHandle struct {
	Index      uint32
	Generation uint32
}

// ZEntry is a (score, member) pair of a sorted set.
type ZEntry struct {
	Score  float64
	Member string
}

// PrimeValue is the value cell of the primary table. It is a tagged sum:
// exactly one of the payload fields below is meaningful for a given tag
// and residency state.
//
// Residency states for strings:
//
//	resident       inline bytes, no segment
//	stash-pending  inline bytes, write in flight
//	cool           inline bytes retained + disk segment + cool handle
//	external       disk segment only
type PrimeValue struct {
	tag   Tag
	flags Flags

	str  []byte
	list [][]byte
	set  map[string]struct{}
	zset []ZEntry
	hash map[string]string

	segment DiskSegment
	cool    CoolHandle
}

func NewString(b []byte) *PrimeValue {
	return &PrimeValue{tag: TagString, str: b}
}

func NewList(elems [][]byte) *PrimeValue {
	return &PrimeValue{tag: TagList, list: elems}
}

func NewSet(members []string) *PrimeValue {
	m := make(map[string]struct{}, len(members))
	for _, s := range members {
		m[s] = struct{}{}
	}
	return &PrimeValue{tag: TagSet, set: m}
}

func NewZSet(entries []ZEntry) *PrimeValue {
	return &PrimeValue{tag: TagZSet, zset: entries}
}

func NewHash(fields map[string]string) *PrimeValue {
	return &PrimeValue{tag: TagHash, hash: fields}
}

func (v *PrimeValue) Tag() Tag     { return v.tag }
func (v *PrimeValue) Flags() Flags { return v.flags }

func (v *PrimeValue) HasFlag(f Flags) bool { return v.flags&f != 0 }
func (v *PrimeValue) SetFlag(f Flags)      { v.flags |= f }
func (v *PrimeValue) ClearFlag(f Flags)    { v.flags &^= f }

func (v *PrimeValue) IsSticky() bool       { return v.HasFlag(FlagSticky) }
func (v *PrimeValue) IsTouched() bool      { return v.HasFlag(FlagTouched) }
func (v *PrimeValue) IsStashPending() bool { return v.HasFlag(FlagStashPending) }
func (v *PrimeValue) IsExternal() bool     { return v.HasFlag(FlagExternal) }
func (v *PrimeValue) IsCool() bool         { return v.HasFlag(FlagCool) }

// IsResident reports whether the value bytes are available in memory.
func (v *PrimeValue) IsResident() bool {
	return !v.IsExternal() || v.IsCool()
}

// SetStashPending flags the value as having a write in flight. The value
// stays resident until the write completes.
func (v *PrimeValue) SetStashPending() {
	if v.IsExternal() {
		slog.Error("invariant broken: stash-pending on external value")
		return
	}
	v.SetFlag(FlagStashPending)
}

// SetExternal drops the resident payload and points the value at segment.
func (v *PrimeValue) SetExternal(segment DiskSegment) {
	v.str = nil
	v.cool = CoolHandle{}
	v.segment = segment
	v.ClearFlag(FlagStashPending | FlagCool)
	v.SetFlag(FlagExternal)
}

// SetCool keeps the resident bytes, records the disk segment and the
// back-reference into the cool queue.
func (v *PrimeValue) SetCool(h CoolHandle, segment DiskSegment) {
	v.cool = h
	v.segment = segment
	v.ClearFlag(FlagStashPending)
	v.SetFlag(FlagExternal | FlagCool)
}

// SetInline restores a fully resident string payload.
func (v *PrimeValue) SetInline(b []byte) {
	v.tag = TagString
	v.str = b
	v.segment = DiskSegment{}
	v.cool = CoolHandle{}
	v.ClearFlag(FlagStashPending | FlagExternal | FlagCool)
}

// ClearStashPending cancels an in-flight stash without changing residency.
func (v *PrimeValue) ClearStashPending() { v.ClearFlag(FlagStashPending) }

// Segment returns the disk segment of an external or cool value.
func (v *PrimeValue) Segment() DiskSegment { return v.segment }

// SetSegment rewrites the disk segment in place (cool offset recompute).
func (v *PrimeValue) SetSegment(s DiskSegment) { v.segment = s }

// Cool returns the cool-queue handle of a cool value.
func (v *PrimeValue) Cool() CoolHandle { return v.cool }

// StringView returns the resident bytes of a string value. It must not be
// called on a fully external value.
func (v *PrimeValue) StringView() []byte {
	if v.IsExternal() && !v.IsCool() {
		slog.Error("invariant broken: reading bytes of an external value")
		return nil
	}
	return v.str
}

func (v *PrimeValue) List() [][]byte          { return v.list }
func (v *PrimeValue) Set() map[string]struct{} { return v.set }
func (v *PrimeValue) ZSet() []ZEntry          { return v.zset }
func (v *PrimeValue) Hash() map[string]string { return v.hash }

// AppendString appends to a resident string value and returns the new size.
func (v *PrimeValue) AppendString(b []byte) int {
	v.str = append(v.str, b...)
	return len(v.str)
}

// Size returns the logical payload size in bytes. For an external value
// this is the segment length.
func (v *PrimeValue) Size() int {
	if v.IsExternal() && !v.IsCool() {
		return int(v.segment.Len)
	}
	switch v.tag {
	case TagString:
		return len(v.str)
	case TagList:
		n := 0
		for _, e := range v.list {
			n += len(e)
		}
		return n
	case TagSet:
		n := 0
		for m := range v.set {
			n += len(m)
		}
		return n
	case TagZSet:
		n := 0
		for _, e := range v.zset {
			n += len(e.Member) + 8
		}
		return n
	case TagHash:
		n := 0
		for f, val := range v.hash {
			n += len(f) + len(val)
		}
		return n
	}
	return 0
}

// MallocUsed approximates the heap footprint of the resident payload.
func (v *PrimeValue) MallocUsed() int {
	n := v.Size()
	switch v.tag {
	case TagList:
		n += 24 * len(v.list)
	case TagSet:
		n += 48 * len(v.set)
	case TagZSet:
		n += 24 * len(v.zset)
	case TagHash:
		n += 48 * len(v.hash)
	}
	return n
}
