package tiered

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"stormkv/core"
	"stormkv/protocol"
)

func ref(key string) KeyRef { return KeyRef{DbIndex: 0, Key: key} }

func TestFits(t *testing.T) {
	if !Fits(ref("k"), []byte("small")) {
		t.Error("small value should fit")
	}
	if Fits(ref("k"), make([]byte, binCapacity)) {
		t.Error("value at bin capacity cannot fit with its header")
	}
}

func TestStashSealsOnOverflow(t *testing.T) {
	b := NewSmallBins()
	val := bytes.Repeat([]byte("x"), 1500)

	if _, sealed := b.Stash(ref("a"), val); sealed {
		t.Fatal("first entry must not seal")
	}
	if _, sealed := b.Stash(ref("b"), val); sealed {
		t.Fatal("second entry must not seal")
	}
	bin, sealed := b.Stash(ref("c"), val)
	if !sealed {
		t.Fatal("third entry should overflow and seal")
	}

	// The sealed page holds the first two entries; the third starts the
	// next bin.
	if got := binary.BigEndian.Uint16(bin.Data[protocol.PageSize-2:]); got != 2 {
		t.Errorf("footer count = %d; want 2", got)
	}
	if b.FillingBytes() != entrySize(ref("c"), val) {
		t.Errorf("FillingBytes = %d; want %d", b.FillingBytes(), entrySize(ref("c"), val))
	}
}

func TestSealedPageLayout(t *testing.T) {
	b := NewSmallBins()
	b.Stash(ref("key1"), []byte("value-one"))
	b.Stash(ref("key2"), []byte("value-two!"))

	bin, ok := b.SealFilling()
	if !ok {
		t.Fatal("SealFilling returned nothing")
	}

	// Walk the page: [u16 keyLen][key][u32 valLen][val] per entry.
	pos := uint32(0)
	want := []struct{ key, val string }{{"key1", "value-one"}, {"key2", "value-two!"}}
	for _, w := range want {
		kl := binary.BigEndian.Uint16(bin.Data[pos:])
		pos += 2
		if got := string(bin.Data[pos : pos+uint32(kl)]); got != w.key {
			t.Errorf("key = %q; want %q", got, w.key)
		}
		pos += uint32(kl)
		vl := binary.BigEndian.Uint32(bin.Data[pos:])
		pos += 4
		if got := string(bin.Data[pos : pos+vl]); got != w.val {
			t.Errorf("val = %q; want %q", got, w.val)
		}
		pos += vl
	}
	if got := binary.BigEndian.Uint16(bin.Data[protocol.PageSize-2:]); got != 2 {
		t.Errorf("footer count = %d; want 2", got)
	}
}

func TestReportStashedSegments(t *testing.T) {
	b := NewSmallBins()
	b.Stash(ref("a"), []byte("alpha"))
	b.Stash(ref("b"), []byte("beta"))
	bin, _ := b.SealFilling()

	pageOff := uint64(3 * protocol.PageSize)
	entries := b.ReportStashed(bin.ID, pageOff)
	if len(entries) != 2 {
		t.Fatalf("got %d entries; want 2", len(entries))
	}
	for _, be := range entries {
		if be.Segment.Offset < pageOff || be.Segment.Offset >= pageOff+protocol.PageSize {
			t.Errorf("segment %+v outside page", be.Segment)
		}
		rel := be.Segment.Offset - pageOff
		got := string(bin.Data[rel : rel+uint64(be.Segment.Len)])
		wantVal := map[string]string{"a": "alpha", "b": "beta"}[be.Key.Key]
		if got != wantVal {
			t.Errorf("segment of %q reads %q; want %q", be.Key.Key, got, wantVal)
		}
	}
	if !b.Owns(pageOff) {
		t.Error("Owns(pageOff) = false after report")
	}
	if b.StashedBinCount() != 1 {
		t.Errorf("StashedBinCount = %d; want 1", b.StashedBinCount())
	}
}

func TestCancelPendingInFilling(t *testing.T) {
	b := NewSmallBins()
	b.Stash(ref("keep"), []byte("kept"))
	b.Stash(ref("drop"), []byte("dropped"))

	if !b.CancelPending(ref("drop")) {
		t.Fatal("CancelPending returned false")
	}
	if b.CancelPending(ref("drop")) {
		t.Error("second cancel should be a no-op")
	}
	if b.FillingBytes() != entrySize(ref("keep"), []byte("kept")) {
		t.Errorf("FillingBytes = %d after cancel", b.FillingBytes())
	}

	bin, _ := b.SealFilling()
	if got := binary.BigEndian.Uint16(bin.Data[protocol.PageSize-2:]); got != 1 {
		t.Errorf("footer count = %d; want 1 (dead entry skipped)", got)
	}
}

func TestCancelBinReturnsLiveKeys(t *testing.T) {
	b := NewSmallBins()
	b.Stash(ref("a"), []byte("one"))
	b.Stash(ref("b"), []byte("two"))
	bin, _ := b.SealFilling()
	b.CancelPending(ref("b"))

	keys := b.CancelBin(bin.ID)
	if len(keys) != 1 || keys[0] != ref("a") {
		t.Errorf("CancelBin keys = %v; want [a]", keys)
	}
	if b.CancelBin(bin.ID) != nil {
		t.Error("second CancelBin should return nil")
	}
}

func TestReportDeleteFreesEmptyPage(t *testing.T) {
	b := NewSmallBins()
	b.Stash(ref("only"), []byte("payload"))
	bin, _ := b.SealFilling()
	entries := b.ReportStashed(bin.ID, 0)

	res := b.ReportDelete(ref("only"), entries[0].Segment)
	if !res.FreePage {
		t.Fatal("expected FreePage for last entry")
	}
	if res.Page.Offset != 0 || res.Page.Len != protocol.PageSize {
		t.Errorf("page = %+v; want whole page at 0", res.Page)
	}
	if b.Owns(0) {
		t.Error("page still owned after free")
	}
}

func TestReportDeleteTriggersDefrag(t *testing.T) {
	b := NewSmallBins()
	big := strings.Repeat("v", 1300)
	b.Stash(ref("a"), []byte(big))
	b.Stash(ref("b"), []byte(big))
	b.Stash(ref("c"), []byte(big))
	bin, _ := b.SealFilling()
	entries := b.ReportStashed(bin.ID, 0)

	segs := make(map[string]core.DiskSegment)
	for _, be := range entries {
		segs[be.Key.Key] = be.Segment
	}

	// Occupancy stays above half after one delete.
	if res := b.ReportDelete(ref("a"), segs["a"]); res.FreePage || res.Defrag {
		t.Errorf("first delete should be a no-op, got %+v", res)
	}
	// The second drop falls below half occupancy.
	res := b.ReportDelete(ref("b"), segs["b"])
	if !res.Defrag {
		t.Fatalf("expected Defrag, got %+v", res)
	}
	if res.BinId != bin.ID {
		t.Errorf("BinId = %d; want %d", res.BinId, bin.ID)
	}

	// Defrag is requested once per bin.
	if again := b.ReportDelete(ref("b"), segs["b"]); again.Defrag {
		t.Error("repeated delete re-requested defrag")
	}

	live := b.DeleteBin(bin.ID)
	if len(live) != 1 {
		t.Fatalf("DeleteBin live = %d entries; want 1", len(live))
	}
	if _, ok := live[ref("c")]; !ok {
		t.Error("surviving entry c missing from DeleteBin result")
	}
	if b.DeleteBin(bin.ID) != nil {
		t.Error("second DeleteBin should return nil")
	}
}
