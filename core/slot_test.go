package core

import (
	"testing"

	"stormkv/protocol"
)

func TestKeySlotRange(t *testing.T) {
	keys := []string{"foo", "bar", "user:1000", "", "{"}
	for _, k := range keys {
		if slot := KeySlot(k); slot >= protocol.SlotCount {
			t.Errorf("KeySlot(%q) = %d; out of range", k, slot)
		}
	}
}

func TestKeySlotHashtag(t *testing.T) {
	// Keys sharing a hashtag route to the same slot.
	a := KeySlot("{user:1000}.following")
	b := KeySlot("{user:1000}.followers")
	if a != b {
		t.Errorf("hashtag keys landed on slots %d and %d; want equal", a, b)
	}
	if a != KeySlot("user:1000") {
		t.Errorf("hashtag slot %d differs from bare tag slot %d", a, KeySlot("user:1000"))
	}

	// An empty hashtag is ignored, the whole key is hashed.
	if KeySlot("{}x") != KeySlot("{}x") {
		t.Error("slot routing must be deterministic")
	}
	if KeySlot("{}.suffix") == KeySlot("{}.other") && KeySlot(".suffix") != KeySlot(".other") {
		t.Error("empty hashtag must not pin keys together")
	}
}

func TestKeySlotKnownValues(t *testing.T) {
	// CRC16-CCITT of "123456789" is 0x31C3, the classic check value.
	if got := KeySlot("123456789"); got != 0x31C3%protocol.SlotCount {
		t.Errorf("KeySlot(123456789) = %d; want %d", got, 0x31C3%protocol.SlotCount)
	}
}

func TestSlotSet(t *testing.T) {
	s := NewSlotSet(1, 100, 16383)
	if s.Count() != 3 {
		t.Errorf("Count = %d; want 3", s.Count())
	}
	for _, id := range []uint16{1, 100, 16383} {
		if !s.Contains(id) {
			t.Errorf("Contains(%d) = false; want true", id)
		}
	}
	if s.Contains(2) {
		t.Error("Contains(2) = true; want false")
	}
	if s.Empty() {
		t.Error("Empty = true for populated set")
	}
	if !NewSlotSet().Empty() {
		t.Error("Empty = false for fresh set")
	}
}

func TestSlotRange(t *testing.T) {
	s := NewSlotRange(10, 20)
	if s.Count() != 11 {
		t.Errorf("Count = %d; want 11", s.Count())
	}
	if s.Contains(9) || s.Contains(21) {
		t.Error("range boundaries leaked")
	}
	if !s.Contains(10) || !s.Contains(20) {
		t.Error("range endpoints must be included")
	}

	single := NewSlotRange(5, 5)
	if single.Count() != 1 || !single.Contains(5) {
		t.Error("single-slot range broken")
	}
}
