package journal

import (
	"bytes"
	"io"
	"reflect"
	"testing"

	"stormkv/protocol"
)

func decodeAll(t *testing.T, data []byte) []Entry {
	t.Helper()
	dec := NewDecoder(bytes.NewReader(data))
	var out []Entry
	for {
		e, err := dec.ReadEntry()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("ReadEntry failed: %v", err)
		}
		out = append(out, e)
	}
}

func TestCodecRoundTrip(t *testing.T) {
	entries := []Entry{
		{LSN: 1, TxID: 10, Op: protocol.OpJournalCommand, DbIndex: 0, ShardCnt: 4, Slot: 99,
			Cmd: "SET", Args: [][]byte{[]byte("k"), []byte("v")}},
		{LSN: 2, Op: protocol.OpJournalNoop, DbIndex: 0, Slot: 0},
		{LSN: 3, TxID: 11, Op: protocol.OpJournalCommand, DbIndex: 2, ShardCnt: 4, Slot: 100,
			Cmd: "DEL", Args: [][]byte{[]byte("gone")}},
		{LSN: 4, Op: protocol.OpJournalLSN, DbIndex: 2},
		{LSN: 5, TxID: 12, Op: protocol.OpJournalCommand, DbIndex: 2, ShardCnt: 4, Slot: 100,
			Cmd: "STICK", Args: [][]byte{[]byte("gone")}},
	}

	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for _, e := range entries {
		enc.WriteEntry(e)
	}

	got := decodeAll(t, buf.Bytes())
	if len(got) != len(entries) {
		t.Fatalf("decoded %d entries; want %d", len(got), len(entries))
	}
	for i, e := range entries {
		g := got[i]
		if g.Op != e.Op || g.DbIndex != e.DbIndex || g.Cmd != e.Cmd || g.Slot != e.Slot && e.HasPayload() {
			t.Errorf("entry %d = %+v; want %+v", i, g, e)
		}
		if e.HasPayload() {
			if g.LSN != e.LSN || g.TxID != e.TxID || g.ShardCnt != e.ShardCnt {
				t.Errorf("entry %d header = %+v; want %+v", i, g, e)
			}
			if !reflect.DeepEqual(g.Args, e.Args) {
				t.Errorf("entry %d args = %v; want %v", i, g.Args, e.Args)
			}
		}
	}
}

func TestCodecSelectInterleaving(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	enc.WriteEntry(Entry{LSN: 1, Op: protocol.OpJournalCommand, DbIndex: 3, Slot: 1, Cmd: "SET",
		Args: [][]byte{[]byte("a"), []byte("1")}})
	enc.WriteEntry(Entry{LSN: 2, Op: protocol.OpJournalCommand, DbIndex: 3, Slot: 1, Cmd: "SET",
		Args: [][]byte{[]byte("b"), []byte("2")}})

	// One SELECT for two same-database commands.
	if buf.Bytes()[0] != protocol.OpJournalSelect {
		t.Fatal("stream must open with a SELECT record")
	}
	if n := bytes.Count(buf.Bytes(), []byte{protocol.OpJournalSelect}); n < 1 {
		t.Fatal("missing SELECT record")
	}
	got := decodeAll(t, buf.Bytes())
	if len(got) != 2 {
		t.Fatalf("decoded %d entries; want 2", len(got))
	}
	for _, e := range got {
		if e.DbIndex != 3 {
			t.Errorf("DbIndex = %d; want 3", e.DbIndex)
		}
	}
}

func TestCodecDecoderStateSpansWrites(t *testing.T) {
	// A decoder fed two separate encoder outputs keeps the selected
	// database between them only if the second stream re-selects; a fresh
	// encoder always does.
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	enc.WriteEntry(Entry{LSN: 1, Op: protocol.OpJournalCommand, DbIndex: 1, Slot: 0, Cmd: "SET",
		Args: [][]byte{[]byte("k"), []byte("v")}})

	var buf2 bytes.Buffer
	enc2 := NewEncoder(&buf2)
	enc2.WriteEntry(Entry{LSN: 2, Op: protocol.OpJournalCommand, DbIndex: 1, Slot: 0, Cmd: "DEL",
		Args: [][]byte{[]byte("k")}})

	got := decodeAll(t, append(buf.Bytes(), buf2.Bytes()...))
	if len(got) != 2 {
		t.Fatalf("decoded %d entries; want 2", len(got))
	}
	if got[1].DbIndex != 1 {
		t.Errorf("second entry DbIndex = %d; want 1", got[1].DbIndex)
	}
}

func TestCodecUnknownOpcode(t *testing.T) {
	dec := NewDecoder(bytes.NewReader([]byte{0xEE}))
	if _, err := dec.ReadEntry(); err == nil {
		t.Error("expected error for unknown opcode")
	}
}

func TestCodecTruncatedCommand(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	enc.WriteEntry(Entry{LSN: 1, Op: protocol.OpJournalCommand, DbIndex: 0, Slot: 0, Cmd: "SET",
		Args: [][]byte{[]byte("key"), []byte("value")}})

	dec := NewDecoder(bytes.NewReader(buf.Bytes()[:buf.Len()-3]))
	if _, err := dec.ReadEntry(); err == nil {
		t.Error("expected error for truncated stream")
	}
}
