package journal

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"stormkv/protocol"
)

// captureSink is an AsyncSink backed by a buffer. Writes complete on a
// separate goroutine like a real connection would.
type captureSink struct {
	mu    sync.Mutex
	data  bytes.Buffer
	delay time.Duration
	fail  error
}

func (s *captureSink) AsyncWrite(bufs net.Buffers, done func(error)) {
	go func() {
		if s.delay > 0 {
			time.Sleep(s.delay)
		}
		s.mu.Lock()
		fail := s.fail
		if fail == nil {
			for _, b := range bufs {
				s.data.Write(b)
			}
		}
		s.mu.Unlock()
		done(fail)
	}()
}

func (s *captureSink) snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.data.Bytes()...)
}

// stalledSink accepts writes but never completes them.
type stalledSink struct{}

func (stalledSink) AsyncWrite(bufs net.Buffers, done func(error)) {}

func waitEntries(t *testing.T, sink *captureSink, n int) []Entry {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		dec := NewDecoder(bytes.NewReader(sink.snapshot()))
		var out []Entry
		for {
			e, err := dec.ReadEntry()
			if err != nil {
				break
			}
			out = append(out, e)
		}
		if len(out) >= n {
			return out
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d streamed entries, have %d", n, len(out))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStreamerDeliversEntries(t *testing.T) {
	j := NewJournal(64)
	cntx := NewContext()
	s := NewStreamer(j, cntx)
	sink := &captureSink{}
	s.Start(sink)
	defer s.Cancel()

	j.Append(NewCommand(1, 0, 1, 5, "SET", [][]byte{[]byte("k"), []byte("v")}), true)
	j.Append(NewCommand(2, 0, 1, 5, "DEL", [][]byte{[]byte("k")}), true)

	got := waitEntries(t, sink, 2)
	if got[0].Cmd != "SET" || got[1].Cmd != "DEL" {
		t.Errorf("streamed commands = %s, %s", got[0].Cmd, got[1].Cmd)
	}
	if got[0].LSN != 1 || got[1].LSN != 2 {
		t.Errorf("streamed LSNs = %d, %d", got[0].LSN, got[1].LSN)
	}
	if s.RecordCount() != 2 {
		t.Errorf("RecordCount = %d; want 2", s.RecordCount())
	}
}

func TestStreamerCoalescesWhileWriting(t *testing.T) {
	j := NewJournal(64)
	cntx := NewContext()
	s := NewStreamer(j, cntx)
	sink := &captureSink{delay: 20 * time.Millisecond}
	s.Start(sink)
	defer s.Cancel()

	// Entries appended while the first write is in flight pile into the
	// pending buffer and go out as one batch.
	const n = 10
	for i := 0; i < n; i++ {
		j.Append(NewCommand(uint64(i), 0, 1, 1, "SET", [][]byte{[]byte("k"), []byte("v")}), false)
	}
	got := waitEntries(t, sink, n)
	if len(got) != n {
		t.Errorf("streamed %d entries; want %d", len(got), n)
	}
}

func TestStreamerWriteFailureCancelsFlow(t *testing.T) {
	j := NewJournal(64)
	cntx := NewContext()
	s := NewStreamer(j, cntx)
	wantErr := errors.New("broken pipe")
	s.Start(&captureSink{fail: wantErr})
	defer s.Cancel()

	j.Append(NewCommand(1, 0, 1, 0, "SET", [][]byte{[]byte("k"), []byte("v")}), true)

	select {
	case <-cntx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("flow not canceled after write failure")
	}
	if !errors.Is(cntx.Err(), wantErr) {
		t.Errorf("Err = %v; want %v", cntx.Err(), wantErr)
	}
}

func TestStreamerThrottleTimesOutOnStall(t *testing.T) {
	oldLimit, oldTimeout := protocol.StreamOutputLimit, protocol.ReplicationTimeout
	protocol.StreamOutputLimit = 64
	protocol.ReplicationTimeout = 50 * time.Millisecond
	defer func() {
		protocol.StreamOutputLimit = oldLimit
		protocol.ReplicationTimeout = oldTimeout
	}()

	j := NewJournal(64)
	cntx := NewContext()
	s := NewStreamer(j, cntx)
	s.Start(stalledSink{})
	defer s.Cancel()

	big := bytes.Repeat([]byte("v"), 128)
	j.Append(NewCommand(1, 0, 1, 0, "SET", [][]byte{[]byte("a"), big}), false)
	j.Append(NewCommand(2, 0, 1, 0, "SET", [][]byte{[]byte("b"), big}), false)

	start := time.Now()
	s.ThrottleIfNeeded()
	if time.Since(start) > time.Second {
		t.Error("throttle blocked past the replication timeout")
	}
	if !errors.Is(cntx.Err(), protocol.ErrStreamTimeout) {
		t.Errorf("Err = %v; want ErrStreamTimeout", cntx.Err())
	}
}

func TestStreamerThrottleReleasesOnDrain(t *testing.T) {
	oldLimit := protocol.StreamOutputLimit
	protocol.StreamOutputLimit = 64
	defer func() { protocol.StreamOutputLimit = oldLimit }()

	j := NewJournal(64)
	cntx := NewContext()
	s := NewStreamer(j, cntx)
	sink := &captureSink{delay: 30 * time.Millisecond}
	s.Start(sink)
	defer s.Cancel()

	big := bytes.Repeat([]byte("v"), 128)
	j.Append(NewCommand(1, 0, 1, 0, "SET", [][]byte{[]byte("a"), big}), false)
	j.Append(NewCommand(2, 0, 1, 0, "SET", [][]byte{[]byte("b"), big}), false)

	s.ThrottleIfNeeded()
	if cntx.Err() != nil {
		t.Errorf("flow failed during drain: %v", cntx.Err())
	}
	waitEntries(t, sink, 2)
}

func TestStreamerHeartbeatOnIdle(t *testing.T) {
	// The heartbeat only fires on a 3s ticker; streaming an LSN record
	// through the encoder directly verifies the wire form instead.
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	enc.WriteEntry(Entry{Op: protocol.OpJournalLSN, LSN: 77})

	dec := NewDecoder(bytes.NewReader(buf.Bytes()))
	e, err := dec.ReadEntry()
	if err != nil {
		t.Fatalf("ReadEntry failed: %v", err)
	}
	if e.Op != protocol.OpJournalLSN || e.LSN != 77 {
		t.Errorf("heartbeat record = %+v", e)
	}
	if _, err := dec.ReadEntry(); err != io.EOF {
		t.Errorf("trailing read err = %v; want EOF", err)
	}
}

func TestContextFirstErrorWins(t *testing.T) {
	cntx := NewContext()
	first := errors.New("first")
	cntx.ReportError(first)
	cntx.ReportError(errors.New("second"))
	if !errors.Is(cntx.Err(), first) {
		t.Errorf("Err = %v; want first", cntx.Err())
	}
	if !cntx.Canceled() {
		t.Error("Canceled = false after error")
	}
}
