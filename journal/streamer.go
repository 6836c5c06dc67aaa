package journal

import (
	"bytes"
	"log/slog"
	"net"
	"sync"
	"time"

	"stormkv/protocol"
)

// AsyncSink is the destination of a streamer. AsyncWrite must invoke
// done exactly once from its own goroutine; writes are serialized by the
// streamer so at most one is outstanding.
type AsyncSink interface {
	AsyncWrite(bufs net.Buffers, done func(error))
}

// Context is the error surface of one replication flow. The first
// reported error wins and cancels the flow.
type Context struct {
	mu   sync.Mutex
	err  error
	done chan struct{}
}

func NewContext() *Context {
	return &Context{done: make(chan struct{})}
}

// ReportError records the first error and cancels the context. A nil
// error cancels without recording.
func (c *Context) ReportError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return
	default:
	}
	c.err = err
	close(c.done)
}

// Cancel cancels the flow without an error.
func (c *Context) Cancel() { c.ReportError(nil) }

// Err returns the recorded error, nil while the flow is live.
func (c *Context) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed once the flow is canceled or failed.
func (c *Context) Done() <-chan struct{} { return c.done }

// Canceled reports whether the flow has ended.
func (c *Context) Canceled() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

const heartbeatInterval = 3 * time.Second

// Streamer pumps journal records into an AsyncSink. Records accumulate
// in a pending buffer while one write is in flight; producers that run
// with allowAwait are throttled once the buffered bytes exceed the
// output limit, and a stalled consumer fails the flow after the
// replication timeout. A periodic LSN heartbeat keeps an otherwise idle
// stream verifiably live.
type Streamer struct {
	journal *Journal
	cntx    *Context
	sink    AsyncSink

	mu         sync.Mutex
	pending    *bytes.Buffer
	spare      *bytes.Buffer
	enc        *Encoder
	writing    bool
	buffered   int
	waker      chan struct{}
	lastLSN    uint64
	hbLastLSN  uint64
	recordCnt  uint64
	consumerID uint32
	hbStop     chan struct{}
	hbDone     sync.WaitGroup
}

func NewStreamer(j *Journal, cntx *Context) *Streamer {
	pending := &bytes.Buffer{}
	return &Streamer{
		journal: j,
		cntx:    cntx,
		pending: pending,
		spare:   &bytes.Buffer{},
		enc:     NewEncoder(pending),
		waker:   make(chan struct{}),
		hbStop:  make(chan struct{}),
	}
}

// Start attaches the streamer to its journal and begins pumping every
// record into dest.
func (s *Streamer) Start(dest AsyncSink) {
	s.start(dest, func(e Entry, allowAwait bool) {
		s.Write(e)
		if allowAwait {
			s.ThrottleIfNeeded()
		}
	})
}

// start attaches the streamer with cb as its journal consumer. Derived
// streamers install a filtering callback here.
func (s *Streamer) start(dest AsyncSink, cb ChangeCallback) {
	s.sink = dest
	s.consumerID = s.journal.RegisterOnChange(cb)
	s.hbDone.Add(1)
	go s.heartbeatLoop()
}

// RecordCount returns the number of records written so far.
func (s *Streamer) RecordCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordCnt
}

// Write encodes e into the stream.
func (s *Streamer) Write(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := s.pending.Len()
	s.enc.WriteEntry(e)
	s.buffered += s.pending.Len() - before
	s.recordCnt++
	if e.LSN > s.lastLSN {
		s.lastLSN = e.LSN
	}
	s.maybeSendLocked()
}

func (s *Streamer) maybeSendLocked() {
	if s.writing || s.pending.Len() == 0 || s.cntx.Canceled() {
		return
	}
	out := s.pending
	s.pending, s.spare = s.spare, s.pending
	s.pending.Reset()
	s.enc.buf = s.pending
	s.writing = true
	n := out.Len()
	s.sink.AsyncWrite(net.Buffers{out.Bytes()}, func(err error) {
		s.writeDone(n, err)
	})
}

func (s *Streamer) writeDone(n int, err error) {
	s.mu.Lock()
	s.writing = false
	s.buffered -= n
	if err != nil {
		s.mu.Unlock()
		s.cntx.ReportError(err)
		return
	}
	if s.buffered <= protocol.StreamOutputLimit {
		close(s.waker)
		s.waker = make(chan struct{})
	}
	s.maybeSendLocked()
	s.mu.Unlock()
}

// ThrottleIfNeeded blocks the producing fiber while the buffered bytes
// exceed the output limit. A consumer that fails to drain within the
// replication timeout fails the flow.
func (s *Streamer) ThrottleIfNeeded() {
	deadline := time.Now().Add(protocol.ReplicationTimeout)
	for {
		s.mu.Lock()
		if s.buffered <= protocol.StreamOutputLimit {
			s.mu.Unlock()
			return
		}
		w := s.waker
		buffered := s.buffered
		s.mu.Unlock()
		if s.cntx.Canceled() {
			return
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			slog.Warn("replication stream stalled", "buffered", buffered)
			s.cntx.ReportError(protocol.ErrStreamTimeout)
			return
		}
		timer := time.NewTimer(remaining)
		select {
		case <-w:
		case <-s.cntx.Done():
		case <-timer.C:
		}
		timer.Stop()
	}
}

// Drain blocks until every buffered byte has been handed to the sink,
// the flow ends, or the replication timeout expires.
func (s *Streamer) Drain() {
	deadline := time.Now().Add(protocol.ReplicationTimeout)
	for {
		s.mu.Lock()
		idle := s.buffered == 0 && !s.writing
		w := s.waker
		buffered := s.buffered
		s.mu.Unlock()
		if idle || s.cntx.Canceled() {
			return
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			slog.Warn("replication stream failed to drain", "buffered", buffered)
			s.cntx.ReportError(protocol.ErrStreamTimeout)
			return
		}
		timer := time.NewTimer(remaining)
		select {
		case <-w:
		case <-s.cntx.Done():
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (s *Streamer) heartbeatLoop() {
	defer s.hbDone.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.hbStop:
			return
		case <-s.cntx.Done():
			return
		case <-ticker.C:
		}
		s.mu.Lock()
		if s.lastLSN == s.hbLastLSN && s.lastLSN > 0 {
			before := s.pending.Len()
			s.enc.WriteEntry(Entry{Op: protocol.OpJournalLSN, LSN: s.lastLSN})
			s.buffered += s.pending.Len() - before
			s.maybeSendLocked()
		}
		s.hbLastLSN = s.lastLSN
		s.mu.Unlock()
	}
}

// Cancel detaches the streamer and waits for the in-flight write to
// drain, warning once per second while it does.
func (s *Streamer) Cancel() {
	if s.consumerID != 0 {
		s.journal.UnregisterOnChange(s.consumerID)
		s.consumerID = 0
	}
	select {
	case <-s.hbStop:
	default:
		close(s.hbStop)
	}
	s.hbDone.Wait()
	waited := time.Duration(0)
	for {
		s.mu.Lock()
		idle := !s.writing
		s.mu.Unlock()
		if idle || waited >= protocol.ReplicationTimeout {
			if !idle {
				slog.Error("abandoning in-flight stream write", "waited", waited)
			}
			return
		}
		time.Sleep(time.Second)
		waited += time.Second
		slog.Warn("waiting for stream write to drain", "waited", waited)
	}
}
