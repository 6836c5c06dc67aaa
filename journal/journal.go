package journal

import (
	"sync"

	"stormkv/protocol"
)

// ChangeCallback observes appended records. allowAwait is true when the
// caller runs in a context that may block, letting consumers apply
// back-pressure from inside the callback.
type ChangeCallback func(e Entry, allowAwait bool)

type consumer struct {
	id uint32
	cb ChangeCallback
}

// Journal is the per-shard change log. Appends assign strictly
// monotonic LSNs, retain a bounded window of recent records for catch-up
// and fan records out to registered consumers synchronously.
//
// Append must run on the owning shard's executor; the consumer registry
// alone is guarded so streamers can attach from coordinating fibers.
type Journal struct {
	nextLSN uint64
	ring    []Entry
	mask    uint64

	mu        sync.RWMutex
	consumers []consumer
	nextID    uint32
}

// NewJournal creates a journal retaining bufferSize records (rounded up
// to a power of two).
func NewJournal(bufferSize int) *Journal {
	n := 1
	for n < bufferSize {
		n <<= 1
	}
	return &Journal{ring: make([]Entry, n), mask: uint64(n - 1), nextLSN: 1}
}

// NextLSN returns the LSN the next append will receive.
func (j *Journal) NextLSN() uint64 { return j.nextLSN }

// Append assigns the next LSN to e, retains it in the ring and notifies
// every consumer. It returns the assigned LSN.
func (j *Journal) Append(e Entry, allowAwait bool) uint64 {
	e.LSN = j.nextLSN
	j.nextLSN++
	j.ring[e.LSN&j.mask] = e
	j.notify(e, allowAwait)
	return e.LSN
}

// AppendNoop writes a no-op record, used to push the LSN forward when a
// command touched the shard without mutating it.
func (j *Journal) AppendNoop(txID uint64, shardCnt uint32) uint64 {
	return j.Append(Entry{TxID: txID, Op: protocol.OpJournalNoop, ShardCnt: shardCnt, Slot: -1}, true)
}

// IsLSNInBuffer reports whether lsn still sits in the retained window.
func (j *Journal) IsLSNInBuffer(lsn uint64) bool {
	if lsn == 0 || lsn >= j.nextLSN {
		return false
	}
	return j.ring[lsn&j.mask].LSN == lsn
}

// GetEntry returns the retained record at lsn. The caller must check
// IsLSNInBuffer first.
func (j *Journal) GetEntry(lsn uint64) Entry { return j.ring[lsn&j.mask] }

// RegisterOnChange attaches a consumer and returns its id.
func (j *Journal) RegisterOnChange(cb ChangeCallback) uint32 {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.nextID++
	j.consumers = append(j.consumers, consumer{id: j.nextID, cb: cb})
	return j.nextID
}

// UnregisterOnChange detaches a consumer.
func (j *Journal) UnregisterOnChange(id uint32) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i, c := range j.consumers {
		if c.id == id {
			j.consumers = append(j.consumers[:i], j.consumers[i+1:]...)
			return
		}
	}
}

func (j *Journal) notify(e Entry, allowAwait bool) {
	j.mu.RLock()
	consumers := j.consumers
	j.mu.RUnlock()
	for _, c := range consumers {
		c.cb(e, allowAwait)
	}
}
