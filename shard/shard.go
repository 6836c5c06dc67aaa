package shard

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"stormkv/core"
	"stormkv/journal"
	"stormkv/protocol"
	"stormkv/search"
	"stormkv/tiered"
)

// Options configure one shard.
type Options struct {
	DbCount           int
	BucketCount       int
	MemoryLimit       int64
	JournalBufferSize int
	OffloadInterval   time.Duration
	Tiered            tiered.Config
}

// DefaultOptions returns the per-shard defaults.
func DefaultOptions() Options {
	return Options{
		DbCount:           16,
		BucketCount:       1024,
		MemoryLimit:       256 << 20,
		JournalBufferSize: 4096,
		OffloadInterval:   500 * time.Millisecond,
		Tiered:            tiered.DefaultConfig(),
	}
}

// namedIndex binds a search index to the key prefix it covers.
type namedIndex struct {
	name   string
	prefix string
	idx    *search.Index
	// ids maps hash keys to their document ids.
	ids    map[string]search.DocID
	nextID search.DocID
}

// Shard owns one partition of the key space: its tables, journal,
// tiered storage and search indices. All state is confined to the
// shard's executor; public operations post closures there and wait on
// futures.
type Shard struct {
	id       int
	shardCnt uint32
	opts     Options

	exec    *Executor
	tables  []*core.PrimeTable
	journal *journal.Journal
	tiered  *tiered.Storage
	indices []*namedIndex

	usedMem  int64
	txSeq    uint64
	restores []*journal.RestoreStreamer

	stopTick chan struct{}
	tickWG   sync.WaitGroup
}

// NewShard builds a shard and starts its executor and offload ticker.
func NewShard(id int, shardCnt uint32, opts Options) (*Shard, error) {
	s := &Shard{
		id:       id,
		shardCnt: shardCnt,
		opts:     opts,
		exec:     NewExecutor(1024),
		journal:  journal.NewJournal(opts.JournalBufferSize),
		stopTick: make(chan struct{}),
	}
	s.tables = make([]*core.PrimeTable, opts.DbCount)
	for i := range s.tables {
		s.tables[i] = core.NewPrimeTable(opts.BucketCount)
	}
	post := func(f func()) { s.exec.Post(f) }
	lookup := func(ref tiered.KeyRef) *core.Entry {
		return s.tables[ref.DbIndex].Find(ref.Key)
	}
	storage, err := tiered.NewStorage(id, opts.Tiered, lookup, s.headroom, post)
	if err != nil {
		s.exec.Stop()
		return nil, fmt.Errorf("shard %d: %w", id, err)
	}
	s.tiered = storage
	s.tickWG.Add(1)
	go s.offloadLoop()
	return s, nil
}

// headroom estimates the free memory budget of the shard. Offloaded
// bytes no longer on the heap are credited back against the tracked
// usage; cool payloads are still resident so their share is not.
func (s *Shard) headroom() int64 {
	st := s.tiered.Stats()
	resident := s.usedMem - int64(st.OffloadedBytes) + st.CoolMemory
	return s.opts.MemoryLimit - resident
}

func (s *Shard) offloadLoop() {
	defer s.tickWG.Done()
	ticker := time.NewTicker(s.opts.OffloadInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopTick:
			return
		case <-ticker.C:
		}
		s.exec.Post(func() {
			for db := range s.tables {
				s.tiered.RunOffloading(db, s.tables[db])
			}
		})
	}
}

// Journal exposes the shard's change log for streamers.
func (s *Shard) Journal() *journal.Journal { return s.journal }

// TieredStats snapshots the tiering counters.
func (s *Shard) TieredStats() tiered.Stats {
	var st tiered.Stats
	fut := tiered.NewFuture[struct{}]()
	if !s.exec.Post(func() {
		st = s.tiered.Stats()
		fut.Resolve(struct{}{}, nil)
	}) {
		return st
	}
	<-fut.Done()
	return st
}

// UsedMemory returns the tracked heap usage of the shard's values.
func (s *Shard) UsedMemory() int64 {
	var used int64
	fut := tiered.NewFuture[struct{}]()
	if !s.exec.Post(func() {
		used = s.usedMem
		fut.Resolve(struct{}{}, nil)
	}) {
		return 0
	}
	<-fut.Done()
	return used
}

// KeyCount returns the number of live entries across every db of the
// shard.
func (s *Shard) KeyCount() int {
	var total int
	fut := tiered.NewFuture[struct{}]()
	if !s.exec.Post(func() {
		for _, t := range s.tables {
			total += t.Size()
		}
		fut.Resolve(struct{}{}, nil)
	}) {
		return 0
	}
	<-fut.Done()
	return total
}

// Close stops the ticker, drains the executor and tears down storage.
func (s *Shard) Close() error {
	close(s.stopTick)
	s.tickWG.Wait()
	var err error
	fut := tiered.NewFuture[struct{}]()
	if s.exec.Post(func() {
		for _, r := range s.restores {
			r.Stop()
		}
		fut.Resolve(struct{}{}, nil)
	}) {
		<-fut.Done()
	}
	s.exec.Stop()
	if s.tiered != nil {
		err = s.tiered.Close()
	}
	return err
}

// removeEntry drops an entry and every piece of state hanging off it.
// Must run on the executor.
func (s *Shard) removeEntry(db int, e *core.Entry) {
	s.usedMem -= int64(e.Value.MallocUsed())
	s.tiered.Delete(db, e.Key, e.Value)
	s.unindexKey(e.Key)
	s.tables[db].Delete(e.Key)
}

// lookupLive resolves key, reaping it if its deadline passed.
func (s *Shard) lookupLive(db int, key string, now int64) *core.Entry {
	e := s.tables[db].Get(key)
	if e == nil {
		return nil
	}
	if e.ExpireAt > 0 && now >= e.ExpireAt {
		s.removeEntry(db, e)
		s.appendJournal(db, key, "DEL", [][]byte{[]byte(key)})
		return nil
	}
	return e
}

func (s *Shard) appendJournal(db int, key, cmd string, args [][]byte) {
	s.txSeq++
	slot := int32(core.KeySlot(key))
	s.journal.Append(journal.NewCommand(s.txSeq, db, s.shardCnt, slot, cmd, args), true)
}

// RegisterIndex creates a search index covering keys with the prefix.
func (s *Shard) RegisterIndex(name, prefix string, schema *search.Schema) error {
	fut := tiered.NewFuture[struct{}]()
	ok := s.exec.Post(func() {
		for _, ni := range s.indices {
			if ni.name == name {
				fut.Resolve(struct{}{}, fmt.Errorf("index %q already exists", name))
				return
			}
		}
		s.indices = append(s.indices, &namedIndex{
			name:   name,
			prefix: prefix,
			idx:    search.NewIndex(schema),
			ids:    make(map[string]search.DocID),
		})
		fut.Resolve(struct{}{}, nil)
	})
	if !ok {
		return protocol.ErrClosed
	}
	_, err := fut.Get(context.Background())
	return err
}

// DropIndex removes a search index.
func (s *Shard) DropIndex(name string) bool {
	fut := tiered.NewFuture[bool]()
	if !s.exec.Post(func() {
		for i, ni := range s.indices {
			if ni.name == name {
				s.indices = append(s.indices[:i], s.indices[i+1:]...)
				fut.Resolve(true, nil)
				return
			}
		}
		fut.Resolve(false, nil)
	}) {
		return false
	}
	dropped, _ := fut.Get(context.Background())
	return dropped
}

// indexKey feeds a hash value into every index whose prefix matches.
// Must run on the executor.
func (s *Shard) indexKey(key string, fields map[string]string) {
	for _, ni := range s.indices {
		if !strings.HasPrefix(key, ni.prefix) {
			continue
		}
		doc := make(search.MapDocument, len(fields))
		for f, v := range fields {
			doc[f] = []byte(v)
		}
		id, known := ni.ids[key]
		if known {
			ni.idx.Remove(id)
		} else {
			id = ni.nextID
			ni.nextID++
			ni.ids[key] = id
		}
		if !ni.idx.Add(id, doc) {
			delete(ni.ids, key)
			slog.Warn("document rejected by index", "index", ni.name, "key", key)
		}
	}
}

// unindexKey removes a key from every index covering it. Must run on
// the executor.
func (s *Shard) unindexKey(key string) {
	for _, ni := range s.indices {
		if id, ok := ni.ids[key]; ok {
			ni.idx.Remove(id)
			delete(ni.ids, key)
		}
	}
}

// StartSlotMigration begins draining the slot set of db into sink and
// returns the streamer handle.
func (s *Shard) StartSlotMigration(db int, slots *core.SlotSet, cntx *journal.Context, sink journal.AsyncSink) *journal.RestoreStreamer {
	cfg := journal.RestoreConfig{
		Table:   s.tables[db],
		DbIndex: db,
		Slots:   slots,
		Fetch:   s.tiered.FetchSync,
		Post:    func(f func()) { s.exec.Post(f) },
	}
	r := journal.NewRestoreStreamer(s.journal, cntx, cfg)
	s.exec.Post(func() {
		s.restores = append(s.restores, r)
		r.Start(sink)
	})
	return r
}

// FinishSlotMigration detaches a completed migration flow.
func (s *Shard) FinishSlotMigration(r *journal.RestoreStreamer) {
	fut := tiered.NewFuture[struct{}]()
	if !s.exec.Post(func() {
		for i, cur := range s.restores {
			if cur == r {
				s.restores = append(s.restores[:i], s.restores[i+1:]...)
				break
			}
		}
		fut.Resolve(struct{}{}, nil)
	}) {
		return
	}
	<-fut.Done()
	r.Stop()
}
