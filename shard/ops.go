package shard

import (
	"context"
	"strconv"
	"time"

	"stormkv/core"
	"stormkv/journal"
	"stormkv/protocol"
	"stormkv/search"
	"stormkv/tiered"
)

// run posts f onto the executor and waits for the future it resolves.
func run[T any](ctx context.Context, s *Shard, f func(fut *tiered.Future[T])) (T, error) {
	fut := tiered.NewFuture[T]()
	if !s.exec.Post(func() { f(fut) }) {
		var zero T
		return zero, protocol.ErrClosed
	}
	return fut.Get(ctx)
}

// Set stores a string value, replacing whatever held the key before.
func (s *Shard) Set(ctx context.Context, db int, key string, val []byte) error {
	_, err := run(ctx, s, func(fut *tiered.Future[struct{}]) {
		e, created := s.tables[db].Upsert(key)
		if !created {
			s.usedMem -= int64(e.Value.MallocUsed())
			s.tiered.Delete(db, key, e.Value)
			s.unindexKey(key)
		}
		e.Value = core.NewString(val)
		e.ExpireAt = 0
		s.usedMem += int64(e.Value.MallocUsed())
		s.appendJournal(db, key, "SET", [][]byte{[]byte(key), val})
		fut.Resolve(struct{}{}, nil)
	})
	return err
}

// Get returns the string payload of key, fetching from the tiered
// backing when the value is offloaded.
func (s *Shard) Get(ctx context.Context, db int, key string) ([]byte, error) {
	return run(ctx, s, func(fut *tiered.Future[[]byte]) {
		e := s.lookupLive(db, key, time.Now().UnixMilli())
		if e == nil {
			fut.Resolve(nil, protocol.ErrKeyNotFound)
			return
		}
		if e.Value.Tag() != core.TagString {
			fut.Resolve(nil, protocol.ErrWrongType)
			return
		}
		s.tiered.Read(db, key, e).OnDone(fut.Resolve)
	})
}

// Append extends a string value, creating it when absent, and returns
// the new length.
func (s *Shard) Append(ctx context.Context, db int, key string, val []byte) (int, error) {
	return run(ctx, s, func(fut *tiered.Future[int]) {
		now := time.Now().UnixMilli()
		e := s.lookupLive(db, key, now)
		if e == nil {
			e, _ = s.tables[db].Upsert(key)
			e.Value = core.NewString(append([]byte(nil), val...))
			e.ExpireAt = 0
			s.usedMem += int64(e.Value.MallocUsed())
			s.appendJournal(db, key, "APPEND", [][]byte{[]byte(key), val})
			fut.Resolve(e.Value.Size(), nil)
			return
		}
		if e.Value.Tag() != core.TagString {
			fut.Resolve(0, protocol.ErrWrongType)
			return
		}
		inner := tiered.Modify(s.tiered, db, key, e, func(v *core.PrimeValue) int {
			s.usedMem -= int64(v.MallocUsed())
			n := v.AppendString(val)
			s.usedMem += int64(v.MallocUsed())
			return n
		})
		inner.OnDone(func(n int, err error) {
			if err == nil {
				s.appendJournal(db, key, "APPEND", [][]byte{[]byte(key), val})
			}
			fut.Resolve(n, err)
		})
	})
}

// Delete removes key, reporting whether it existed.
func (s *Shard) Delete(ctx context.Context, db int, key string) (bool, error) {
	return run(ctx, s, func(fut *tiered.Future[bool]) {
		e := s.lookupLive(db, key, time.Now().UnixMilli())
		if e == nil {
			fut.Resolve(false, nil)
			return
		}
		s.removeEntry(db, e)
		s.appendJournal(db, key, "DEL", [][]byte{[]byte(key)})
		fut.Resolve(true, nil)
	})
}

// Expire arms an absolute millisecond deadline on key.
func (s *Shard) Expire(ctx context.Context, db int, key string, atMillis int64) (bool, error) {
	return run(ctx, s, func(fut *tiered.Future[bool]) {
		e := s.lookupLive(db, key, time.Now().UnixMilli())
		if e == nil {
			fut.Resolve(false, nil)
			return
		}
		e.ExpireAt = atMillis
		s.appendJournal(db, key, "PEXIRE", [][]byte{
			[]byte(key), []byte(strconv.FormatInt(atMillis, 10))})
		fut.Resolve(true, nil)
	})
}

// Stick marks key's value sticky so later stashes skip it, canceling a
// stash still in flight. A value already offloaded or cooling is left
// where it is.
func (s *Shard) Stick(ctx context.Context, db int, key string) (bool, error) {
	return run(ctx, s, func(fut *tiered.Future[bool]) {
		e := s.lookupLive(db, key, time.Now().UnixMilli())
		if e == nil {
			fut.Resolve(false, nil)
			return
		}
		v := e.Value
		if v.IsStashPending() {
			s.tiered.CancelStash(db, key, v)
		}
		v.SetFlag(core.FlagSticky)
		s.appendJournal(db, key, "STICK", [][]byte{[]byte(key)})
		fut.Resolve(true, nil)
	})
}

// HSet writes hash fields and reindexes the key, returning the number
// of newly created fields.
func (s *Shard) HSet(ctx context.Context, db int, key string, fields map[string]string) (int, error) {
	return run(ctx, s, func(fut *tiered.Future[int]) {
		now := time.Now().UnixMilli()
		e := s.lookupLive(db, key, now)
		var hash map[string]string
		if e == nil {
			e, _ = s.tables[db].Upsert(key)
			hash = make(map[string]string, len(fields))
			e.Value = core.NewHash(hash)
			e.ExpireAt = 0
		} else {
			if e.Value.Tag() != core.TagHash {
				fut.Resolve(0, protocol.ErrWrongType)
				return
			}
			s.usedMem -= int64(e.Value.MallocUsed())
			hash = e.Value.Hash()
		}
		created := 0
		args := make([][]byte, 0, 1+2*len(fields))
		args = append(args, []byte(key))
		for f, v := range fields {
			if _, exists := hash[f]; !exists {
				created++
			}
			hash[f] = v
			args = append(args, []byte(f), []byte(v))
		}
		s.usedMem += int64(e.Value.MallocUsed())
		s.indexKey(key, hash)
		s.appendJournal(db, key, "HSET", args)
		fut.Resolve(created, nil)
	})
}

// HGetAll returns a copy of the hash stored at key.
func (s *Shard) HGetAll(ctx context.Context, db int, key string) (map[string]string, error) {
	return run(ctx, s, func(fut *tiered.Future[map[string]string]) {
		e := s.lookupLive(db, key, time.Now().UnixMilli())
		if e == nil {
			fut.Resolve(nil, protocol.ErrKeyNotFound)
			return
		}
		if e.Value.Tag() != core.TagHash {
			fut.Resolve(nil, protocol.ErrWrongType)
			return
		}
		out := make(map[string]string, len(e.Value.Hash()))
		for f, v := range e.Value.Hash() {
			out[f] = v
		}
		fut.Resolve(out, nil)
	})
}

// Restore installs a value from its dump form, as emitted by slot
// migration.
func (s *Shard) Restore(ctx context.Context, db int, key string, dump []byte) error {
	_, err := run(ctx, s, func(fut *tiered.Future[struct{}]) {
		v, err := core.LoadValue(dump)
		if err != nil {
			fut.Resolve(struct{}{}, err)
			return
		}
		e, created := s.tables[db].Upsert(key)
		if !created {
			s.usedMem -= int64(e.Value.MallocUsed())
			s.tiered.Delete(db, key, e.Value)
			s.unindexKey(key)
		}
		e.Value = v
		e.ExpireAt = 0
		s.usedMem += int64(v.MallocUsed())
		if v.Tag() == core.TagHash {
			s.indexKey(key, v.Hash())
		}
		s.appendJournal(db, key, "RESTORE", [][]byte{[]byte(key), []byte("0"), dump})
		fut.Resolve(struct{}{}, nil)
	})
	return err
}

// Flush drops every key of db. Active slot migrations are aborted since
// their snapshot horizon no longer describes the table.
func (s *Shard) Flush(ctx context.Context, db int) (int, error) {
	return run(ctx, s, func(fut *tiered.Future[int]) {
		for _, r := range s.restores {
			r.OnFlush()
		}
		t := s.tables[db]
		var keys []string
		for b := 0; b < t.BucketCount(); b++ {
			t.TraverseBucket(b, func(e *core.Entry) {
				keys = append(keys, e.Key)
			})
		}
		for _, key := range keys {
			if e := t.Find(key); e != nil {
				s.removeEntry(db, e)
			}
		}
		s.txSeq++
		s.journal.Append(journal.NewCommand(s.txSeq, db, s.shardCnt, -1, "FLUSHDB", nil), true)
		fut.Resolve(len(keys), nil)
	})
}

// SearchIndex runs a query against a registered index.
func (s *Shard) SearchIndex(ctx context.Context, name, query string, params search.Params, opts search.SearchOptions) (*search.SearchResult, []string, error) {
	type outcome struct {
		res  *search.SearchResult
		keys []string
	}
	out, err := run(ctx, s, func(fut *tiered.Future[outcome]) {
		for _, ni := range s.indices {
			if ni.name != name {
				continue
			}
			res, err := ni.idx.Search(query, params, opts)
			if err != nil {
				fut.Resolve(outcome{}, err)
				return
			}
			byID := make(map[search.DocID]string, len(ni.ids))
			for k, id := range ni.ids {
				byID[id] = k
			}
			keys := make([]string, 0, len(res.Ids))
			for _, id := range res.Ids {
				keys = append(keys, byID[id])
			}
			fut.Resolve(outcome{res: res, keys: keys}, nil)
			return
		}
		fut.Resolve(outcome{}, protocol.ErrIndexNotFound)
	})
	if err != nil {
		return nil, nil, err
	}
	return out.res, out.keys, nil
}
