package shard

import (
	"context"
	"log/slog"

	"github.com/cespare/xxhash/v2"

	"stormkv/core"
	"stormkv/journal"
	"stormkv/search"
)

// Store is the multi-shard façade. Keys are partitioned by hash; every
// operation is forwarded to the owning shard and executed there.
type Store struct {
	shards  []*Shard
	dbCount int
}

// NewStore spins up shardCnt shards with per-shard options derived from
// opts.
func NewStore(shardCnt int, opts Options) (*Store, error) {
	st := &Store{shards: make([]*Shard, shardCnt), dbCount: opts.DbCount}
	for i := range st.shards {
		sh, err := NewShard(i, uint32(shardCnt), opts)
		if err != nil {
			st.Close()
			return nil, err
		}
		st.shards[i] = sh
	}
	slog.Info("store started", "shards", shardCnt, "dbs", opts.DbCount)
	return st, nil
}

// ShardCount returns the number of shards.
func (st *Store) ShardCount() int { return len(st.shards) }

// DbCount returns the number of logical databases per shard.
func (st *Store) DbCount() int { return st.dbCount }

// ShardFor returns the shard owning key.
func (st *Store) ShardFor(key string) *Shard {
	return st.shards[xxhash.Sum64String(key)%uint64(len(st.shards))]
}

// ShardAt returns shard i.
func (st *Store) ShardAt(i int) *Shard { return st.shards[i] }

func (st *Store) Set(ctx context.Context, db int, key string, val []byte) error {
	return st.ShardFor(key).Set(ctx, db, key, val)
}

func (st *Store) Get(ctx context.Context, db int, key string) ([]byte, error) {
	return st.ShardFor(key).Get(ctx, db, key)
}

func (st *Store) Append(ctx context.Context, db int, key string, val []byte) (int, error) {
	return st.ShardFor(key).Append(ctx, db, key, val)
}

func (st *Store) Delete(ctx context.Context, db int, key string) (bool, error) {
	return st.ShardFor(key).Delete(ctx, db, key)
}

func (st *Store) Expire(ctx context.Context, db int, key string, atMillis int64) (bool, error) {
	return st.ShardFor(key).Expire(ctx, db, key, atMillis)
}

func (st *Store) Stick(ctx context.Context, db int, key string) (bool, error) {
	return st.ShardFor(key).Stick(ctx, db, key)
}

func (st *Store) HSet(ctx context.Context, db int, key string, fields map[string]string) (int, error) {
	return st.ShardFor(key).HSet(ctx, db, key, fields)
}

func (st *Store) HGetAll(ctx context.Context, db int, key string) (map[string]string, error) {
	return st.ShardFor(key).HGetAll(ctx, db, key)
}

func (st *Store) Restore(ctx context.Context, db int, key string, dump []byte) error {
	return st.ShardFor(key).Restore(ctx, db, key, dump)
}

// Flush clears db on every shard, returning the number of removed keys.
func (st *Store) Flush(ctx context.Context, db int) (int, error) {
	total := 0
	for _, sh := range st.shards {
		n, err := sh.Flush(ctx, db)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// RegisterIndex creates the named index on every shard.
func (st *Store) RegisterIndex(name, prefix string, schema *search.Schema) error {
	for _, sh := range st.shards {
		if err := sh.RegisterIndex(name, prefix, schema); err != nil {
			return err
		}
	}
	return nil
}

// DropIndex removes the named index from every shard.
func (st *Store) DropIndex(name string) bool {
	dropped := false
	for _, sh := range st.shards {
		if sh.DropIndex(name) {
			dropped = true
		}
	}
	return dropped
}

// SearchIndex fans a query out to every shard and concatenates the
// matching keys shard by shard.
func (st *Store) SearchIndex(ctx context.Context, name, query string, params search.Params, opts search.SearchOptions) ([]string, error) {
	var keys []string
	for _, sh := range st.shards {
		_, shardKeys, err := sh.SearchIndex(ctx, name, query, params, opts)
		if err != nil {
			return nil, err
		}
		keys = append(keys, shardKeys...)
	}
	return keys, nil
}

// StartSlotMigration drains the slot set of db on every shard into the
// sinks produced by makeSink, one flow per shard.
func (st *Store) StartSlotMigration(db int, slots *core.SlotSet, cntx *journal.Context, makeSink func(shardID int) journal.AsyncSink) []*journal.RestoreStreamer {
	streamers := make([]*journal.RestoreStreamer, len(st.shards))
	for i, sh := range st.shards {
		streamers[i] = sh.StartSlotMigration(db, slots, cntx, makeSink(i))
	}
	return streamers
}

// Close shuts every shard down, returning the first error seen.
func (st *Store) Close() error {
	var firstErr error
	for _, sh := range st.shards {
		if sh == nil {
			continue
		}
		if err := sh.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
