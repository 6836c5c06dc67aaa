package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"stormkv/client"
	"stormkv/core"
	"stormkv/journal"
	"stormkv/shard"
)

func testStore(t *testing.T) *shard.Store {
	t.Helper()
	opts := shard.DefaultOptions()
	opts.DbCount = 2
	opts.BucketCount = 16
	opts.JournalBufferSize = 64
	opts.OffloadInterval = time.Hour
	opts.Tiered.Prefix = filepath.Join(t.TempDir(), "tiered-")
	st, err := shard.NewStore(2, opts)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return st
}

// startServer runs a plaintext server on a loopback port and returns the
// cancel func that tears it down.
func startServer(t *testing.T, maxConns int) (*Server, context.CancelFunc) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := NewServer("127.0.0.1:0", testStore(t), logger, maxConns, "", "", "")
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Run(ctx)
	t.Cleanup(func() {
		cancel()
		srv.CloseAll()
	})
	return srv, cancel
}

func dial(t *testing.T, srv *Server) *client.Client {
	t.Helper()
	c, err := client.NewClient(client.Config{Address: srv.Addr()})
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestServerPingAndStat(t *testing.T) {
	srv, _ := startServer(t, 8)
	c := dial(t, srv)

	if err := c.Ping(); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
	stat, err := c.Stat()
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if !strings.Contains(stat, "Keys:0") || !strings.Contains(stat, "Shards:2") {
		t.Errorf("Stat = %q", stat)
	}
}

func TestServerStringCommands(t *testing.T) {
	srv, _ := startServer(t, 8)
	c := dial(t, srv)

	if err := c.Set("k1", []byte("hello")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	val, err := c.Get("k1")
	if err != nil || string(val) != "hello" {
		t.Fatalf("Get = %q, %v", val, err)
	}

	n, err := c.Append("k1", []byte(" world"))
	if err != nil || n != 11 {
		t.Fatalf("Append = %d, %v; want 11", n, err)
	}
	val, _ = c.Get("k1")
	if string(val) != "hello world" {
		t.Errorf("Get after append = %q", val)
	}

	if err := c.Del("k1"); err != nil {
		t.Fatalf("Del failed: %v", err)
	}
	if _, err := c.Get("k1"); !errors.Is(err, client.ErrNotFound) {
		t.Errorf("Get after delete = %v; want ErrNotFound", err)
	}
	if err := c.Del("k1"); !errors.Is(err, client.ErrNotFound) {
		t.Errorf("second Del = %v; want ErrNotFound", err)
	}
}

func TestServerSelectIsolatesDbs(t *testing.T) {
	srv, _ := startServer(t, 8)
	c := dial(t, srv)

	if err := c.Set("k", []byte("db0")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := c.Select(1); err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if _, err := c.Get("k"); !errors.Is(err, client.ErrNotFound) {
		t.Errorf("Get in db1 = %v; want ErrNotFound", err)
	}
	if err := c.Set("k", []byte("db1")); err != nil {
		t.Fatalf("Set in db1 failed: %v", err)
	}

	if err := c.Select(0); err != nil {
		t.Fatalf("Select back failed: %v", err)
	}
	val, err := c.Get("k")
	if err != nil || string(val) != "db0" {
		t.Errorf("Get in db0 = %q, %v", val, err)
	}

	if err := c.Select(9); err == nil {
		t.Error("Select accepted an out-of-range db")
	}
}

func TestServerExpireAndStick(t *testing.T) {
	srv, _ := startServer(t, 8)
	c := dial(t, srv)

	c.Set("gone", []byte("v"))
	if err := c.ExpireAt("gone", 1); err != nil {
		t.Fatalf("ExpireAt failed: %v", err)
	}
	if _, err := c.Get("gone"); !errors.Is(err, client.ErrNotFound) {
		t.Errorf("Get expired key = %v; want ErrNotFound", err)
	}

	c.Set("kept", []byte("v"))
	future := time.Now().Add(time.Hour).UnixMilli()
	if err := c.ExpireAt("kept", future); err != nil {
		t.Fatalf("ExpireAt failed: %v", err)
	}
	if err := c.Stick("kept"); err != nil {
		t.Fatalf("Stick failed: %v", err)
	}
	if _, err := c.Get("kept"); err != nil {
		t.Errorf("Get sticky key failed: %v", err)
	}
	if err := c.Stick("missing"); !errors.Is(err, client.ErrNotFound) {
		t.Errorf("Stick missing = %v; want ErrNotFound", err)
	}
}

func TestServerHashCommands(t *testing.T) {
	srv, _ := startServer(t, 8)
	c := dial(t, srv)

	created, err := c.HSet("user:1", map[string]string{"name": "alice", "role": "admin"})
	if err != nil || created != 2 {
		t.Fatalf("HSet = %d, %v; want 2", created, err)
	}
	created, err = c.HSet("user:1", map[string]string{"role": "root", "team": "infra"})
	if err != nil || created != 1 {
		t.Fatalf("second HSet = %d, %v; want 1", created, err)
	}

	fields, err := c.HGetAll("user:1")
	if err != nil {
		t.Fatalf("HGetAll failed: %v", err)
	}
	if fields["name"] != "alice" || fields["role"] != "root" || fields["team"] != "infra" {
		t.Errorf("HGetAll = %v", fields)
	}

	if _, err := c.Get("user:1"); !errors.Is(err, client.ErrWrongType) {
		t.Errorf("Get on hash = %v; want ErrWrongType", err)
	}
	if _, err := c.HGetAll("nope"); !errors.Is(err, client.ErrNotFound) {
		t.Errorf("HGetAll missing = %v; want ErrNotFound", err)
	}
}

func TestServerRestore(t *testing.T) {
	srv, _ := startServer(t, 8)
	c := dial(t, srv)

	dump := core.DumpValue(core.NewString([]byte("snapshot")))
	if err := c.Restore("restored", dump); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	val, err := c.Get("restored")
	if err != nil || string(val) != "snapshot" {
		t.Errorf("Get restored = %q, %v", val, err)
	}

	if err := c.Restore("bad", []byte{0xff, 0x01}); err == nil {
		t.Error("Restore accepted a corrupt dump")
	}
}

func TestServerFlushDb(t *testing.T) {
	srv, _ := startServer(t, 8)
	c := dial(t, srv)

	for _, k := range []string{"a", "b", "c"} {
		c.Set(k, []byte("v"))
	}
	n, err := c.FlushDb()
	if err != nil || n != 3 {
		t.Fatalf("FlushDb = %d, %v; want 3", n, err)
	}
	if _, err := c.Get("a"); !errors.Is(err, client.ErrNotFound) {
		t.Errorf("Get after flush = %v; want ErrNotFound", err)
	}
}

func TestServerIndexLifecycle(t *testing.T) {
	srv, _ := startServer(t, 8)
	c := dial(t, srv)

	if err := c.IdxCreate("movies", "movie:", "title TEXT year NUMERIC SORTABLE"); err != nil {
		t.Fatalf("IdxCreate failed: %v", err)
	}
	if err := c.IdxCreate("movies", "movie:", "title TEXT"); err == nil {
		t.Error("duplicate IdxCreate succeeded")
	}

	docs := map[string]map[string]string{
		"movie:1": {"title": "The Matrix", "year": "1999"},
		"movie:2": {"title": "Heat", "year": "1995"},
		"movie:3": {"title": "Blade Runner", "year": "1982"},
		"show:1":  {"title": "The Matrix Show", "year": "1999"},
	}
	for key, fields := range docs {
		if _, err := c.HSet(key, fields); err != nil {
			t.Fatalf("HSet %s failed: %v", key, err)
		}
	}

	keys, err := c.IdxSearch("movies", "@year:[1990 2000]", nil)
	if err != nil {
		t.Fatalf("IdxSearch failed: %v", err)
	}
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != "movie:1" || keys[1] != "movie:2" {
		t.Errorf("IdxSearch keys = %v", keys)
	}

	keys, err = c.IdxSearch("movies", "@title:matrix", nil)
	if err != nil || len(keys) != 1 || keys[0] != "movie:1" {
		t.Errorf("title search = %v, %v", keys, err)
	}

	if err := c.IdxDrop("movies"); err != nil {
		t.Fatalf("IdxDrop failed: %v", err)
	}
	if _, err := c.IdxSearch("movies", "*", nil); err == nil {
		t.Error("IdxSearch succeeded on a dropped index")
	}
	if err := c.IdxDrop("movies"); !errors.Is(err, client.ErrNotFound) {
		t.Errorf("second IdxDrop = %v; want ErrNotFound", err)
	}
}

func TestServerMaxConnsBusy(t *testing.T) {
	srv, _ := startServer(t, 1)

	c1 := dial(t, srv)
	if err := c1.Ping(); err != nil {
		t.Fatalf("first client Ping failed: %v", err)
	}

	c2 := dial(t, srv)
	if err := c2.Ping(); !errors.Is(err, client.ErrServerBusy) {
		t.Errorf("second client Ping = %v; want ErrServerBusy", err)
	}
}

func TestServerReplicationStreamsChanges(t *testing.T) {
	srv, cancel := startServer(t, 8)
	writer := dial(t, srv)

	sub, err := client.NewClient(client.Config{Address: srv.Addr()})
	if err != nil {
		t.Fatalf("subscriber connect failed: %v", err)
	}

	var mu sync.Mutex
	var got []journal.Entry
	errCh := make(chan error, 1)
	go func() {
		errCh <- sub.Subscribe(func(shardID uint32, entries []journal.Entry) error {
			mu.Lock()
			got = append(got, entries...)
			mu.Unlock()
			return nil
		})
	}()

	// The subscribe handshake races the first writes; let the streamers
	// attach before mutating.
	time.Sleep(100 * time.Millisecond)

	writer.Set("stream:1", []byte("v1"))
	writer.Set("stream:2", []byte("v2"))
	writer.Del("stream:1")

	seen := func(cmd, key string) bool {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range got {
			if e.Cmd == cmd && len(e.Args) > 0 && string(e.Args[0]) == key {
				return true
			}
		}
		return false
	}
	deadline := time.Now().Add(3 * time.Second)
	for !(seen("SET", "stream:1") && seen("SET", "stream:2") && seen("DEL", "stream:1")) {
		if time.Now().After(deadline) {
			mu.Lock()
			t.Fatalf("streamed entries = %v", got)
		}
		// Keep the journal moving so pending batches flush.
		writer.Set("nudge", []byte("x"))
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-errCh:
	case <-time.After(3 * time.Second):
		t.Fatal("Subscribe did not return after shutdown")
	}
	sub.Close()
}
