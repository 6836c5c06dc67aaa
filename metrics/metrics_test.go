package metrics

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"stormkv/shard"

	"github.com/prometheus/client_golang/prometheus"
)

type mockServerStats struct {
	activeConns int64
	totalConns  uint64
}

func (m *mockServerStats) ActiveConns() int64 { return m.activeConns }
func (m *mockServerStats) TotalConns() uint64 { return m.totalConns }

func testStore(t *testing.T) *shard.Store {
	t.Helper()
	opts := shard.DefaultOptions()
	opts.DbCount = 1
	opts.BucketCount = 16
	opts.OffloadInterval = time.Hour
	opts.Tiered.Prefix = filepath.Join(t.TempDir(), "tiered-")
	st, err := shard.NewStore(2, opts)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func gatherValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		m := mf.GetMetric()[0]
		if g := m.GetGauge(); g != nil {
			return g.GetValue()
		}
		return m.GetCounter().GetValue()
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestCollectorStoreAndServerMetrics(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c"} {
		if err := st.Set(ctx, 0, k, []byte("value")); err != nil {
			t.Fatalf("Set %q failed: %v", k, err)
		}
	}

	stats := &mockServerStats{activeConns: 10, totalConns: 100}
	reg := prometheus.NewRegistry()
	if err := reg.Register(NewStormKVCollector(st, stats)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if got := gatherValue(t, reg, "stormkv_store_keys_total"); got != 3 {
		t.Errorf("keys_total = %v; want 3", got)
	}
	if got := gatherValue(t, reg, "stormkv_store_used_memory_bytes"); got <= 0 {
		t.Errorf("used_memory_bytes = %v; want > 0", got)
	}
	if got := gatherValue(t, reg, "stormkv_server_connections_active"); got != 10 {
		t.Errorf("connections_active = %v; want 10", got)
	}
	if got := gatherValue(t, reg, "stormkv_server_connections_accepted_total"); got != 100 {
		t.Errorf("connections_accepted_total = %v; want 100", got)
	}
	if got := gatherValue(t, reg, "stormkv_tiered_capacity_bytes"); got <= 0 {
		t.Errorf("capacity_bytes = %v; want > 0", got)
	}
}

func TestCollectorWithoutServerStats(t *testing.T) {
	st := testStore(t)
	reg := prometheus.NewRegistry()
	if err := reg.Register(NewStormKVCollector(st, nil)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == "stormkv_server_connections_active" {
			t.Error("server metrics emitted without a stats provider")
		}
	}
	if got := gatherValue(t, reg, "stormkv_store_keys_total"); got != 0 {
		t.Errorf("keys_total = %v; want 0", got)
	}
}
