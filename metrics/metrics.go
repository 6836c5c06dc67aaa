package metrics

import (
	"log/slog"
	"net/http"
	"strings"

	"stormkv/shard"
	"stormkv/tiered"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stormkv"

// ServerStatsProvider interface allows the collector to get stats from the Server
type ServerStatsProvider interface {
	ActiveConns() int64
	TotalConns() uint64
}

type StormKVCollector struct {
	store       *shard.Store
	serverStats ServerStatsProvider

	keys        *prometheus.Desc
	usedMemory  *prometheus.Desc
	activeConns *prometheus.Desc
	totalConns  *prometheus.Desc

	// Tiered storage metrics
	stashes        *prometheus.Desc
	fetches        *prometheus.Desc
	cancels        *prometheus.Desc
	defrags        *prometheus.Desc
	overflows      *prometheus.Desc
	pendingStashes *prometheus.Desc
	offloadedBytes *prometheus.Desc
	allocatedPages *prometheus.Desc
	capacityBytes  *prometheus.Desc
	coolMemory     *prometheus.Desc
	coolRecords    *prometheus.Desc
	smallBins      *prometheus.Desc
}

func NewStormKVCollector(store *shard.Store, stats ServerStatsProvider) *StormKVCollector {
	return &StormKVCollector{
		store:       store,
		serverStats: stats,
		keys:        newDesc("store", "keys_total", "Total keys"),
		usedMemory:  newDesc("store", "used_memory_bytes", "Tracked heap usage of stored values"),
		activeConns: newDesc("server", "connections_active", "Active connections"),
		totalConns:  newDesc("server", "connections_accepted_total", "Total connections"),

		stashes:        newDesc("tiered", "stashes_total", "Total values written to the backing file"),
		fetches:        newDesc("tiered", "fetches_total", "Total values read back from the backing file"),
		cancels:        newDesc("tiered", "stash_cancels_total", "Total stashes canceled before landing"),
		defrags:        newDesc("tiered", "defrags_total", "Total small-bin defragmentations"),
		overflows:      newDesc("tiered", "stash_overflows_total", "Total stashes refused at the write-depth limit or failed, plus cancels that found no pending stash"),
		pendingStashes: newDesc("tiered", "stashes_pending", "Stash writes currently in flight"),
		offloadedBytes: newDesc("tiered", "offloaded_bytes", "Bytes currently offloaded to disk"),
		allocatedPages: newDesc("tiered", "allocated_pages", "Pages allocated in the backing file"),
		capacityBytes:  newDesc("tiered", "capacity_bytes", "Size limit of the backing file"),
		coolMemory:     newDesc("tiered", "cool_memory_bytes", "Heap bytes held by cool payloads"),
		coolRecords:    newDesc("tiered", "cool_records", "Payloads in the cool queue"),
		smallBins:      newDesc("tiered", "small_bins", "Small bins stashed on disk"),
	}
}

func newDesc(sub, name, help string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, sub, name), help, nil, nil)
}

func (c *StormKVCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.keys
	ch <- c.usedMemory
	ch <- c.activeConns
	ch <- c.totalConns
	ch <- c.stashes
	ch <- c.fetches
	ch <- c.cancels
	ch <- c.defrags
	ch <- c.overflows
	ch <- c.pendingStashes
	ch <- c.offloadedBytes
	ch <- c.allocatedPages
	ch <- c.capacityBytes
	ch <- c.coolMemory
	ch <- c.coolRecords
	ch <- c.smallBins
}

func (c *StormKVCollector) Collect(ch chan<- prometheus.Metric) {
	var keys, usedMem float64
	var ts tiered.Stats

	for i := 0; i < c.store.ShardCount(); i++ {
		sh := c.store.ShardAt(i)
		keys += float64(sh.KeyCount())
		usedMem += float64(sh.UsedMemory())
		st := sh.TieredStats()
		ts.TotalStashes += st.TotalStashes
		ts.TotalFetches += st.TotalFetches
		ts.TotalCancels += st.TotalCancels
		ts.TotalDefrags += st.TotalDefrags
		ts.StashOverflowCnt += st.StashOverflowCnt
		ts.PendingStashCnt += st.PendingStashCnt
		ts.OffloadedBytes += st.OffloadedBytes
		ts.AllocatedPages += st.AllocatedPages
		ts.CapacityBytes += st.CapacityBytes
		ts.CoolMemory += st.CoolMemory
		ts.CoolRecords += st.CoolRecords
		ts.SmallBinsCnt += st.SmallBinsCnt
	}

	ch <- prometheus.MustNewConstMetric(c.keys, prometheus.GaugeValue, keys)
	ch <- prometheus.MustNewConstMetric(c.usedMemory, prometheus.GaugeValue, usedMem)
	ch <- prometheus.MustNewConstMetric(c.stashes, prometheus.CounterValue, float64(ts.TotalStashes))
	ch <- prometheus.MustNewConstMetric(c.fetches, prometheus.CounterValue, float64(ts.TotalFetches))
	ch <- prometheus.MustNewConstMetric(c.cancels, prometheus.CounterValue, float64(ts.TotalCancels))
	ch <- prometheus.MustNewConstMetric(c.defrags, prometheus.CounterValue, float64(ts.TotalDefrags))
	ch <- prometheus.MustNewConstMetric(c.overflows, prometheus.CounterValue, float64(ts.StashOverflowCnt))
	ch <- prometheus.MustNewConstMetric(c.pendingStashes, prometheus.GaugeValue, float64(ts.PendingStashCnt))
	ch <- prometheus.MustNewConstMetric(c.offloadedBytes, prometheus.GaugeValue, float64(ts.OffloadedBytes))
	ch <- prometheus.MustNewConstMetric(c.allocatedPages, prometheus.GaugeValue, float64(ts.AllocatedPages))
	ch <- prometheus.MustNewConstMetric(c.capacityBytes, prometheus.GaugeValue, float64(ts.CapacityBytes))
	ch <- prometheus.MustNewConstMetric(c.coolMemory, prometheus.GaugeValue, float64(ts.CoolMemory))
	ch <- prometheus.MustNewConstMetric(c.coolRecords, prometheus.GaugeValue, float64(ts.CoolRecords))
	ch <- prometheus.MustNewConstMetric(c.smallBins, prometheus.GaugeValue, float64(ts.SmallBinsCnt))

	if c.serverStats != nil {
		ch <- prometheus.MustNewConstMetric(c.activeConns, prometheus.GaugeValue, float64(c.serverStats.ActiveConns()))
		ch <- prometheus.MustNewConstMetric(c.totalConns, prometheus.CounterValue, float64(c.serverStats.TotalConns()))
	}
}

func StartMetricsServer(addr string, store *shard.Store, serverStats ServerStatsProvider, logger *slog.Logger) {
	if addr == "" {
		return
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(NewStormKVCollector(store, serverStats))
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	go func() {
		logger.Info("Metrics server starting", "addr", addr)
		http.ListenAndServe(addr, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}()
}
