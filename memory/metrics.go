package memory

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// poolCollector exposes the registry's pool counters as prometheus metrics,
// labeled by device and strategy. Pools are single-stream and the collector
// reads their counters without synchronization, so scraped values are
// advisory snapshots.
type poolCollector struct {
	pools *Pools

	bytesHeld    *prometheus.Desc
	tracked      *prometheus.Desc
	free         *prometheus.Desc
	reuseHits    *prometheus.Desc
	nativeAllocs *prometheus.Desc
	agedReleases *prometheus.Desc
}

// NewPoolCollector creates a prometheus collector over a pool registry.
// Registration is explicit and up to the caller.
func NewPoolCollector(pools *Pools) prometheus.Collector {
	labels := []string{"device", "strategy"}
	return &poolCollector{
		pools: pools,
		bytesHeld: prometheus.NewDesc("gonpu_pool_bytes_held",
			"Bytes currently held from the native allocator.", labels, nil),
		tracked: prometheus.NewDesc("gonpu_pool_buffers_tracked",
			"Buffers tracked by the pool, live and free.", labels, nil),
		free: prometheus.NewDesc("gonpu_pool_buffers_free",
			"Tracked buffers currently free for reuse.", labels, nil),
		reuseHits: prometheus.NewDesc("gonpu_pool_reuse_hits_total",
			"Allocations serviced by reusing a free buffer.", labels, nil),
		nativeAllocs: prometheus.NewDesc("gonpu_pool_native_allocs_total",
			"Native device allocations (commit growths for the VMM pool).", labels, nil),
		agedReleases: prometheus.NewDesc("gonpu_pool_aged_releases_total",
			"Idle buffers released back to the native allocator.", labels, nil),
	}
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.bytesHeld
	ch <- c.tracked
	ch <- c.free
	ch <- c.reuseHits
	ch <- c.nativeAllocs
	ch <- c.agedReleases
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	for _, pool := range c.pools.snapshot() {
		st := pool.Stats()
		dev := strconv.Itoa(pool.Device())
		strategy := pool.Strategy().String()
		ch <- prometheus.MustNewConstMetric(c.bytesHeld, prometheus.GaugeValue, float64(st.BytesHeld), dev, strategy)
		ch <- prometheus.MustNewConstMetric(c.tracked, prometheus.GaugeValue, float64(st.Tracked), dev, strategy)
		ch <- prometheus.MustNewConstMetric(c.free, prometheus.GaugeValue, float64(st.Free), dev, strategy)
		ch <- prometheus.MustNewConstMetric(c.reuseHits, prometheus.CounterValue, float64(st.ReuseHits), dev, strategy)
		ch <- prometheus.MustNewConstMetric(c.nativeAllocs, prometheus.CounterValue, float64(st.NativeAllocs), dev, strategy)
		ch <- prometheus.MustNewConstMetric(c.agedReleases, prometheus.CounterValue, float64(st.AgedReleases), dev, strategy)
	}
}
