package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	vfserrors "github.com/objectfs/sqlitevfs/pkg/errors"
)

// BackendStats is what an installed backend reports on every scrape.
type BackendStats struct {
	// Capacity is the number of pool slots. Zero for the relaxed backend.
	Capacity       int
	Files          int
	Open           int
	DirtyBlocks    int
	PendingRemoval int
	Commits        uint64
	CommitFailures uint64
	BreakerOpen    bool
}

// backendCollector reads a backend's stats at scrape time.
type backendCollector struct {
	stats func() BackendStats

	capacity *prometheus.Desc
	files    *prometheus.Desc
	open     *prometheus.Desc
	dirty    *prometheus.Desc
	pending  *prometheus.Desc
	commits  *prometheus.Desc
	failures *prometheus.Desc
	breaker  *prometheus.Desc
}

func newBackendCollector(namespace, vfs string, stats func() BackendStats) *backendCollector {
	labels := prometheus.Labels{"vfs": vfs}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "backend", name), help, nil, labels)
	}
	return &backendCollector{
		stats:    stats,
		capacity: desc("slots", "Number of pool slots"),
		files:    desc("files", "Number of files the backend holds"),
		open:     desc("open_files", "Number of files with open handles"),
		dirty:    desc("dirty_blocks", "Blocks written but not yet committed"),
		pending:  desc("pending_removals", "Blocks queued for removal from the store"),
		commits:  desc("commits_total", "Successful commits to the store"),
		failures: desc("commit_failures_total", "Failed commits to the store"),
		breaker:  desc("commit_breaker_open", "1 while background commits are suspended"),
	}
}

func (b *backendCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		b.capacity, b.files, b.open, b.dirty, b.pending, b.commits, b.failures, b.breaker,
	} {
		ch <- d
	}
}

func (b *backendCollector) Collect(ch chan<- prometheus.Metric) {
	st := b.stats()
	breaker := 0.0
	if st.BreakerOpen {
		breaker = 1
	}
	ch <- prometheus.MustNewConstMetric(b.capacity, prometheus.GaugeValue, float64(st.Capacity))
	ch <- prometheus.MustNewConstMetric(b.files, prometheus.GaugeValue, float64(st.Files))
	ch <- prometheus.MustNewConstMetric(b.open, prometheus.GaugeValue, float64(st.Open))
	ch <- prometheus.MustNewConstMetric(b.dirty, prometheus.GaugeValue, float64(st.DirtyBlocks))
	ch <- prometheus.MustNewConstMetric(b.pending, prometheus.GaugeValue, float64(st.PendingRemoval))
	ch <- prometheus.MustNewConstMetric(b.commits, prometheus.CounterValue, float64(st.Commits))
	ch <- prometheus.MustNewConstMetric(b.failures, prometheus.CounterValue, float64(st.CommitFailures))
	ch <- prometheus.MustNewConstMetric(b.breaker, prometheus.GaugeValue, breaker)
}

// TrackBackend exports the stats of an installed VFS until UntrackBackend.
func (c *Collector) TrackBackend(vfs string, stats func() BackendStats) error {
	if !c.enabled() {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.backends[vfs]; ok {
		return vfserrors.New(vfserrors.KindInvalidState, "backend is already tracked").
			WithComponent("metrics").WithPath(vfs)
	}
	bc := newBackendCollector(c.config.Namespace, vfs, stats)
	if err := c.registry.Register(bc); err != nil {
		return vfserrors.Wrap(vfserrors.KindInvalidState, err, "failed to register backend metrics").
			WithComponent("metrics").WithPath(vfs)
	}
	c.backends[vfs] = bc
	return nil
}

// UntrackBackend stops exporting the stats of vfs.
func (c *Collector) UntrackBackend(vfs string) {
	if !c.enabled() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if bc, ok := c.backends[vfs]; ok {
		c.registry.Unregister(bc)
		delete(c.backends, vfs)
	}
}
