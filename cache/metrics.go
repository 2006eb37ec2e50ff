package cache

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "netboot"
	metricsSubsystem = "cache"
)

type metrics struct {
	hits           prometheus.Counter
	misses         prometheus.Counter
	builds         *prometheus.CounterVec
	evictions      prometheus.Counter
	evictionErrors prometheus.Counter
	bytes          prometheus.Gauge
	entries        prometheus.Gauge
}

// newMetrics creates the cache collectors and registers them with reg when
// reg is non-nil. Unregistered collectors still count.
func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      name,
			Help:      help,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      name,
			Help:      help,
		})
	}
	m := &metrics{
		hits:   counter("hits_total", "Archive lookups served from the cache."),
		misses: counter("misses_total", "Archive lookups that waited for a build."),
		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "builds_total",
			Help:      "Archive builds by result.",
		}, []string{"result"}),
		evictions:      counter("evictions_total", "Entries evicted to stay within the size limit."),
		evictionErrors: counter("eviction_errors_total", "Evictions that failed and left the entry in place."),
		bytes:          gauge("bytes", "Total size of cached archives."),
		entries:        gauge("entries", "Number of cached archives."),
	}
	if reg == nil {
		return m, nil
	}
	for _, col := range []prometheus.Collector{
		m.hits, m.misses, m.builds, m.evictions, m.evictionErrors, m.bytes, m.entries,
	} {
		if err := reg.Register(col); err != nil {
			return nil, fmt.Errorf("register cache metrics: %w", err)
		}
	}
	return m, nil
}

func (c *Cache) updateGaugesLocked() {
	c.metrics.bytes.Set(float64(c.bytes))
	c.metrics.entries.Set(float64(len(c.entries)))
}
