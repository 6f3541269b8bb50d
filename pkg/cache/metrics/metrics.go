// Package metrics exposes upload pipeline and content cache telemetry to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/valandreev/mediasync/pkg/media"
)

const namespace = "mediasync"

// Uploads implements uploader.Metrics on Prometheus collectors.
type Uploads struct {
	queued    *prometheus.CounterVec
	started   *prometheus.CounterVec
	retried   *prometheus.CounterVec
	completed *prometheus.CounterVec
	failed    *prometheus.CounterVec
	bytes     *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

// NewUploads creates the upload collectors and registers them with reg.
func NewUploads(reg prometheus.Registerer) (*Uploads, error) {
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      name,
			Help:      help,
		}, labels)
	}

	u := &Uploads{
		queued:    counter("queued_total", "Uploads accepted by the pipeline.", "kind"),
		started:   counter("attempts_total", "Transfer attempts started.", "kind"),
		retried:   counter("retries_total", "Transfer attempts that followed a failed one.", "kind"),
		completed: counter("completed_total", "Uploads confirmed by the remote store.", "kind"),
		failed:    counter("failed_total", "Uploads that ended in a final failure.", "kind", "reason"),
		bytes:     counter("bytes_total", "Bytes confirmed by the remote store.", "kind"),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "duration_seconds",
			Help:      "Wall time of successful uploads including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"kind"}),
	}

	for _, c := range []prometheus.Collector{u.queued, u.started, u.retried, u.completed, u.failed, u.bytes, u.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return u, nil
}

func (u *Uploads) RecordQueued(kind media.Kind) {
	u.queued.WithLabelValues(string(kind)).Inc()
}

func (u *Uploads) RecordStarted(kind media.Kind) {
	u.started.WithLabelValues(string(kind)).Inc()
}

func (u *Uploads) RecordRetried(kind media.Kind) {
	u.retried.WithLabelValues(string(kind)).Inc()
}

func (u *Uploads) RecordCompleted(kind media.Kind, bytes int64, elapsed time.Duration) {
	u.completed.WithLabelValues(string(kind)).Inc()
	u.bytes.WithLabelValues(string(kind)).Add(float64(bytes))
	u.duration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
}

func (u *Uploads) RecordFailed(kind media.Kind, reason string) {
	u.failed.WithLabelValues(string(kind), reason).Inc()
}

// CacheSnapshot is what the cache collector reads on every scrape.
type CacheSnapshot struct {
	Entries       int
	Bytes         int64
	SoftThreshold int64
	MaxSize       int64
}

// cacheCollector reports cache occupancy lazily at scrape time.
type cacheCollector struct {
	snapshot func() CacheSnapshot

	entries   *prometheus.Desc
	bytes     *prometheus.Desc
	threshold *prometheus.Desc
	max       *prometheus.Desc
}

// RegisterCache registers gauges backed by snapshot.
func RegisterCache(reg prometheus.Registerer, snapshot func() CacheSnapshot) error {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "cache", name), help, nil, nil)
	}
	return reg.Register(&cacheCollector{
		snapshot:  snapshot,
		entries:   desc("entries", "Entries in the content cache index."),
		bytes:     desc("size_bytes", "Total size of indexed cache entries."),
		threshold: desc("soft_threshold_bytes", "Size eviction compacts down to."),
		max:       desc("max_size_bytes", "Configured maximum cache size."),
	})
}

func (c *cacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.entries
	ch <- c.bytes
	ch <- c.threshold
	ch <- c.max
}

func (c *cacheCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.snapshot()
	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(s.Entries))
	ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.GaugeValue, float64(s.Bytes))
	ch <- prometheus.MustNewConstMetric(c.threshold, prometheus.GaugeValue, float64(s.SoftThreshold))
	ch <- prometheus.MustNewConstMetric(c.max, prometheus.GaugeValue, float64(s.MaxSize))
}

// Handler serves the registry in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
