// Package metrics exposes build, transfer and cache counters to
// Prometheus. Every method is safe on a nil *Metrics so components can
// run without instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "skytiles"

// Transfer results used as label values.
const (
	ResultCopied   = "copied"
	ResultSkipped  = "skipped"
	ResultNotFound = "not_found"
	ResultFailed   = "failed"
)

type Metrics struct {
	// TilesTotal counts tiles written. Labels: kind (leaf, node, allsky).
	TilesTotal *prometheus.CounterVec
	// AbsentTotal counts cells that produced no tile. Labels: kind.
	AbsentTotal *prometheus.CounterVec
	// TransfersTotal counts finished transfers. Labels: result.
	TransfersTotal *prometheus.CounterVec
	// TransferBytes counts bytes written by transfers.
	TransferBytes prometheus.Counter
	// TransferRetries counts retried transfer attempts.
	TransferRetries prometheus.Counter
	// Workers is the current worker pool size.
	Workers prometheus.Gauge
	// CacheBytes is the disk cache usage.
	CacheBytes prometheus.Gauge
	// CacheEvictions counts entries removed by eviction sweeps.
	CacheEvictions prometheus.Counter
	// CacheHits counts acquisitions served from an existing entry.
	CacheHits prometheus.Counter
}

// New registers every collector with reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		TilesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pyramid", Name: "tiles_total",
			Help: "Tiles written by kind.",
		}, []string{"kind"}),
		AbsentTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pyramid", Name: "absent_total",
			Help: "Cells that yielded no tile, by kind.",
		}, []string{"kind"}),
		TransfersTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transfer", Name: "files_total",
			Help: "Finished transfers by result.",
		}, []string{"result"}),
		TransferBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transfer", Name: "bytes_total",
			Help: "Bytes written by transfers.",
		}),
		TransferRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transfer", Name: "retries_total",
			Help: "Transfer attempts that were retried.",
		}),
		Workers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "workers",
			Help: "Current worker pool size.",
		}),
		CacheBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cache", Name: "bytes",
			Help: "Disk cache usage in bytes.",
		}),
		CacheEvictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "evictions_total",
			Help: "Cache entries removed by eviction.",
		}),
		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "hits_total",
			Help: "Acquisitions served by an existing cache entry.",
		}),
	}
}

func (m *Metrics) Tile(kind string) {
	if m != nil {
		m.TilesTotal.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Absent(kind string) {
	if m != nil {
		m.AbsentTotal.WithLabelValues(kind).Inc()
	}
}

// Transfer records one finished transfer.
func (m *Metrics) Transfer(result string, bytes int64) {
	if m == nil {
		return
	}
	m.TransfersTotal.WithLabelValues(result).Inc()
	if bytes > 0 {
		m.TransferBytes.Add(float64(bytes))
	}
}

func (m *Metrics) Retry() {
	if m != nil {
		m.TransferRetries.Inc()
	}
}

func (m *Metrics) SetWorkers(n int) {
	if m != nil {
		m.Workers.Set(float64(n))
	}
}

func (m *Metrics) SetCacheBytes(n int64) {
	if m != nil {
		m.CacheBytes.Set(float64(n))
	}
}

func (m *Metrics) Evicted(n int) {
	if m != nil && n > 0 {
		m.CacheEvictions.Add(float64(n))
	}
}

func (m *Metrics) CacheHit() {
	if m != nil {
		m.CacheHits.Inc()
	}
}

// Handler serves the collectors registered with g.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
