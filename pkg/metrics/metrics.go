// Package metrics exports streamed write progress as Prometheus metrics.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rasterstream/internal/models"
)

// Observer is a writer observer feeding a registry.
type Observer struct {
	reg *prometheus.Registry

	tiles    prometheus.Counter
	bytes    prometheus.Counter
	runs     *prometheus.CounterVec
	progress prometheus.Gauge
	tileTime prometheus.Histogram
	runTime  *prometheus.SummaryVec

	mu        sync.Mutex
	last      time.Time
	lastBytes uint64
}

// New registers the rasterstream collectors on reg. A nil reg gets a fresh
// registry.
func New(reg *prometheus.Registry) (*Observer, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	o := &Observer{
		reg: reg,

		tiles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rasterstream_tiles_written_total",
			Help: "Number of pieces handed to a sink.",
		}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rasterstream_bytes_streamed_total",
			Help: "In-memory size of the pieces handed to a sink.",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rasterstream_runs_total",
			Help: "Finished streamed writes by outcome.",
		}, []string{"status"}),
		progress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rasterstream_progress_ratio",
			Help: "Fraction of the current pass already written.",
		}),
		tileTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rasterstream_tile_duration_seconds",
			Help:    "Time to compute and write one piece.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		runTime: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       "rasterstream_run_duration_seconds",
			Help:       "Duration of streamed writes by strategy.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}, []string{"strategy"}),
	}
	for _, c := range []prometheus.Collector{o.tiles, o.bytes, o.runs, o.progress, o.tileTime, o.runTime} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// Registry is the registry the collectors live in.
func (o *Observer) Registry() *prometheus.Registry { return o.reg }

// Handler serves the registry in the Prometheus exposition format.
func (o *Observer) Handler() http.Handler {
	return promhttp.HandlerFor(o.reg, promhttp.HandlerOpts{})
}

func (o *Observer) Started(models.RunStats) {
	o.mu.Lock()
	o.last, o.lastBytes = time.Now(), 0
	o.mu.Unlock()
	o.progress.Set(0)
}

func (o *Observer) TileWritten(_ models.Tile, stats models.RunStats) {
	o.mu.Lock()
	now := time.Now()
	o.tileTime.Observe(now.Sub(o.last).Seconds())
	o.bytes.Add(float64(stats.Bytes - o.lastBytes))
	o.last, o.lastBytes = now, stats.Bytes
	o.mu.Unlock()

	o.tiles.Inc()
	o.progress.Set(stats.Progress())
}

func (o *Observer) Finished(stats models.RunStats) {
	status := "ok"
	if stats.Err != nil {
		status = "failed"
	}
	o.runs.WithLabelValues(status).Inc()
	o.runTime.WithLabelValues(stats.Strategy).Observe(stats.Duration.Seconds())
}
