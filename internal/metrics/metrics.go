/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics exposes Prometheus metrics for sweep runs. Everything is
// registered on a private registry so concurrent sweeps in one process do
// not collide.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments for one sweep run.
type Metrics struct {
	registry *prometheus.Registry

	CellsTotal     prometheus.Gauge
	CellsCompleted prometheus.Counter
	RequestsTotal  *prometheus.CounterVec

	BatchThroughput prometheus.Gauge
	BestThroughput  prometheus.Gauge
	BatchDuration   prometheus.Histogram
}

// New creates and registers all sweep metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		CellsTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mlxlab_sweep_cells_total",
			Help: "Number of grid cells in the current sweep.",
		}),

		CellsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "mlxlab_sweep_cells_completed_total",
			Help: "Grid cells completed so far, including zero-valued degraded cells.",
		}),

		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mlxlab_requests_total",
			Help: "Completion requests by outcome.",
		}, []string{"status"}),

		BatchThroughput: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mlxlab_batch_throughput_tps",
			Help: "Throughput of the most recent batch in completion tokens per second.",
		}),

		BestThroughput: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mlxlab_best_throughput_tps",
			Help: "Best batch throughput seen in the current sweep.",
		}),

		BatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mlxlab_batch_duration_seconds",
			Help:    "Wall-clock duration of request batches.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~1024s
		}),
	}
}

// ObserveRequest records one completion request outcome.
func (m *Metrics) ObserveRequest(ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	m.RequestsTotal.WithLabelValues(status).Inc()
}

// ObserveBatch records the aggregate result of one batch.
func (m *Metrics) ObserveBatch(throughputTPS, elapsedSeconds float64) {
	m.BatchThroughput.Set(throughputTPS)
	m.BatchDuration.Observe(elapsedSeconds)
}

// Handler serves the registry over HTTP for scraping during a sweep.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the private registry; tests gather from it directly.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
