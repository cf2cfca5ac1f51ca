// Package metrics provides Prometheus instrumentation for ingestion runs.
//
// A Collector registers its metrics on the registry it is given, so tests
// and multiple runs in one process never collide on the default registry.
//
//	reg := prometheus.NewRegistry()
//	m := metrics.NewCollector(reg)
//	m.PageDone(metrics.StatusLoaded)
//	m.RecordsInserted(50)
//	http.Handle("/metrics", metrics.Handler(reg))
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wbingest"

// Page outcome labels
const (
	StatusLoaded      = "loaded"
	StatusFetchFailed = "fetch_failed"
	StatusLoadFailed  = "load_failed"
)

// Stage labels for durations
const (
	StageProvision = "provision"
	StageReadiness = "readiness"
	StageSchema    = "schema"
	StageFetch     = "fetch"
	StageLoad      = "load"
)

// Collector holds the metrics of the pipeline.
type Collector struct {
	pages           *prometheus.CounterVec
	recordsInserted prometheus.Counter
	recordsFailed   prometheus.Counter
	stageDuration   *prometheus.HistogramVec
	pagesExpected   prometheus.Gauge
	lastSuccess     prometheus.Gauge
}

// NewCollector registers the pipeline metrics on reg. A nil reg uses a
// private registry, which is what tests want.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Collector{
		pages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_total",
			Help:      "Pages attempted, by outcome",
		}, []string{"status"}),
		recordsInserted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_inserted_total",
			Help:      "Records committed to the destination table",
		}),
		recordsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_failed_total",
			Help:      "Records rejected by validation or insert",
		}),
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"stage"}),
		pagesExpected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pages_expected",
			Help:      "Pages in the range derived from the first page",
		}),
		lastSuccess: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_completed_timestamp_seconds",
			Help:      "Unix time of the last run that reached DONE",
		}),
	}
}

// PageDone counts a page outcome.
func (c *Collector) PageDone(status string) {
	c.pages.WithLabelValues(status).Inc()
}

// RecordsInserted adds committed records.
func (c *Collector) RecordsInserted(n int) {
	if n > 0 {
		c.recordsInserted.Add(float64(n))
	}
}

// RecordsFailed adds rejected records.
func (c *Collector) RecordsFailed(n int) {
	if n > 0 {
		c.recordsFailed.Add(float64(n))
	}
}

// ObserveStage records how long a stage took.
func (c *Collector) ObserveStage(stage string, d time.Duration) {
	c.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// PagesExpected sets the size of the page range.
func (c *Collector) PagesExpected(n int) {
	c.pagesExpected.Set(float64(n))
}

// RunCompleted marks a run that reached DONE.
func (c *Collector) RunCompleted(at time.Time) {
	c.lastSuccess.Set(float64(at.Unix()))
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
