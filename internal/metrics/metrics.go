// Package metrics exposes Prometheus instrumentation for the ingestion
// pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the pipeline collectors. Failures are labelled by error
// kind so archive-bomb rejections and store outages alert differently.
type Metrics struct {
	JobsStarted     prometheus.Counter
	JobsCompleted   prometheus.Counter
	JobsFailed      *prometheus.CounterVec
	JobDuration     prometheus.Histogram
	PagesPerChapter prometheus.Histogram
	ActiveJobs      prometheus.Gauge
}

// New registers the pipeline collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		JobsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "mangrove_ingest_jobs_started_total",
			Help: "Chapter upload jobs accepted for processing.",
		}),
		JobsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "mangrove_ingest_jobs_completed_total",
			Help: "Chapter upload jobs that published successfully.",
		}),
		JobsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mangrove_ingest_jobs_failed_total",
			Help: "Chapter upload jobs that failed, by error kind.",
		}, []string{"kind"}),
		JobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mangrove_ingest_job_duration_seconds",
			Help:    "End-to-end processing time of one upload job.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		PagesPerChapter: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mangrove_ingest_pages_per_chapter",
			Help:    "Validated page count of published chapters.",
			Buckets: []float64{5, 10, 20, 30, 50, 80, 120, 200},
		}),
		ActiveJobs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mangrove_ingest_active_jobs",
			Help: "Upload jobs currently being processed.",
		}),
	}
}
