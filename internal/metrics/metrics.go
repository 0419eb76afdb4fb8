// Package metrics provides Prometheus metrics for the enhancement pipeline.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Labels stay low-cardinality: no job IDs, paths or locators.

var (
	// FramesEnhancedTotal counts frames written by the video stage.
	FramesEnhancedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mediaenhancer_frames_enhanced_total",
		Help: "Total number of frames upscaled and written by the video stage.",
	})

	// StageDuration observes how long each stage ran, by stage and result.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mediaenhancer_stage_duration_seconds",
		Help:    "Duration of pipeline stages, by stage and result.",
		Buckets: []float64{0.5, 1, 5, 15, 30, 60, 180, 600, 1800, 3600},
	}, []string{"stage", "result"})

	// PipelineRunsTotal counts coordinator runs by result.
	PipelineRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediaenhancer_pipeline_runs_total",
		Help: "Total number of pipeline runs, by result (success/failure/cancelled).",
	}, []string{"result"})

	// FailuresTotal counts failures by stage and error kind.
	FailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediaenhancer_failures_total",
		Help: "Total number of failed stage runs, by stage and error kind.",
	}, []string{"stage", "kind"})

	// ActiveJobs tracks jobs that are downloading or enhancing.
	ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mediaenhancer_active_jobs",
		Help: "Current number of jobs downloading or enhancing.",
	})

	// FetchBytesTotal counts bytes reported downloaded by the fetcher.
	FetchBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mediaenhancer_fetch_bytes_total",
		Help: "Total number of bytes downloaded from remote locators.",
	})

	// HTTPRequestDuration observes API latency by route pattern.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mediaenhancer_http_request_duration_seconds",
		Help:    "HTTP request latencies in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	HTTPRequestsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mediaenhancer_http_requests_in_flight",
		Help: "Current number of HTTP requests being served.",
	})
)

// RecordStage observes a finished stage run.
func RecordStage(stage, result string, d time.Duration) {
	StageDuration.WithLabelValues(stage, result).Observe(d.Seconds())
}

// RecordFailure counts a failed stage run.
func RecordFailure(stage, kind string) {
	FailuresTotal.WithLabelValues(stage, kind).Inc()
}

// RecordRun counts a finished pipeline run.
func RecordRun(result string) {
	PipelineRunsTotal.WithLabelValues(result).Inc()
}

// RecordFrames adds n written frames.
func RecordFrames(n int) {
	FramesEnhancedTotal.Add(float64(n))
}

// RecordFetchBytes adds n downloaded bytes.
func RecordFetchBytes(n int64) {
	if n > 0 {
		FetchBytesTotal.Add(float64(n))
	}
}

// RecordHTTP observes one served request.
func RecordHTTP(method, route string, status int, d time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}
