// Package metrics provides Prometheus instrumentation for the ingest pipeline.
//
// Metrics exposed at GET /metrics:
//
//	iptv_tasks_finished_total          counter: finished tasks by type/kind/status
//	iptv_task_duration_seconds         histogram: task wall time by type/kind
//	iptv_download_bytes_total          counter: bytes fetched by kind
//	iptv_load_results_total            counter: loader outcomes by kind/record type/outcome
//	iptv_parse_rejections_total        counter: parser rejections by kind/reason
//	iptv_http_requests_total           counter: API requests by method/path/status
//	iptv_http_request_duration_seconds histogram: API latency by method/path
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"iptv-ingest/internal/domain"
)

type Metrics struct {
	gatherer prometheus.Gatherer

	tasksFinished *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	downloadBytes *prometheus.CounterVec
	loadResults   *prometheus.CounterVec
	rejections    *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

// New registers every metric with reg. Registering twice on the same registry
// panics, as with any prometheus collector.
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		tasksFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "iptv_tasks_finished_total",
			Help: "Tasks that reached a terminal status.",
		}, []string{"type", "kind", "status"}),
		taskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "iptv_task_duration_seconds",
			Help:    "Wall time from task creation to its terminal status.",
			Buckets: []float64{.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"type", "kind"}),
		downloadBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "iptv_download_bytes_total",
			Help: "Bytes written by finished download tasks.",
		}, []string{"kind"}),
		loadResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "iptv_load_results_total",
			Help: "Loader results by outcome.",
		}, []string{"kind", "record_type", "outcome"}),
		rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "iptv_parse_rejections_total",
			Help: "Feed entries rejected by the parsers.",
		}, []string{"kind", "reason"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "iptv_http_requests_total",
			Help: "Total HTTP requests handled.",
		}, []string{"method", "path", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "iptv_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}

// TaskFinished is registered as a coordinator finish hook. All recording
// methods are no-ops on a nil *Metrics.
func (m *Metrics) TaskFinished(task domain.Task) {
	if m == nil {
		return
	}
	m.tasksFinished.WithLabelValues(string(task.Type), string(task.Kind), string(task.Status)).Inc()
	if task.CompletedAt != nil {
		m.taskDuration.WithLabelValues(string(task.Type), string(task.Kind)).
			Observe(task.CompletedAt.Sub(task.StartedAt).Seconds())
	}
	if task.Type == domain.TaskTypeDownload && task.BytesDownloaded > 0 {
		m.downloadBytes.WithLabelValues(string(task.Kind)).Add(float64(task.BytesDownloaded))
	}
}

func (m *Metrics) LoadResult(kind domain.Kind, r domain.LoadResult) {
	if m == nil {
		return
	}
	m.loadResults.WithLabelValues(string(kind), r.RecordType, string(r.Outcome)).Inc()
}

func (m *Metrics) Rejections(kind domain.Kind, rejected []domain.Rejection) {
	if m == nil {
		return
	}
	for reason, n := range domain.CountByReason(rejected) {
		m.rejections.WithLabelValues(string(kind), reason).Add(float64(n))
	}
}

func (m *Metrics) ObserveHTTP(method, path string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
