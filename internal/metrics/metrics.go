// Package metrics はジョブ処理の Prometheus メトリクスを提供します。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "convert_forge"

var durationBuckets = []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 90, 120, 180}

// Metrics はジョブ・エンジン・ワーカープールのメトリクスを保持します。
// グローバルレジストリではなく専用のレジストリに登録します。
type Metrics struct {
	registry *prometheus.Registry

	submitted       *prometheus.CounterVec
	finished        *prometheus.CounterVec
	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	jobDuration     *prometheus.HistogramVec
	reclaimed       *prometheus.CounterVec
	running         prometheus.Gauge
	waiting         prometheus.Gauge
}

// New はメトリクスを生成し、専用レジストリに登録します。
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		submitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Number of conversion submissions by admission result",
		}, []string{"result"}),
		finished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Number of jobs that reached a terminal state",
		}, []string{"status", "engine"}),
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_attempts_total",
			Help:      "Number of conversion attempts by engine and result",
		}, []string{"engine", "result"}),
		attemptDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_attempt_duration_seconds",
			Help:      "Duration of a single engine invocation",
			Buckets:   durationBuckets,
		}, []string{"engine"}),
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_processing_duration_seconds",
			Help:      "Time from leaving the queue until the terminal state",
			Buckets:   durationBuckets,
		}, []string{"status"}),
		reclaimed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_reclaimed_total",
			Help:      "Number of jobs whose artifacts were removed",
		}, []string{"reason"}),
		running: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_busy",
			Help:      "Number of worker slots currently running a job",
		}),
		waiting: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of jobs waiting for a worker slot",
		}),
	}
}

// Handler は /metrics 用の HTTP ハンドラーを返します。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry はテストや追加コレクター登録用にレジストリを返します。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) JobSubmitted(result string) {
	m.submitted.WithLabelValues(result).Inc()
}

func (m *Metrics) AttemptFinished(engine, result string, elapsed time.Duration) {
	m.attempts.WithLabelValues(engine, result).Inc()
	m.attemptDuration.WithLabelValues(engine).Observe(elapsed.Seconds())
}

func (m *Metrics) JobFinished(status, engine string, elapsed time.Duration) {
	m.finished.WithLabelValues(status, engine).Inc()
	m.jobDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}

func (m *Metrics) JobReclaimed(reason string) {
	m.reclaimed.WithLabelValues(reason).Inc()
}

// PoolChanged はワーカープールの実行数と待機数を反映します。
func (m *Metrics) PoolChanged(running, waiting int) {
	m.running.Set(float64(running))
	m.waiting.Set(float64(waiting))
}
