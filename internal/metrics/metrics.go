// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ハンドラーやパイプラインから利用する。
type MetricsCollector interface {
	RecordIngest(result string)
	RecordJobResult(result string)
	RecordStepFailure(step string)
	RecordJobLatency(duration time.Duration)
	RecordWake()
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	ingestTotal  *prometheus.CounterVec
	jobsTotal    *prometheus.CounterVec
	stepFailures *prometheus.CounterVec
	jobLatency   prometheus.Histogram
	wakesTotal   prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		ingestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linkman_ingest_total",
			Help: "インジェスト結果別の合計数",
		}, []string{"result"}),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linkman_jobs_total",
			Help: "処理ジョブの終端結果別の合計数",
		}, []string{"result"}),
		stepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linkman_step_failures_total",
			Help: "回復可能なステップ失敗のステップ別合計数",
		}, []string{"step"}),
		jobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "linkman_job_latency_seconds",
			Help:    "処理ジョブのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		wakesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linkman_wakes_total",
			Help: "アクターのウェイク回数",
		}),
	}

	reg.MustRegister(
		c.ingestTotal,
		c.jobsTotal,
		c.stepFailures,
		c.jobLatency,
		c.wakesTotal,
	)

	return c
}

// RecordIngest はインジェスト結果（ingested/duplicate/rejected）を記録する。
func (c *Collector) RecordIngest(result string) {
	c.ingestTotal.WithLabelValues(result).Inc()
}

// RecordJobResult はジョブの終端結果（completed/failed）を記録する。
func (c *Collector) RecordJobResult(result string) {
	c.jobsTotal.WithLabelValues(result).Inc()
}

// RecordStepFailure は回復可能なステップ失敗を記録する。
func (c *Collector) RecordStepFailure(step string) {
	c.stepFailures.WithLabelValues(step).Inc()
}

// RecordJobLatency はジョブのレイテンシを記録する。
func (c *Collector) RecordJobLatency(duration time.Duration) {
	c.jobLatency.Observe(duration.Seconds())
}

// RecordWake はアクターのウェイクを記録する。
func (c *Collector) RecordWake() {
	c.wakesTotal.Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
