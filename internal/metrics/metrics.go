// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ハンドラーやワーカー層から利用する。
type MetricsCollector interface {
	RecordSubmission()
	RecordRateLimitRejection()
	RecordThreadCreated()
	RecordRunError()
	RecordRunLatency(duration time.Duration)
	RecordChatAPIStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	submissions         prometheus.Counter
	rateLimitRejections prometheus.Counter
	threadsCreated      prometheus.Counter
	runErrors           prometheus.Counter
	runLatency          prometheus.Histogram
	chatAPIStatus       *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		submissions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "talkgate_submissions_total",
			Help: "受付した登壇応募の合計数",
		}),
		rateLimitRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "talkgate_rate_limit_rejections_total",
			Help: "レート制限で拒否されたリクエストの合計数",
		}),
		threadsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "talkgate_threads_created_total",
			Help: "自動作成されたスレッドの合計数",
		}),
		runErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "talkgate_autothread_errors_total",
			Help: "自動スレッド化サイクル中のエラーの合計数",
		}),
		runLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "talkgate_autothread_run_seconds",
			Help:    "自動スレッド化サイクルの所要時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		chatAPIStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "talkgate_chat_api_status_total",
			Help: "チャットAPIのHTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.submissions,
		c.rateLimitRejections,
		c.threadsCreated,
		c.runErrors,
		c.runLatency,
		c.chatAPIStatus,
	)

	return c
}

// RecordSubmission は応募の受付を記録する。
func (c *Collector) RecordSubmission() {
	c.submissions.Inc()
}

// RecordRateLimitRejection はレート制限による拒否を記録する。
func (c *Collector) RecordRateLimitRejection() {
	c.rateLimitRejections.Inc()
}

// RecordThreadCreated はスレッドの作成を記録する。
func (c *Collector) RecordThreadCreated() {
	c.threadsCreated.Inc()
}

// RecordRunError はサイクル中のエラーを記録する。
func (c *Collector) RecordRunError() {
	c.runErrors.Inc()
}

// RecordRunLatency はサイクルの所要時間を記録する。
func (c *Collector) RecordRunLatency(duration time.Duration) {
	c.runLatency.Observe(duration.Seconds())
}

// RecordChatAPIStatus はチャットAPIのHTTPステータスコードを記録する。
func (c *Collector) RecordChatAPIStatus(statusCode int) {
	c.chatAPIStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
