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
// プロバイダークライアントやサービス層から利用する。
type MetricsCollector interface {
	RecordMemberstackRequest(operation string, statusCode int, duration time.Duration)
	RecordAuthEvent(event string, result string)
	RecordCheckout(result string)
	RecordWebhookEvent(eventType string)
	RecordReleasesRefresh(success bool)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	memberstackRequests *prometheus.CounterVec
	memberstackLatency  *prometheus.HistogramVec
	authEvents          *prometheus.CounterVec
	checkouts           *prometheus.CounterVec
	webhookEvents       *prometheus.CounterVec
	releasesRefresh     *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		memberstackRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowsweb_memberstack_requests_total",
			Help: "Memberstack APIリクエスト数（操作・ステータス別）",
		}, []string{"operation", "status"}),
		memberstackLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowsweb_memberstack_request_duration_seconds",
			Help:    "Memberstack APIリクエストのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		authEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowsweb_auth_events_total",
			Help: "認証イベント数（login, signup, sync, logout, google）",
		}, []string{"event", "result"}),
		checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowsweb_checkout_sessions_total",
			Help: "Stripe Checkoutセッション作成数",
		}, []string{"result"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowsweb_stripe_webhook_events_total",
			Help: "受信したStripe Webhookイベント数",
		}, []string{"type"}),
		releasesRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowsweb_releases_refresh_total",
			Help: "appcast再取得の回数",
		}, []string{"result"}),
	}

	reg.MustRegister(
		c.memberstackRequests,
		c.memberstackLatency,
		c.authEvents,
		c.checkouts,
		c.webhookEvents,
		c.releasesRefresh,
	)

	return c
}

// RecordMemberstackRequest はMemberstack APIの呼び出し結果を記録する。
// statusCodeが0の場合は通信エラーとして"error"ラベルで記録する。
func (c *Collector) RecordMemberstackRequest(operation string, statusCode int, duration time.Duration) {
	status := "error"
	if statusCode > 0 {
		status = strconv.Itoa(statusCode)
	}
	c.memberstackRequests.WithLabelValues(operation, status).Inc()
	c.memberstackLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordAuthEvent は認証イベントを記録する。
func (c *Collector) RecordAuthEvent(event string, result string) {
	c.authEvents.WithLabelValues(event, result).Inc()
}

// RecordCheckout はCheckoutセッション作成結果を記録する。
func (c *Collector) RecordCheckout(result string) {
	c.checkouts.WithLabelValues(result).Inc()
}

// RecordWebhookEvent はWebhookイベントの受信を記録する。
func (c *Collector) RecordWebhookEvent(eventType string) {
	c.webhookEvents.WithLabelValues(eventType).Inc()
}

// RecordReleasesRefresh はappcast再取得の結果を記録する。
func (c *Collector) RecordReleasesRefresh(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	c.releasesRefresh.WithLabelValues(result).Inc()
}

// Nop は何も記録しないMetricsCollector。テストや計測不要な構成で使う。
type Nop struct{}

func (Nop) RecordMemberstackRequest(string, int, time.Duration) {}
func (Nop) RecordAuthEvent(string, string)                      {}
func (Nop) RecordCheckout(string)                               {}
func (Nop) RecordWebhookEvent(string)                           {}
func (Nop) RecordReleasesRefresh(bool)                          {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
