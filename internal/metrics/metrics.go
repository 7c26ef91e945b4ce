// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ストア、ライブバインディング、サービス層、HTTPミドルウェアから利用する。
type MetricsCollector interface {
	RecordStoreOp(op string, err error)
	SubscriptionOpened()
	SubscriptionClosed()
	RecordUploadCreated()
	RecordAuthEvent(event string)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	storeOps       *prometheus.CounterVec
	liveSubs       prometheus.Gauge
	uploadsCreated prometheus.Counter
	authEvents     *prometheus.CounterVec
	httpStatus     *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		storeOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sheetlens_store_ops_total",
			Help: "ストア操作の合計数（操作種別・結果別）",
		}, []string{"op", "result"}),
		liveSubs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sheetlens_live_subscriptions",
			Help: "開いているライブバインディングの購読数",
		}),
		uploadsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sheetlens_uploads_created_total",
			Help: "作成されたアップロードの合計数",
		}),
		authEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sheetlens_auth_events_total",
			Help: "認証イベント別の合計数",
		}, []string{"event"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sheetlens_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.storeOps,
		c.liveSubs,
		c.uploadsCreated,
		c.authEvents,
		c.httpStatus,
	)

	return c
}

// RecordStoreOp はストア操作の結果を記録する。
func (c *Collector) RecordStoreOp(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.storeOps.WithLabelValues(op, result).Inc()
}

// SubscriptionOpened はライブバインディングの購読開始を記録する。
func (c *Collector) SubscriptionOpened() {
	c.liveSubs.Inc()
}

// SubscriptionClosed はライブバインディングの購読解除を記録する。
func (c *Collector) SubscriptionClosed() {
	c.liveSubs.Dec()
}

// RecordUploadCreated はアップロード作成を記録する。
func (c *Collector) RecordUploadCreated() {
	c.uploadsCreated.Inc()
}

// RecordAuthEvent は認証イベントを記録する。
func (c *Collector) RecordAuthEvent(event string) {
	c.authEvents.WithLabelValues(event).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
