// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome はログイン試行の結果ラベル。
const (
	OutcomeSuccess    = "success"
	OutcomeRejected   = "rejected"
	OutcomeSuspended  = "suspended"
	OutcomeConflict   = "conflict"
	OutcomeUnverified = "unverified"
	OutcomeFailure    = "error"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 連携エンジンやHTTP層から利用する。
type MetricsCollector interface {
	RecordLogin(method, outcome string)
	RecordAccountCreated(method string)
	RecordMethodAttached(method string)
	RecordLinkingRetry()
	RecordResolveLatency(duration time.Duration)
	RecordHTTPStatus(statusCode int)
	RecordSessionsPurged(count int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	logins          *prometheus.CounterVec
	accountsCreated *prometheus.CounterVec
	methodsAttached *prometheus.CounterVec
	linkingRetries  prometheus.Counter
	resolveLatency  prometheus.Histogram
	httpStatus      *prometheus.CounterVec
	sessionsPurged  prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newtifi_login_attempts_total",
			Help: "認証手段と結果別のログイン試行数",
		}, []string{"method", "outcome"}),
		accountsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newtifi_accounts_created_total",
			Help: "初回ログインで作成されたアカウント数",
		}, []string{"method"}),
		methodsAttached: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newtifi_methods_attached_total",
			Help: "既存アカウントに追加された認証手段の数",
		}, []string{"method"}),
		linkingRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newtifi_linking_retries_total",
			Help: "同時初回ログインの競合による再試行数",
		}),
		resolveLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "newtifi_linking_resolve_seconds",
			Help:    "アカウント解決のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newtifi_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		sessionsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newtifi_sessions_purged_total",
			Help: "クリーンアップで削除された期限切れセッション数",
		}),
	}

	reg.MustRegister(
		c.logins,
		c.accountsCreated,
		c.methodsAttached,
		c.linkingRetries,
		c.resolveLatency,
		c.httpStatus,
		c.sessionsPurged,
	)

	return c
}

// RecordLogin はログイン試行を記録する。
func (c *Collector) RecordLogin(method, outcome string) {
	c.logins.WithLabelValues(method, outcome).Inc()
}

// RecordAccountCreated はアカウント作成を記録する。
func (c *Collector) RecordAccountCreated(method string) {
	c.accountsCreated.WithLabelValues(method).Inc()
}

// RecordMethodAttached は認証手段の追加を記録する。
func (c *Collector) RecordMethodAttached(method string) {
	c.methodsAttached.WithLabelValues(method).Inc()
}

// RecordLinkingRetry は重複メールによる再試行を記録する。
func (c *Collector) RecordLinkingRetry() {
	c.linkingRetries.Inc()
}

// RecordResolveLatency はアカウント解決のレイテンシを記録する。
func (c *Collector) RecordResolveLatency(duration time.Duration) {
	c.resolveLatency.Observe(duration.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordSessionsPurged は削除された期限切れセッション数を記録する。
func (c *Collector) RecordSessionsPurged(count int64) {
	c.sessionsPurged.Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使用する。
type Nop struct{}

func (Nop) RecordLogin(string, string)         {}
func (Nop) RecordAccountCreated(string)        {}
func (Nop) RecordMethodAttached(string)        {}
func (Nop) RecordLinkingRetry()                {}
func (Nop) RecordResolveLatency(time.Duration) {}
func (Nop) RecordHTTPStatus(int)               {}
func (Nop) RecordSessionsPurged(int64)         {}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
