// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ストリームの転送経路を表すラベル値。
const (
	TransportHTTP    = "http"
	TransportChannel = "channel"
)

// ストリームの終了理由を表すラベル値。
const (
	StreamOutcomeDone      = "done"
	StreamOutcomeError     = "error"
	StreamOutcomeCancelled = "cancelled"
	StreamOutcomeTimeout   = "timeout"
)

// MetricsCollector はメトリクス収集のインターフェース。
// アクセスゲート、ハンドラー、リレーから利用する。
type MetricsCollector interface {
	RecordGateOutcome(outcome string)
	RecordUpstreamStatus(statusCode int)
	RecordUpstreamLatency(duration time.Duration)
	RecordDeltasForwarded(count int)
	StreamStarted(transport string)
	StreamFinished(transport, outcome string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	gateOutcomes    *prometheus.CounterVec
	upstreamStatus  *prometheus.CounterVec
	upstreamLatency prometheus.Histogram
	deltasForwarded prometheus.Counter
	activeStreams   *prometheus.GaugeVec
	streamsFinished *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		gateOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_gate_outcomes_total",
			Help: "アクセスゲートの判定結果別の件数",
		}, []string{"outcome"}),
		upstreamStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_upstream_status_total",
			Help: "上流LLM APIのHTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		upstreamLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatrelay_upstream_latency_seconds",
			Help:    "上流LLM APIが応答ヘッダーを返すまでのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		deltasForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_deltas_forwarded_total",
			Help: "チャネルへ転送した差分メッセージの合計数",
		}),
		activeStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chatrelay_active_streams",
			Help: "転送中のストリーム数",
		}, []string{"transport"}),
		streamsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_streams_finished_total",
			Help: "終了理由別のストリーム数",
		}, []string{"transport", "outcome"}),
	}

	reg.MustRegister(
		c.gateOutcomes,
		c.upstreamStatus,
		c.upstreamLatency,
		c.deltasForwarded,
		c.activeStreams,
		c.streamsFinished,
	)

	return c
}

// RecordGateOutcome はアクセスゲートの判定結果を記録する。
func (c *Collector) RecordGateOutcome(outcome string) {
	c.gateOutcomes.WithLabelValues(outcome).Inc()
}

// RecordUpstreamStatus は上流のHTTPステータスコードを記録する。
func (c *Collector) RecordUpstreamStatus(statusCode int) {
	c.upstreamStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordUpstreamLatency は上流のレイテンシを記録する。
func (c *Collector) RecordUpstreamLatency(duration time.Duration) {
	c.upstreamLatency.Observe(duration.Seconds())
}

// RecordDeltasForwarded は転送した差分メッセージ数を記録する。
func (c *Collector) RecordDeltasForwarded(count int) {
	c.deltasForwarded.Add(float64(count))
}

// StreamStarted はストリームの開始を記録する。
func (c *Collector) StreamStarted(transport string) {
	c.activeStreams.WithLabelValues(transport).Inc()
}

// StreamFinished はストリームの終了を記録する。StreamStartedと対で呼ぶこと。
func (c *Collector) StreamFinished(transport, outcome string) {
	c.activeStreams.WithLabelValues(transport).Dec()
	c.streamsFinished.WithLabelValues(transport, outcome).Inc()
}

// Nop は何も記録しないMetricsCollector。メトリクスを使わない構成やテストで使用する。
type Nop struct{}

func (Nop) RecordGateOutcome(string)            {}
func (Nop) RecordUpstreamStatus(int)            {}
func (Nop) RecordUpstreamLatency(time.Duration) {}
func (Nop) RecordDeltasForwarded(int)           {}
func (Nop) StreamStarted(string)                {}
func (Nop) StreamFinished(string, string)       {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
