package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetricFamily は収集結果から指定名のメトリクスファミリーを探す。
func findMetricFamily(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("%s metric not found", name)
	return nil
}

// labelValue はメトリクスから指定名のラベル値を返す。
func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	if c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordGateOutcome_CountsByOutcome はゲート判定が結果ラベル別に数えられることを検証する。
func TestRecordGateOutcome_CountsByOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordGateOutcome("granted")
	c.RecordGateOutcome("granted")
	c.RecordGateOutcome("quota_exceeded")

	mf := findMetricFamily(t, reg, "chatrelay_gate_outcomes_total")
	if len(mf.GetMetric()) != 2 {
		t.Fatalf("expected 2 label combinations, got %d", len(mf.GetMetric()))
	}
	for _, m := range mf.GetMetric() {
		val := m.GetCounter().GetValue()
		switch labelValue(m, "outcome") {
		case "granted":
			if val != 2 {
				t.Errorf("gate_outcomes_total{outcome=granted} = %v, want 2", val)
			}
		case "quota_exceeded":
			if val != 1 {
				t.Errorf("gate_outcomes_total{outcome=quota_exceeded} = %v, want 1", val)
			}
		default:
			t.Errorf("unexpected label value: %s", labelValue(m, "outcome"))
		}
	}
}

// TestRecordUpstreamStatus_IncrementsCounterWithLabel は上流ステータスカウンタがラベル付きで増加することを検証する。
func TestRecordUpstreamStatus_IncrementsCounterWithLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordUpstreamStatus(200)
	c.RecordUpstreamStatus(200)
	c.RecordUpstreamStatus(429)

	mf := findMetricFamily(t, reg, "chatrelay_upstream_status_total")
	if len(mf.GetMetric()) != 2 {
		t.Fatalf("expected 2 label combinations, got %d", len(mf.GetMetric()))
	}
	for _, m := range mf.GetMetric() {
		val := m.GetCounter().GetValue()
		switch labelValue(m, "status_code") {
		case "200":
			if val != 2 {
				t.Errorf("upstream_status_total{status_code=200} = %v, want 2", val)
			}
		case "429":
			if val != 1 {
				t.Errorf("upstream_status_total{status_code=429} = %v, want 1", val)
			}
		default:
			t.Errorf("unexpected label value: %s", labelValue(m, "status_code"))
		}
	}
}

// TestRecordUpstreamLatency_ObservesHistogram は上流レイテンシのヒストグラムに値が記録されることを検証する。
func TestRecordUpstreamLatency_ObservesHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordUpstreamLatency(100 * time.Millisecond)
	c.RecordUpstreamLatency(2 * time.Second)

	h := findMetricFamily(t, reg, "chatrelay_upstream_latency_seconds").GetMetric()[0].GetHistogram()
	if h.GetSampleCount() != 2 {
		t.Errorf("sample_count = %d, want 2", h.GetSampleCount())
	}
	// 合計は0.1 + 2.0 = 2.1秒
	if h.GetSampleSum() < 2.0 || h.GetSampleSum() > 2.2 {
		t.Errorf("sample_sum = %v, want ~2.1", h.GetSampleSum())
	}
}

func TestRecordDeltasForwarded_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordDeltasForwarded(10)
	c.RecordDeltasForwarded(5)

	val := findMetricFamily(t, reg, "chatrelay_deltas_forwarded_total").GetMetric()[0].GetCounter().GetValue()
	if val != 15 {
		t.Errorf("deltas_forwarded_total = %v, want 15", val)
	}
}

// TestStreamGauge_TracksActiveStreams は開始と終了の対でゲージが戻り、終了理由が数えられることを検証する。
func TestStreamGauge_TracksActiveStreams(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.StreamStarted(TransportChannel)
	c.StreamStarted(TransportChannel)
	c.StreamFinished(TransportChannel, StreamOutcomeDone)

	gauge := findMetricFamily(t, reg, "chatrelay_active_streams").GetMetric()[0].GetGauge().GetValue()
	if gauge != 1 {
		t.Errorf("active_streams = %v, want 1", gauge)
	}

	finished := findMetricFamily(t, reg, "chatrelay_streams_finished_total").GetMetric()
	if len(finished) != 1 {
		t.Fatalf("expected 1 label combination, got %d", len(finished))
	}
	if got := labelValue(finished[0], "outcome"); got != StreamOutcomeDone {
		t.Errorf("outcome label = %q, want %q", got, StreamOutcomeDone)
	}
	if got := labelValue(finished[0], "transport"); got != TransportChannel {
		t.Errorf("transport label = %q, want %q", got, TransportChannel)
	}
}

// TestMetricsHandler_ReturnsPrometheusFormat は/metricsエンドポイントがPrometheus形式で返すことを検証する。
func TestMetricsHandler_ReturnsPrometheusFormat(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordGateOutcome("granted")
	c.RecordUpstreamStatus(200)
	c.RecordUpstreamLatency(500 * time.Millisecond)
	c.RecordDeltasForwarded(3)
	c.StreamStarted(TransportHTTP)
	c.StreamFinished(TransportHTTP, StreamOutcomeCancelled)

	handler := Handler(reg)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	body, _ := io.ReadAll(resp.Body)
	bodyStr := string(body)

	expectedMetrics := []string{
		"chatrelay_gate_outcomes_total",
		"chatrelay_upstream_status_total",
		"chatrelay_upstream_latency_seconds",
		"chatrelay_deltas_forwarded_total",
		"chatrelay_active_streams",
		"chatrelay_streams_finished_total",
	}

	for _, metric := range expectedMetrics {
		if !strings.Contains(bodyStr, metric) {
			t.Errorf("response body does not contain %q", metric)
		}
	}
}

// TestCollector_ImplementsMetricsCollectorInterface はCollectorとNopがMetricsCollectorインターフェースを実装することを検証する。
func TestCollector_ImplementsMetricsCollectorInterface(t *testing.T) {
	reg := prometheus.NewRegistry()
	var _ MetricsCollector = NewCollector(reg)
	var _ MetricsCollector = Nop{}
}

// TestMultipleCollectors_IndependentRegistries は異なるレジストリで独立に動作することを検証する。
func TestMultipleCollectors_IndependentRegistries(t *testing.T) {
	reg1 := prometheus.NewRegistry()
	reg2 := prometheus.NewRegistry()
	c1 := NewCollector(reg1)
	c2 := NewCollector(reg2)

	c1.RecordDeltasForwarded(1)
	c2.RecordDeltasForwarded(2)

	val1 := findMetricFamily(t, reg1, "chatrelay_deltas_forwarded_total").GetMetric()[0].GetCounter().GetValue()
	val2 := findMetricFamily(t, reg2, "chatrelay_deltas_forwarded_total").GetMetric()[0].GetCounter().GetValue()

	if val1 != 1 {
		t.Errorf("reg1 deltas_forwarded = %v, want 1", val1)
	}
	if val2 != 2 {
		t.Errorf("reg2 deltas_forwarded = %v, want 2", val2)
	}
}
