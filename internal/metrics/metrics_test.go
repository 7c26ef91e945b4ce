package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// gatherMetric は名前とラベルが一致するメトリクスを返す。
func gatherMetric(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelsMatch(m, labels) {
				return m
			}
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return nil
}

func labelsMatch(m *dto.Metric, labels map[string]string) bool {
	matched := 0
	for _, lp := range m.GetLabel() {
		if v, ok := labels[lp.GetName()]; ok {
			if v != lp.GetValue() {
				return false
			}
			matched++
		}
	}
	return matched == len(labels)
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	if c := NewCollector(reg); c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordStoreOp_LabelsResult は結果ラベル別にストア操作が数えられることを検証する。
func TestRecordStoreOp_LabelsResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordStoreOp("get", nil)
	c.RecordStoreOp("get", nil)
	c.RecordStoreOp("get", errors.New("boom"))

	if v := gatherMetric(t, reg, "sheetlens_store_ops_total", map[string]string{"op": "get", "result": "ok"}).GetCounter().GetValue(); v != 2 {
		t.Errorf("ok = %v, want 2", v)
	}
	if v := gatherMetric(t, reg, "sheetlens_store_ops_total", map[string]string{"op": "get", "result": "error"}).GetCounter().GetValue(); v != 1 {
		t.Errorf("error = %v, want 1", v)
	}
}

// TestLiveSubscriptions_Gauge は購読数ゲージが増減することを検証する。
func TestLiveSubscriptions_Gauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.SubscriptionOpened()
	c.SubscriptionOpened()
	c.SubscriptionClosed()

	if v := gatherMetric(t, reg, "sheetlens_live_subscriptions", nil).GetGauge().GetValue(); v != 1 {
		t.Errorf("live_subscriptions = %v, want 1", v)
	}
}

func TestRecordUploadCreated_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordUploadCreated()

	if v := gatherMetric(t, reg, "sheetlens_uploads_created_total", nil).GetCounter().GetValue(); v != 1 {
		t.Errorf("uploads_created_total = %v, want 1", v)
	}
}

func TestRecordAuthEvent_ByEvent(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordAuthEvent("sign_in")
	c.RecordAuthEvent("sign_out")
	c.RecordAuthEvent("sign_in")

	if v := gatherMetric(t, reg, "sheetlens_auth_events_total", map[string]string{"event": "sign_in"}).GetCounter().GetValue(); v != 2 {
		t.Errorf("sign_in = %v, want 2", v)
	}
}

// TestRecordHTTPStatus_ByStatusCode はステータスコード別にレスポンスが数えられることを検証する。
func TestRecordHTTPStatus_ByStatusCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(503)

	if v := gatherMetric(t, reg, "sheetlens_http_status_total", map[string]string{"status_code": "503"}).GetCounter().GetValue(); v != 1 {
		t.Errorf("503 = %v, want 1", v)
	}
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
