package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	if c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestCollector_ImplementsInterface はCollectorがMetricsCollectorを満たすことを検証する。
func TestCollector_ImplementsInterface(t *testing.T) {
	var _ MetricsCollector = (*Collector)(nil)
}

// counterValue は指定名のカウンタの現在値を返す。
func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	metrics, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() == name {
			total := 0.0
			for _, m := range mf.GetMetric() {
				total += m.GetCounter().GetValue()
			}
			return total
		}
	}
	t.Fatalf("metric %q not found", name)
	return 0
}

// TestRecordSubmission_IncrementsCounter は応募カウンタが増加することを検証する。
func TestRecordSubmission_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSubmission()
	c.RecordSubmission()

	if got := counterValue(t, reg, "talkgate_submissions_total"); got != 2 {
		t.Errorf("talkgate_submissions_total = %v, want 2", got)
	}
}

// TestRecordThreadCreated_IncrementsCounter はスレッド作成カウンタが増加することを検証する。
func TestRecordThreadCreated_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordThreadCreated()

	if got := counterValue(t, reg, "talkgate_threads_created_total"); got != 1 {
		t.Errorf("talkgate_threads_created_total = %v, want 1", got)
	}
}

// TestRecordChatAPIStatus_LabelsByStatusCode はステータスコード別に記録されることを検証する。
func TestRecordChatAPIStatus_LabelsByStatusCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordChatAPIStatus(200)
	c.RecordChatAPIStatus(200)
	c.RecordChatAPIStatus(429)

	metrics, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	counts := map[string]float64{}
	for _, mf := range metrics {
		if mf.GetName() != "talkgate_chat_api_status_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "status_code" {
					counts[l.GetValue()] = m.GetCounter().GetValue()
				}
			}
		}
	}

	if counts["200"] != 2 {
		t.Errorf("status_code=200 のカウント = %v, want 2", counts["200"])
	}
	if counts["429"] != 1 {
		t.Errorf("status_code=429 のカウント = %v, want 1", counts["429"])
	}
}

// TestRecordRunLatency_ObservesHistogram はヒストグラムに観測値が記録されることを検証する。
func TestRecordRunLatency_ObservesHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordRunLatency(500 * time.Millisecond)
	c.RecordRunLatency(2 * time.Second)

	metrics, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	for _, mf := range metrics {
		if mf.GetName() != "talkgate_autothread_run_seconds" {
			continue
		}
		h := mf.GetMetric()[0].GetHistogram()
		if h.GetSampleCount() != 2 {
			t.Errorf("sample count = %d, want 2", h.GetSampleCount())
		}
		if got := h.GetSampleSum(); got < 2.4 || got > 2.6 {
			t.Errorf("sample sum = %v, want およそ 2.5", got)
		}
		return
	}
	t.Fatal("talkgate_autothread_run_seconds が見つからない")
}

// TestHandler_ServesMetrics はPrometheusスクレイプエンドポイントが動作することを検証する。
func TestHandler_ServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordSubmission()

	handler := Handler(reg)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	if !strings.Contains(string(body), "talkgate_submissions_total 1") {
		t.Errorf("metrics output does not contain submissions counter:\n%s", body)
	}
}
