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

// findMetric はレジストリから指定名・ラベルのメトリクスを探す。
func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
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
	return nil
}

func labelsMatch(m *dto.Metric, labels map[string]string) bool {
	matched := 0
	for _, lp := range m.GetLabel() {
		if v, ok := labels[lp.GetName()]; ok && v == lp.GetValue() {
			matched++
		}
	}
	return matched == len(labels)
}

func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	if c := NewCollector(reg); c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordMemberstackRequest_CountsByOperationAndStatus は操作・ステータス別に記録されることを検証する。
func TestRecordMemberstackRequest_CountsByOperationAndStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordMemberstackRequest("get_member", 200, 30*time.Millisecond)
	c.RecordMemberstackRequest("get_member", 200, 40*time.Millisecond)
	c.RecordMemberstackRequest("get_member", 404, 10*time.Millisecond)

	m := findMetric(t, reg, "flowsweb_memberstack_requests_total",
		map[string]string{"operation": "get_member", "status": "200"})
	if m == nil {
		t.Fatal("metric for get_member/200 not found")
	}
	if v := m.GetCounter().GetValue(); v != 2 {
		t.Errorf("get_member/200 = %v, want 2", v)
	}

	m = findMetric(t, reg, "flowsweb_memberstack_request_duration_seconds",
		map[string]string{"operation": "get_member"})
	if m == nil {
		t.Fatal("latency histogram not found")
	}
	if n := m.GetHistogram().GetSampleCount(); n != 3 {
		t.Errorf("sample count = %d, want 3", n)
	}
}

// TestRecordMemberstackRequest_TransportError は通信エラーがerrorラベルになることを検証する。
func TestRecordMemberstackRequest_TransportError(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordMemberstackRequest("login", 0, time.Second)

	if m := findMetric(t, reg, "flowsweb_memberstack_requests_total",
		map[string]string{"operation": "login", "status": "error"}); m == nil {
		t.Error("expected status=error label for transport failures")
	}
}

func TestRecordAuthEvent_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordAuthEvent("login", "success")
	c.RecordAuthEvent("login", "failure")
	c.RecordAuthEvent("login", "success")

	m := findMetric(t, reg, "flowsweb_auth_events_total",
		map[string]string{"event": "login", "result": "success"})
	if m == nil || m.GetCounter().GetValue() != 2 {
		t.Errorf("login/success counter = %v, want 2", m)
	}
}

func TestRecordCheckoutAndWebhook(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordCheckout("created")
	c.RecordWebhookEvent("checkout.session.completed")

	if m := findMetric(t, reg, "flowsweb_checkout_sessions_total", map[string]string{"result": "created"}); m == nil {
		t.Error("checkout metric not found")
	}
	if m := findMetric(t, reg, "flowsweb_stripe_webhook_events_total", map[string]string{"type": "checkout.session.completed"}); m == nil {
		t.Error("webhook metric not found")
	}
}

func TestRecordReleasesRefresh(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordReleasesRefresh(true)
	c.RecordReleasesRefresh(false)

	if m := findMetric(t, reg, "flowsweb_releases_refresh_total", map[string]string{"result": "failure"}); m == nil {
		t.Error("failure label not found")
	}
}

// TestMetricsHandler_ReturnsPrometheusFormat はPrometheus形式のテキストが返ることを検証する。
func TestMetricsHandler_ReturnsPrometheusFormat(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordAuthEvent("signup", "success")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	Handler(reg).ServeHTTP(w, req)

	body, _ := io.ReadAll(w.Result().Body)
	if !strings.Contains(string(body), "flowsweb_auth_events_total") {
		t.Error("response should contain flowsweb_auth_events_total")
	}
}

func TestCollector_ImplementsMetricsCollectorInterface(t *testing.T) {
	var _ MetricsCollector = NewCollector(prometheus.NewRegistry())
	var _ MetricsCollector = Nop{}
}

// TestMultipleCollectors_IndependentRegistries は別レジストリ同士が干渉しないことを検証する。
func TestMultipleCollectors_IndependentRegistries(t *testing.T) {
	reg1 := prometheus.NewRegistry()
	reg2 := prometheus.NewRegistry()
	c1 := NewCollector(reg1)
	_ = NewCollector(reg2)

	c1.RecordCheckout("created")

	if m := findMetric(t, reg2, "flowsweb_checkout_sessions_total", map[string]string{"result": "created"}); m != nil {
		t.Error("reg2 should not see reg1's samples")
	}
}
