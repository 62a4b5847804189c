package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()
	m.SetDegraded(true)
	m.Decision("deny", "temporary_ban")
	m.Decision("deny", "temporary_ban")
	m.Escalation("TEMP_BAN", "ip")
	m.TaskDropped()
	m.FailOpen()

	if got := testutil.ToFloat64(m.storeDegraded); got != 1 {
		t.Fatalf("expected degraded gauge 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.decisions.WithLabelValues("deny", "temporary_ban")); got != 2 {
		t.Fatalf("expected two deny decisions, got %v", got)
	}
	if got := testutil.ToFloat64(m.escalations.WithLabelValues("TEMP_BAN", "ip")); got != 1 {
		t.Fatalf("expected one escalation, got %v", got)
	}
	if got := testutil.ToFloat64(m.tasksDropped); got != 1 {
		t.Fatalf("expected one dropped task, got %v", got)
	}

	m.SetDegraded(false)
	if got := testutil.ToFloat64(m.storeDegraded); got != 0 {
		t.Fatalf("expected degraded gauge reset, got %v", got)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.Escalation("PERMANENT_BAN", "user")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(string(body), `abuseguard_escalations_total{scope="user",tier="PERMANENT_BAN"} 1`) {
		t.Fatalf("expected escalation sample in output:\n%s", body)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.SetDegraded(true)
	m.Decision("allow", "")
	m.Escalation("WARN", "ip")
	m.TaskDropped()
	m.FailOpen()
	if m.Handler() == nil {
		t.Fatalf("expected a handler even when metrics are disabled")
	}
}
