package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_NilSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.EventUpdate(true)
	m.InvitationTransition("accepted")
	m.InvitationEmailFailed()
	m.Fanout(1, 1)
	m.PresenceOnline(1)
	m.WSConnections(-1)
	m.ObserveHTTP(http.MethodGet, 200, time.Millisecond)

	if m.Registry() != nil {
		t.Fatalf("nil metrics must have nil registry")
	}
}

func TestMetrics_Counters(t *testing.T) {
	t.Parallel()

	m := New()

	m.EventUpdate(true)
	m.EventUpdate(true)
	m.EventUpdate(false)
	if got := testutil.ToFloat64(m.eventUpdates.WithLabelValues("applied")); got != 2 {
		t.Fatalf("applied=%v want 2", got)
	}
	if got := testutil.ToFloat64(m.eventUpdates.WithLabelValues("conflict")); got != 1 {
		t.Fatalf("conflict=%v want 1", got)
	}

	m.Fanout(3, 0)
	m.Fanout(0, 2)
	if got := testutil.ToFloat64(m.fanout.WithLabelValues("delivered")); got != 3 {
		t.Fatalf("delivered=%v want 3", got)
	}
	if got := testutil.ToFloat64(m.fanout.WithLabelValues("dropped")); got != 2 {
		t.Fatalf("dropped=%v want 2", got)
	}

	m.PresenceOnline(2)
	m.PresenceOnline(-1)
	if got := testutil.ToFloat64(m.presenceOnline); got != 1 {
		t.Fatalf("presence=%v want 1", got)
	}
}

func TestMetrics_Handler(t *testing.T) {
	t.Parallel()

	m := New()
	m.InvitationTransition("expired")

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `tandem_invitation_transitions_total{to="expired"} 1`) {
		t.Fatalf("missing transition counter in output")
	}
}

func TestStatusClass(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   int
		want string
	}{
		{200, "2xx"},
		{404, "4xx"},
		{503, "5xx"},
		{0, "unknown"},
	}
	for _, tc := range cases {
		if got := statusClass(tc.in); got != tc.want {
			t.Fatalf("statusClass(%d)=%q want %q", tc.in, got, tc.want)
		}
	}
}
