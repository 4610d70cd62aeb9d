package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	PrometheusHandler(m).ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusOK)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain; version=0.0.4") {
		t.Fatalf("Content-Type=%q", ct)
	}
	return rr.Body.String()
}

func TestPrometheusHandler_RelayFamilies(t *testing.T) {
	m := New()
	m.Add(RelayConnections, 3)
	m.Inc(RelayEventsIn)
	m.Add(RelayEventsOut, 4)
	m.Add(RelayEventsDropped, 3)
	m.Inc(Dropped(DropReasonMalformed))
	m.Add(Dropped(DropReasonRateLimited), 2)
	m.Inc(RelayJoinsRoomNotFound)

	body := scrape(t, m)
	for _, want := range []string{
		"# TYPE webrtc_mesh_relay_connections_total counter\n",
		"webrtc_mesh_relay_connections_total 3\n",
		`webrtc_mesh_relay_events_total{direction="in"} 1`,
		`webrtc_mesh_relay_events_total{direction="out"} 4`,
		`webrtc_mesh_relay_events_dropped_total{reason="malformed"} 1`,
		`webrtc_mesh_relay_events_dropped_total{reason="rate_limited"} 2`,
		`webrtc_mesh_relay_joins_total{result="room_not_found"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
	if strings.Contains(body, "session_") {
		t.Fatalf("session family without samples exposed:\n%s", body)
	}
	if strings.Contains(body, `reason=""`) || strings.Contains(body, "counter_total") {
		t.Fatalf("aggregate drop counter leaked:\n%s", body)
	}
}

func TestPrometheusHandler_SessionFamilies(t *testing.T) {
	m := New()
	m.Inc(SessionOffersSent)
	m.Inc(SessionAnswersSent)
	m.Add(SessionRequests, 5)
	m.Inc(SessionRequestTimeouts)
	m.Inc(SessionPeersDisconnects)

	body := scrape(t, m)
	for _, want := range []string{
		`webrtc_mesh_session_descriptions_sent_total{type="answer"} 1`,
		`webrtc_mesh_session_descriptions_sent_total{type="offer"} 1`,
		`webrtc_mesh_session_requests_total{outcome="sent"} 5`,
		`webrtc_mesh_session_requests_total{outcome="timeout"} 1`,
		`webrtc_mesh_session_peers_total{state="disconnected"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
	// Samples within a family are sorted by label value.
	if strings.Index(body, `type="answer"`) > strings.Index(body, `type="offer"`) {
		t.Fatalf("samples not sorted:\n%s", body)
	}
}

func TestPrometheusHandler_UnclaimedCountersAreEscaped(t *testing.T) {
	m := New()
	m.Inc(`quote"back\slash`)

	body := scrape(t, m)
	if !strings.Contains(body, `webrtc_mesh_counter_total{name="quote\"back\\slash"} 1`) {
		t.Fatalf("missing escaped counter:\n%s", body)
	}
}

func TestPrometheusHandler_NilMetrics(t *testing.T) {
	rr := httptest.NewRecorder()
	PrometheusHandler(nil).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500", rr.Code)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.Inc("foo")
	m.Add("bar", 3)
	if got := m.Get("foo"); got != 0 {
		t.Fatalf("Get=%d, want 0", got)
	}
	if snap := m.Snapshot(); len(snap) != 0 {
		t.Fatalf("Snapshot=%v, want empty", snap)
	}
}

func TestMetrics_SnapshotIsCopy(t *testing.T) {
	m := New()
	m.Inc(RelayJoins)
	snap := m.Snapshot()
	m.Inc(RelayJoins)
	if snap[RelayJoins] != 1 {
		t.Fatalf("snapshot changed: %v", snap)
	}
	if got := m.Get(RelayJoins); got != 2 {
		t.Fatalf("Get=%d, want 2", got)
	}
}
