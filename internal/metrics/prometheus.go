package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
)

const namespace = "webrtc_mesh"

// family is one Prometheus counter family built from several registry
// counters, each mapped to a value of a single label.
type family struct {
	name   string
	help   string
	label  string
	values map[string]string // counter name -> label value
	// prefix, when set, claims every counter starting with it and uses the
	// rest of the name as the label value.
	prefix string
}

var families = []family{
	{
		name: "relay_connections_total", help: "Relay WebSocket connection attempts.",
		values: map[string]string{RelayConnections: ""},
	},
	{
		name: "relay_auth_rejected_total", help: "Relay connections rejected before the upgrade.",
		values: map[string]string{RelayAuthRejected: ""},
	},
	{
		name: "relay_events_total", help: "Relay frames accepted from or delivered to peers.", label: "direction",
		values: map[string]string{RelayEventsIn: "in", RelayEventsOut: "out"},
	},
	{
		name: "relay_events_dropped_total", help: "Relay frames dropped, by reason.", label: "reason",
		prefix: RelayEventsDropped + "_",
	},
	{
		name: "relay_undeliverable_total", help: "Relay frames with no live recipient or a full send queue.",
		values: map[string]string{RelayUndeliverable: ""},
	},
	{
		name: "relay_rooms_total", help: "Rooms opened and closed by the relay.", label: "state",
		values: map[string]string{RelayRoomsCreated: "created", RelayRoomsClosed: "closed"},
	},
	{
		name: "relay_joins_total", help: "join_room requests, by result.", label: "result",
		values: map[string]string{RelayJoins: "joined", RelayJoinsRoomNotFound: "room_not_found"},
	},
	{
		name: "session_requests_total", help: "Relay request/response exchanges started by sessions, by outcome.", label: "outcome",
		values: map[string]string{SessionRequests: "sent", SessionRequestTimeouts: "timeout"},
	},
	{
		name: "session_descriptions_sent_total", help: "Session descriptions sent through the relay.", label: "type",
		values: map[string]string{SessionOffersSent: "offer", SessionAnswersSent: "answer"},
	},
	{
		name: "session_peers_total", help: "Data channel peers that opened or went away.", label: "state",
		values: map[string]string{SessionPeersConnected: "connected", SessionPeersDisconnects: "disconnected"},
	},
}

// owner returns the family that exposes counter and its label value.
func owner(counter string) (*family, string, bool) {
	for i := range families {
		f := &families[i]
		if v, ok := f.values[counter]; ok {
			return f, v, true
		}
		if f.prefix != "" && strings.HasPrefix(counter, f.prefix) {
			return f, strings.TrimPrefix(counter, f.prefix), true
		}
	}
	return nil, "", false
}

type sample struct {
	label string
	value uint64
}

// PrometheusHandler serves the registry in the Prometheus text format. Relay
// and session counters get their own families. Counters no family claims
// are exposed under webrtc_mesh_counter_total{name=...}.
func PrometheusHandler(m *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		writeExposition(w, m.Snapshot())
	})
}

// writeExposition ignores the aggregate drop counter; its reasons add up to it.
func writeExposition(w io.Writer, snap map[string]uint64) {
	grouped := make(map[*family][]sample)
	var unclaimed []sample
	for name, v := range snap {
		if name == RelayEventsDropped {
			continue
		}
		if f, label, ok := owner(name); ok {
			grouped[f] = append(grouped[f], sample{label: label, value: v})
			continue
		}
		unclaimed = append(unclaimed, sample{label: name, value: v})
	}

	for i := range families {
		f := &families[i]
		samples := grouped[f]
		if len(samples) == 0 {
			continue
		}
		writeFamily(w, namespace+"_"+f.name, f.help, f.label, samples)
	}
	if len(unclaimed) > 0 {
		writeFamily(w, namespace+"_counter_total", "Other counters.", "name", unclaimed)
	}
}

func writeFamily(w io.Writer, name, help, label string, samples []sample) {
	sort.Slice(samples, func(i, j int) bool { return samples[i].label < samples[j].label })
	_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	_, _ = fmt.Fprintf(w, "# TYPE %s counter\n", name)
	for _, s := range samples {
		if label == "" {
			_, _ = fmt.Fprintf(w, "%s %d\n", name, s.value)
			continue
		}
		_, _ = fmt.Fprintf(w, "%s{%s=\"%s\"} %d\n", name, label, labelEscaper.Replace(s.label), s.value)
	}
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)
