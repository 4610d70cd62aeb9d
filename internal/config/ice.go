package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"strings"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
)

const (
	envVarICEServersJSON = "ICE_SERVERS_JSON"
	envVarSTUNURLs       = "STUN_URLS"
	envVarTURNURLs       = "TURN_URLS"
	envVarTURNUsername   = "TURN_USERNAME"
	envVarTURNCredential = "TURN_CREDENTIAL"
)

// iceEntry is one RTCIceServer-shaped object as it appears in JSON config,
// the TOML demo file and the relay's turn_auth event.
type iceEntry struct {
	URLs       urlList `json:"urls" toml:"urls"`
	Username   string  `json:"username,omitempty" toml:"username"`
	Credential string  `json:"credential,omitempty" toml:"credential"`
}

// urlList accepts either a single URL or a list of URLs.
type urlList []string

func (l *urlList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*l = urlList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("urls: expected string or array of strings: %w", err)
	}
	*l = many
	return nil
}

// server trims the entry and converts it. Blank URLs are dropped before
// validation.
func (e iceEntry) server() webrtc.ICEServer {
	s := webrtc.ICEServer{
		URLs:     splitCommaSeparated(strings.Join(e.URLs, ",")),
		Username: strings.TrimSpace(e.Username),
	}
	if strings.TrimSpace(e.Credential) != "" {
		s.Credential = e.Credential
	}
	return s
}

// ParseICEServersJSON parses a JSON array of RTCIceServer objects.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var entries []iceEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}
	return iceServersFromEntries(entries)
}

func iceServersFromEntries(entries []iceEntry) ([]webrtc.ICEServer, error) {
	out := make([]webrtc.ICEServer, 0, len(entries))
	for i, e := range entries {
		s := e.server()
		if err := validateICEServer(s); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// ParseICEServer decodes the single server carried by turn_auth. A server
// without URLs is reported as ok=false.
func ParseICEServer(raw []byte) (server webrtc.ICEServer, ok bool, err error) {
	var e iceEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return webrtc.ICEServer{}, false, err
	}
	server = e.server()
	if len(server.URLs) == 0 {
		return webrtc.ICEServer{}, false, nil
	}
	if err := validateICEServer(server); err != nil {
		return webrtc.ICEServer{}, false, err
	}
	return server, true, nil
}

// validateICEServer checks every URL with pion's STUN/TURN URI parser and
// requires credentials on TURN servers.
func validateICEServer(server webrtc.ICEServer) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}
	turn := false
	for _, raw := range server.URLs {
		u, err := stun.ParseURI(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("invalid ice url %q: %w", raw, err)
		}
		if u.Scheme == stun.SchemeTypeTURN || u.Scheme == stun.SchemeTypeTURNS {
			turn = true
		}
	}
	if !turn {
		return nil
	}
	if server.Username == "" {
		return errors.New("turn urls require username")
	}
	if cred, _ := server.Credential.(string); strings.TrimSpace(cred) == "" {
		return errors.New("turn urls require credential")
	}
	return nil
}

// relayICE collects the relay's ICE settings. A JSON list replaces the
// STUN/TURN shorthands entirely.
type relayICE struct {
	json       string
	stunURLs   string
	turnURLs   string
	username   string
	credential string
}

func relayICEFromEnv(lookup func(string) (string, bool)) relayICE {
	return relayICE{
		json:       envOrDefault(lookup, envVarICEServersJSON, ""),
		stunURLs:   envOrDefault(lookup, envVarSTUNURLs, ""),
		turnURLs:   envOrDefault(lookup, envVarTURNURLs, ""),
		username:   envOrDefault(lookup, envVarTURNUsername, ""),
		credential: envOrDefault(lookup, envVarTURNCredential, ""),
	}
}

func (c *relayICE) bind(fs *flag.FlagSet) {
	fs.StringVar(&c.json, "ice-servers-json", c.json, "ICE servers handed to peers as a JSON RTCIceServer array (env "+envVarICEServersJSON+")")
	fs.StringVar(&c.stunURLs, "stun-urls", c.stunURLs, "Comma-separated STUN URLs (env "+envVarSTUNURLs+")")
	fs.StringVar(&c.turnURLs, "turn-urls", c.turnURLs, "Comma-separated TURN URLs (env "+envVarTURNURLs+")")
	fs.StringVar(&c.username, "turn-username", c.username, "Static TURN username (env "+envVarTURNUsername+")")
	fs.StringVar(&c.credential, "turn-credential", c.credential, "Static TURN credential (env "+envVarTURNCredential+")")
}

func (c relayICE) servers() ([]webrtc.ICEServer, error) {
	if strings.TrimSpace(c.json) != "" {
		servers, err := ParseICEServersJSON(c.json)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envVarICEServersJSON, err)
		}
		return servers, nil
	}

	var servers []webrtc.ICEServer
	if stunList := splitCommaSeparated(c.stunURLs); len(stunList) > 0 {
		s := webrtc.ICEServer{URLs: stunList}
		if err := validateICEServer(s); err != nil {
			return nil, fmt.Errorf("%s: %w", envVarSTUNURLs, err)
		}
		servers = append(servers, s)
	}
	if turnList := splitCommaSeparated(c.turnURLs); len(turnList) > 0 {
		s := webrtc.ICEServer{URLs: turnList, Username: strings.TrimSpace(c.username)}
		if cred := strings.TrimSpace(c.credential); cred != "" {
			s.Credential = cred
		}
		if err := validateICEServer(s); err != nil {
			return nil, fmt.Errorf("%s: %w (set %s and %s)", envVarTURNURLs, err, envVarTURNUsername, envVarTURNCredential)
		}
		servers = append(servers, s)
	}
	return servers, nil
}

func splitCommaSeparated(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
