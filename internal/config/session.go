package config

import (
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pion/webrtc/v4"
)

const (
	envVarPeerConfigFile   = "MESH_CONFIG_FILE"
	envVarPeerRole         = "MESH_ROLE"
	envVarPeerRoomID       = "MESH_ROOM_ID"
	envVarPeerProjectID    = "MESH_PROJECT_ID"
	envVarPeerAPIToken     = "MESH_API_TOKEN"
	envVarPeerUserID       = "MESH_USER_ID"
	envVarPeerChannelName  = "MESH_CHANNEL_NAME"
	envVarPeerShowDebug    = "MESH_SHOW_DEBUG"
	envVarPeerSignalingURL = "MESH_SIGNALING_URL"
	envVarPeerICEServers   = "MESH_ICE_SERVERS_JSON"
	envVarPeerLogFormat    = "MESH_LOG_FORMAT"
	envVarPeerLogLevel     = "MESH_LOG_LEVEL"
)

// DefaultSignalingURL points at a relay started with the default
// webrtc-mesh-relay flags on the local machine.
const DefaultSignalingURL = "ws://127.0.0.1:8080/relay"

// Role identifies which side of a room a session plays.
type Role string

const (
	RoleHost   Role = "host"
	RoleClient Role = "client"
)

var (
	ErrMissingProjectID = errors.New("projectId is required")
	ErrMissingAPIToken  = errors.New("apiToken is required")
)

// DefaultICEServers are the public STUN servers used when a session does not
// configure any.
func DefaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
		{URLs: []string{"stun:stun1.l.google.com:19302"}},
		{URLs: []string{"stun:stun2.l.google.com:19302"}},
	}
}

// Session holds the options shared by hosts and clients.
//
// A nil ICEServers selects DefaultICEServers; a non-nil empty slice disables
// STUN/TURN entirely, which is what in-process tests want.
type Session struct {
	ProjectID   string
	APIToken    string
	UserID      string
	ChannelName string
	ShowDebug   bool
	ICEServers  []webrtc.ICEServer

	// SignalingURL overrides DefaultSignalingURL.
	SignalingURL string
}

func (s Session) Validate() error {
	if strings.TrimSpace(s.ProjectID) == "" {
		return ErrMissingProjectID
	}
	if strings.TrimSpace(s.APIToken) == "" {
		return ErrMissingAPIToken
	}
	for i, server := range s.ICEServers {
		if err := validateICEServer(server); err != nil {
			return fmt.Errorf("iceServers[%d]: %w", i, err)
		}
	}
	return nil
}

// WithDefaults fills unset fields. The data channel label is always prefixed
// with the role so that host and client labels never collide.
func (s Session) WithDefaults(role Role) Session {
	if s.ICEServers == nil {
		s.ICEServers = DefaultICEServers()
	} else {
		s.ICEServers = append(make([]webrtc.ICEServer, 0, len(s.ICEServers)), s.ICEServers...)
	}
	if strings.TrimSpace(s.SignalingURL) == "" {
		s.SignalingURL = DefaultSignalingURL
	}
	name := strings.TrimSpace(s.ChannelName)
	if name == "" {
		name = RandomID(8)
	}
	s.ChannelName = string(role) + "-" + name
	return s
}

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ_-"

// RandomID returns n characters drawn from a URL-safe alphabet.
func RandomID(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("config: read random: %v", err))
	}
	for i := range b {
		b[i] = idAlphabet[int(b[i])%len(idAlphabet)]
	}
	return string(b)
}

// Peer is the configuration of the webrtc-mesh demo binary.
type Peer struct {
	Session   Session
	Role      Role
	RoomID    string
	LogFormat LogFormat
	LogLevel  slog.Level
}

// peerFile is the TOML shape accepted by --config.
type peerFile struct {
	Role         string `toml:"role"`
	RoomID       string `toml:"room_id"`
	ProjectID    string `toml:"project_id"`
	APIToken     string `toml:"api_token"`
	UserID       string `toml:"user_id"`
	ChannelName  string `toml:"channel_name"`
	ShowDebug    bool   `toml:"show_debug"`
	SignalingURL string `toml:"signaling_url"`
	LogFormat    string `toml:"log_format"`
	LogLevel     string `toml:"log_level"`

	ICEServers []iceEntry `toml:"ice_servers"`
}

// LoadPeer resolves demo configuration. Precedence is flags, then env, then
// the TOML file named by --config or MESH_CONFIG_FILE.
func LoadPeer(args []string) (Peer, error) {
	return loadPeer(os.LookupEnv, args)
}

func loadPeer(lookup func(string) (string, bool), args []string) (Peer, error) {
	configPath := envOrDefault(lookup, envVarPeerConfigFile, "")
	for i, arg := range args {
		switch {
		case arg == "--config" || arg == "-config":
			if i+1 < len(args) {
				configPath = args[i+1]
			}
		case strings.HasPrefix(arg, "--config="):
			configPath = strings.TrimPrefix(arg, "--config=")
		case strings.HasPrefix(arg, "-config="):
			configPath = strings.TrimPrefix(arg, "-config=")
		}
	}

	var file peerFile
	if configPath != "" {
		if _, err := toml.DecodeFile(configPath, &file); err != nil {
			return Peer{}, fmt.Errorf("read config file %q: %w", configPath, err)
		}
	}

	var fileICEServers []webrtc.ICEServer
	if file.ICEServers != nil {
		servers, err := iceServersFromEntries(file.ICEServers)
		if err != nil {
			return Peer{}, fmt.Errorf("%s: ice_servers: %w", configPath, err)
		}
		fileICEServers = servers
	}

	roleStr := envOrDefault(lookup, envVarPeerRole, orDefault(file.Role, string(RoleClient)))
	roomID := envOrDefault(lookup, envVarPeerRoomID, file.RoomID)
	projectID := envOrDefault(lookup, envVarPeerProjectID, file.ProjectID)
	apiToken := envOrDefault(lookup, envVarPeerAPIToken, file.APIToken)
	userID := envOrDefault(lookup, envVarPeerUserID, file.UserID)
	channelName := envOrDefault(lookup, envVarPeerChannelName, file.ChannelName)
	signalingURL := envOrDefault(lookup, envVarPeerSignalingURL, file.SignalingURL)
	iceServersJSON := envOrDefault(lookup, envVarPeerICEServers, "")
	logFormatStr := envOrDefault(lookup, envVarPeerLogFormat, orDefault(file.LogFormat, string(LogFormatText)))
	logLevelStr := envOrDefault(lookup, envVarPeerLogLevel, orDefault(file.LogLevel, "info"))

	showDebug := file.ShowDebug
	if raw, ok := lookup(envVarPeerShowDebug); ok && strings.TrimSpace(raw) != "" {
		v, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return Peer{}, fmt.Errorf("invalid %s %q: %w", envVarPeerShowDebug, raw, err)
		}
		showDebug = v
	}

	fs := flag.NewFlagSet("webrtc-mesh", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.String("config", configPath, "TOML config file (env "+envVarPeerConfigFile+")")
	fs.StringVar(&roleStr, "role", roleStr, "Session role: host or client (env "+envVarPeerRole+")")
	fs.StringVar(&roomID, "room", roomID, "Room to join when running as a client (env "+envVarPeerRoomID+")")
	fs.StringVar(&projectID, "project-id", projectID, "Project id presented to the relay (env "+envVarPeerProjectID+")")
	fs.StringVar(&apiToken, "api-token", apiToken, "API token presented to the relay (env "+envVarPeerAPIToken+")")
	fs.StringVar(&userID, "user-id", userID, "User id hint (env "+envVarPeerUserID+")")
	fs.StringVar(&channelName, "channel-name", channelName, "Data channel name (env "+envVarPeerChannelName+")")
	fs.BoolVar(&showDebug, "show-debug", showDebug, "Log every relay event (env "+envVarPeerShowDebug+")")
	fs.StringVar(&signalingURL, "signaling-url", signalingURL, "Relay WebSocket URL (env "+envVarPeerSignalingURL+")")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config (env "+envVarPeerICEServers+")")
	fs.StringVar(&logFormatStr, "log-format", logFormatStr, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelStr, "Log level: debug, info, warn, error")

	if err := fs.Parse(args); err != nil {
		return Peer{}, err
	}

	role, err := parseRole(roleStr)
	if err != nil {
		return Peer{}, err
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Peer{}, err
	}
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Peer{}, err
	}

	iceServers := fileICEServers
	if strings.TrimSpace(iceServersJSON) != "" {
		iceServers, err = ParseICEServersJSON(iceServersJSON)
		if err != nil {
			return Peer{}, fmt.Errorf("%s: %w", envVarPeerICEServers, err)
		}
	}

	if role == RoleClient && strings.TrimSpace(roomID) == "" {
		return Peer{}, fmt.Errorf("--room is required for role %q", role)
	}

	session := Session{
		ProjectID:    strings.TrimSpace(projectID),
		APIToken:     strings.TrimSpace(apiToken),
		UserID:       strings.TrimSpace(userID),
		ChannelName:  strings.TrimSpace(channelName),
		ShowDebug:    showDebug,
		ICEServers:   iceServers,
		SignalingURL: strings.TrimSpace(signalingURL),
	}
	if err := session.Validate(); err != nil {
		return Peer{}, err
	}

	return Peer{
		Session:   session,
		Role:      role,
		RoomID:    strings.TrimSpace(roomID),
		LogFormat: logFormat,
		LogLevel:  logLevel,
	}, nil
}

func parseRole(raw string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(RoleHost), "server":
		return RoleHost, nil
	case string(RoleClient):
		return RoleClient, nil
	default:
		return "", fmt.Errorf("invalid role %q (expected host or client)", raw)
	}
}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
