package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarListenAddr           = "LISTEN_ADDR"
	envVarAllowedOrigins       = "ALLOWED_ORIGINS"
	envVarMode                 = "MESH_MODE"
	envVarLogFormat            = "LOG_FORMAT"
	envVarLogLevel             = "LOG_LEVEL"
	envVarShutdownTimeout      = "SHUTDOWN_TIMEOUT"
	envVarAuthMode             = "AUTH_MODE"
	envVarAPIKeys              = "API_KEYS"
	envVarJWTSecret            = "JWT_SECRET"
	envVarRoomStore            = "ROOM_STORE"
	envVarRedisAddr            = "REDIS_ADDR"
	envVarRedisPassword        = "REDIS_PASSWORD"
	envVarRedisDB              = "REDIS_DB"
	envVarRedisKeyPrefix       = "REDIS_KEY_PREFIX"
	envVarMaxEventBytes        = "MAX_EVENT_BYTES"
	envVarMaxEventsPerSecond   = "MAX_EVENTS_PER_SECOND"
	envVarMaxBytesPerSecond    = "MAX_BYTES_PER_SECOND"
	envVarWSPingInterval       = "WS_PING_INTERVAL"
	envVarWSIdleTimeout        = "WS_IDLE_TIMEOUT"
	envVarTURNRESTSharedSecret = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds   = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTPrefix       = "TURN_REST_USERNAME_PREFIX"
)

const (
	DefaultListenAddr         = "127.0.0.1:8080"
	DefaultMode               = ModeDev
	DefaultShutdownTimeout    = 15 * time.Second
	DefaultRedisKeyPrefix     = "webrtc-mesh"
	DefaultMaxEventBytes      = 64 * 1024
	DefaultMaxEventsPerSecond = 50
	DefaultWSPingInterval     = 20 * time.Second
	DefaultWSIdleTimeout      = 60 * time.Second
	DefaultTURNRESTTTLSeconds = 3600
	DefaultTURNRESTPrefix     = "mesh"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
	AuthModeJWT    AuthMode = "jwt"
)

type RoomStoreKind string

const (
	RoomStoreMemory RoomStoreKind = "memory"
	RoomStoreRedis  RoomStoreKind = "redis"
)

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
}

func (c TurnRESTConfig) Enabled() bool {
	return c.SharedSecret != ""
}

func (c TurnRESTConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// Relay is the configuration of the webrtc-mesh-relay binary.
type Relay struct {
	ListenAddr      string
	AllowedOrigins  []string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	AuthMode AuthMode
	// APIKeys maps a project id to its API token.
	APIKeys   map[string]string
	JWTSecret string

	ICEServers []webrtc.ICEServer
	TURNREST   TurnRESTConfig

	RoomStore      RoomStoreKind
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string

	MaxEventBytes      int64
	MaxEventsPerSecond int
	MaxBytesPerSecond  int
	WSPingInterval     time.Duration
	WSIdleTimeout      time.Duration
}

func LoadRelay(args []string) (Relay, error) {
	return loadRelay(os.LookupEnv, args)
}

func loadRelay(lookup func(string) (string, bool), args []string) (Relay, error) {
	modeDefault := envOrDefault(lookup, envVarMode, string(DefaultMode))
	logFormatDefault := envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(modeDefault))
	logLevelDefault := envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(modeDefault))

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	authModeStr := envOrDefault(lookup, envVarAuthMode, string(AuthModeAPIKey))
	apiKeysStr := envOrDefault(lookup, envVarAPIKeys, "")
	jwtSecret := envOrDefault(lookup, envVarJWTSecret, "")
	ice := relayICEFromEnv(lookup)
	turnRESTSharedSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnRESTPrefix := envOrDefault(lookup, envVarTURNRESTPrefix, DefaultTURNRESTPrefix)
	roomStoreStr := envOrDefault(lookup, envVarRoomStore, string(RoomStoreMemory))
	redisAddr := envOrDefault(lookup, envVarRedisAddr, "")
	redisPassword := envOrDefault(lookup, envVarRedisPassword, "")
	redisKeyPrefix := envOrDefault(lookup, envVarRedisKeyPrefix, DefaultRedisKeyPrefix)

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Relay{}, err
	}
	wsPingInterval, err := envDurationOrDefault(lookup, envVarWSPingInterval, DefaultWSPingInterval)
	if err != nil {
		return Relay{}, err
	}
	wsIdleTimeout, err := envDurationOrDefault(lookup, envVarWSIdleTimeout, DefaultWSIdleTimeout)
	if err != nil {
		return Relay{}, err
	}
	redisDB, err := envIntOrDefault(lookup, envVarRedisDB, 0)
	if err != nil {
		return Relay{}, err
	}
	maxEventsPerSecond, err := envIntOrDefault(lookup, envVarMaxEventsPerSecond, DefaultMaxEventsPerSecond)
	if err != nil {
		return Relay{}, err
	}
	maxBytesPerSecond, err := envIntOrDefault(lookup, envVarMaxBytesPerSecond, 0)
	if err != nil {
		return Relay{}, err
	}
	maxEventBytes := int64(DefaultMaxEventBytes)
	if raw, ok := lookup(envVarMaxEventBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Relay{}, fmt.Errorf("invalid %s %q: %w", envVarMaxEventBytes, raw, err)
		}
		maxEventBytes = n
	}
	turnRESTTTLSeconds := int64(DefaultTURNRESTTTLSeconds)
	if raw, ok := lookup(envVarTURNRESTTTLSeconds); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Relay{}, fmt.Errorf("invalid %s %q: %w", envVarTURNRESTTTLSeconds, raw, err)
		}
		turnRESTTTLSeconds = n
	}

	fs := flag.NewFlagSet("webrtc-mesh-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.StringVar(&authModeStr, "auth-mode", authModeStr, "Relay auth mode: none, api_key, or jwt (env "+envVarAuthMode+")")
	fs.StringVar(&apiKeysStr, "api-keys", apiKeysStr, "Comma-separated project:token pairs (env "+envVarAPIKeys+")")
	fs.StringVar(&jwtSecret, "jwt-secret", jwtSecret, "HS256 secret for jwt auth mode (env "+envVarJWTSecret+")")
	ice.bind(fs)
	fs.StringVar(&turnRESTSharedSecret, "turn-rest-shared-secret", turnRESTSharedSecret, "TURN REST shared secret ("+envVarTURNRESTSharedSecret+")")
	fs.Int64Var(&turnRESTTTLSeconds, "turn-rest-ttl-seconds", turnRESTTTLSeconds, "TURN REST credential TTL seconds ("+envVarTURNRESTTTLSeconds+")")
	fs.StringVar(&turnRESTPrefix, "turn-rest-username-prefix", turnRESTPrefix, "TURN REST username prefix ("+envVarTURNRESTPrefix+")")
	fs.StringVar(&roomStoreStr, "room-store", roomStoreStr, "Room registry backend: memory or redis (env "+envVarRoomStore+")")
	fs.StringVar(&redisAddr, "redis-addr", redisAddr, "Redis address for the redis room store (env "+envVarRedisAddr+")")
	fs.StringVar(&redisPassword, "redis-password", redisPassword, "Redis password (env "+envVarRedisPassword+")")
	fs.IntVar(&redisDB, "redis-db", redisDB, "Redis database number (env "+envVarRedisDB+")")
	fs.StringVar(&redisKeyPrefix, "redis-key-prefix", redisKeyPrefix, "Prefix for redis keys (env "+envVarRedisKeyPrefix+")")
	fs.Int64Var(&maxEventBytes, "max-event-bytes", maxEventBytes, "Max inbound relay frame size in bytes (env "+envVarMaxEventBytes+")")
	fs.IntVar(&maxEventsPerSecond, "max-events-per-second", maxEventsPerSecond, "Max inbound relay frames per second per connection (0 = unlimited; env "+envVarMaxEventsPerSecond+")")
	fs.IntVar(&maxBytesPerSecond, "max-bytes-per-second", maxBytesPerSecond, "Max inbound relay bytes per second per connection (0 = unlimited; env "+envVarMaxBytesPerSecond+")")
	fs.DurationVar(&wsPingInterval, "ws-ping-interval", wsPingInterval, "Ping interval for relay WebSocket connections (must be < --ws-idle-timeout; env "+envVarWSPingInterval+")")
	fs.DurationVar(&wsIdleTimeout, "ws-idle-timeout", wsIdleTimeout, "Close idle relay WebSocket connections after this duration (env "+envVarWSIdleTimeout+")")

	if err := fs.Parse(args); err != nil {
		return Relay{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Relay{}, err
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Relay{}, err
	}
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Relay{}, err
	}
	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Relay{}, err
	}
	roomStore, err := parseRoomStore(roomStoreStr)
	if err != nil {
		return Relay{}, err
	}
	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Relay{}, err
	}
	apiKeys, err := parseAPIKeys(apiKeysStr)
	if err != nil {
		return Relay{}, err
	}
	iceServers, err := ice.servers()
	if err != nil {
		return Relay{}, err
	}

	switch authMode {
	case AuthModeAPIKey:
		if len(apiKeys) == 0 {
			return Relay{}, fmt.Errorf("%s is required when %s=%s", envVarAPIKeys, envVarAuthMode, AuthModeAPIKey)
		}
	case AuthModeJWT:
		if strings.TrimSpace(jwtSecret) == "" {
			return Relay{}, fmt.Errorf("%s is required when %s=%s", envVarJWTSecret, envVarAuthMode, AuthModeJWT)
		}
	}
	if roomStore == RoomStoreRedis && strings.TrimSpace(redisAddr) == "" {
		return Relay{}, fmt.Errorf("%s is required when %s=%s", envVarRedisAddr, envVarRoomStore, RoomStoreRedis)
	}
	if maxEventBytes <= 0 {
		return Relay{}, fmt.Errorf("max event bytes must be > 0 (got %d)", maxEventBytes)
	}
	if maxEventsPerSecond < 0 {
		return Relay{}, fmt.Errorf("max events per second must be >= 0 (got %d)", maxEventsPerSecond)
	}
	if maxBytesPerSecond < 0 {
		return Relay{}, fmt.Errorf("max bytes per second must be >= 0 (got %d)", maxBytesPerSecond)
	}
	if wsIdleTimeout <= 0 {
		return Relay{}, fmt.Errorf("ws idle timeout must be > 0 (got %s)", wsIdleTimeout)
	}
	if wsPingInterval <= 0 || wsPingInterval >= wsIdleTimeout {
		return Relay{}, fmt.Errorf("ws ping interval must be > 0 and < ws idle timeout (got %s, idle %s)", wsPingInterval, wsIdleTimeout)
	}
	if shutdownTimeout <= 0 {
		return Relay{}, fmt.Errorf("shutdown timeout must be > 0 (got %s)", shutdownTimeout)
	}
	if turnRESTSharedSecret != "" {
		if turnRESTTTLSeconds <= 0 {
			return Relay{}, fmt.Errorf("%s must be > 0 (got %d)", envVarTURNRESTTTLSeconds, turnRESTTTLSeconds)
		}
		if strings.Contains(turnRESTPrefix, ":") {
			return Relay{}, fmt.Errorf("%s must not contain ':'", envVarTURNRESTPrefix)
		}
	}

	return Relay{
		ListenAddr:      listenAddr,
		AllowedOrigins:  allowedOrigins,
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		ShutdownTimeout: shutdownTimeout,
		AuthMode:        authMode,
		APIKeys:         apiKeys,
		JWTSecret:       jwtSecret,
		ICEServers:      iceServers,
		TURNREST: TurnRESTConfig{
			SharedSecret:   turnRESTSharedSecret,
			TTLSeconds:     turnRESTTTLSeconds,
			UsernamePrefix: turnRESTPrefix,
		},
		RoomStore:          roomStore,
		RedisAddr:          strings.TrimSpace(redisAddr),
		RedisPassword:      redisPassword,
		RedisDB:            redisDB,
		RedisKeyPrefix:     redisKeyPrefix,
		MaxEventBytes:      maxEventBytes,
		MaxEventsPerSecond: maxEventsPerSecond,
		MaxBytesPerSecond:  maxBytesPerSecond,
		WSPingInterval:     wsPingInterval,
		WSIdleTimeout:      wsIdleTimeout,
	}, nil
}

// NewLogger builds the process logger from a format and level.
func NewLogger(format LogFormat, level slog.Level) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	switch format {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	if strings.EqualFold(strings.TrimSpace(mode), string(ModeProd)) {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode string) string {
	if strings.EqualFold(strings.TrimSpace(mode), string(ModeProd)) {
		return "info"
	}
	return "debug"
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone):
		return AuthModeNone, nil
	case string(AuthModeAPIKey), "apikey", "api-key":
		return AuthModeAPIKey, nil
	case string(AuthModeJWT):
		return AuthModeJWT, nil
	default:
		return "", fmt.Errorf("invalid auth mode %q (expected none, api_key, or jwt)", raw)
	}
}

func parseRoomStore(raw string) (RoomStoreKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(RoomStoreMemory), "":
		return RoomStoreMemory, nil
	case string(RoomStoreRedis):
		return RoomStoreRedis, nil
	default:
		return "", fmt.Errorf("invalid room store %q (expected memory or redis)", raw)
	}
}

// parseAPIKeys parses "project:token,project2:token2".
func parseAPIKeys(raw string) (map[string]string, error) {
	out := map[string]string{}
	for _, entry := range splitCommaSeparated(raw) {
		project, token, ok := strings.Cut(entry, ":")
		project = strings.TrimSpace(project)
		token = strings.TrimSpace(token)
		if !ok || project == "" || token == "" {
			return nil, fmt.Errorf("invalid %s entry %q (expected project:token)", envVarAPIKeys, entry)
		}
		if _, dup := out[project]; dup {
			return nil, fmt.Errorf("duplicate %s entry for project %q", envVarAPIKeys, project)
		}
		out[project] = token
	}
	return out, nil
}

func parseAllowedOrigins(raw string) ([]string, error) {
	var out []string
	for _, entry := range splitCommaSeparated(raw) {
		if entry == "*" {
			out = append(out, entry)
			continue
		}
		normalized, err := normalizeOrigin(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid origin %q: %w", entry, err)
		}
		out = append(out, normalized)
	}
	return out, nil
}

func normalizeOrigin(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errors.New("expected http or https scheme")
	}
	if u.Host == "" || (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" || u.User != nil {
		return "", errors.New("expected full origin like https://example.com")
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), nil
}
