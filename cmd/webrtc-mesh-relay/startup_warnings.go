package main

import (
	"log/slog"
	"slices"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Relay) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none lets any peer join any room",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.RoomStore == config.RoomStoreMemory {
		logger.Warn("startup security warning: ROOM_STORE=memory while --mode=prod (rooms are lost on restart and not shared between relays)",
			"warning_code", "room_store_memory_in_prod",
			"room_store", cfg.RoomStore,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxEventsPerSecond <= 0 {
		logger.Warn("startup security warning: MAX_EVENTS_PER_SECOND is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_events_per_second_unlimited_in_prod",
			"max_events_per_second", cfg.MaxEventsPerSecond,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxEventBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_EVENT_BYTES is very large (increases per-message allocation risk)",
			"warning_code", "max_event_bytes_large",
			"max_event_bytes", cfg.MaxEventBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.TURNREST.Enabled() && cfg.TURNREST.TTL() > 24*time.Hour {
		logger.Warn("startup security warning: TURN_REST_TTL_SECONDS exceeds one day (leaked TURN credentials stay valid longer)",
			"warning_code", "turn_rest_ttl_large",
			"turn_rest_ttl_seconds", cfg.TURNREST.TTLSeconds,
			"mode", cfg.Mode,
		)
	}
}
