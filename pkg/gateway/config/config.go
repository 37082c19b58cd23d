package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

type CalibrationBackend string

const (
	BackendMemory   CalibrationBackend = "memory"
	BackendFile     CalibrationBackend = "file"
	BackendSQLite   CalibrationBackend = "sqlite"
	BackendPostgres CalibrationBackend = "postgres"
)

type Config struct {
	Addr string

	AuthMode AuthMode
	APIKeys  map[string]struct{}

	// If true, client identity may be derived from proxy headers like X-Forwarded-For.
	// Only enable behind a trusted proxy/LB.
	TrustProxyHeaders bool

	MaxBodyBytes int64

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Routines: empty => built-in default, a file => default routine, a dir => one routine per file.
	RoutinePath string

	// Calibration persistence.
	CalibrationBackend  CalibrationBackend
	CalibrationDir      string
	CalibrationCompress bool
	DatabaseURL         string
	AutoMigrate         bool

	// Live WebSocket mode (/v1/live).
	LiveMaxJSONMessageBytes     int64
	LiveMaxKeypointFPS          int
	LiveMaxKeypointBPS          int64
	LiveInboundBurstSeconds     int
	LiveTickInterval            time.Duration
	LiveFrameWait               time.Duration
	LiveWSPingInterval          time.Duration
	LiveWSWriteTimeout          time.Duration
	LiveWSReadTimeout           time.Duration
	LiveHandshakeTimeout        time.Duration
	LiveOutboundQueueSize       int
	LiveEventQueueSize          int
	LiveMaxSessionDuration      time.Duration
	LiveMaxSessions             int
	LiveMaxSessionsPerPrincipal int
	LivePersistTimeout          time.Duration

	// Speech
	ElevenLabsAPIKey  string
	ElevenLabsVoiceID string
	ElevenLabsBaseURL string

	// In-memory limits (per principal) for the REST surface.
	LimitRPS                   float64
	LimitBurst                 int
	LimitMaxConcurrentRequests int

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration
}

func (c Config) SpeechEnabled() bool {
	return strings.TrimSpace(c.ElevenLabsAPIKey) != ""
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                        envOr("ALIGNIFY_ADDR", ":8080"),
		AuthMode:                    AuthMode(envOr("ALIGNIFY_AUTH_MODE", string(AuthModeDisabled))),
		APIKeys:                     make(map[string]struct{}),
		TrustProxyHeaders:           envBoolOr("ALIGNIFY_TRUST_PROXY_HEADERS", false),
		MaxBodyBytes:                envInt64Or("ALIGNIFY_MAX_BODY_BYTES", 1<<20), // 1 MiB
		CORSAllowedOrigins:          make(map[string]struct{}),
		RoutinePath:                 envOr("ALIGNIFY_ROUTINE_PATH", ""),
		CalibrationBackend:          CalibrationBackend(strings.ToLower(envOr("ALIGNIFY_CALIBRATION_BACKEND", string(BackendMemory)))),
		CalibrationDir:              envOr("ALIGNIFY_CALIBRATION_DIR", "calibrations"),
		CalibrationCompress:         envBoolOr("ALIGNIFY_CALIBRATION_COMPRESS", false),
		DatabaseURL:                 envOr("ALIGNIFY_DATABASE_URL", ""),
		AutoMigrate:                 envBoolOr("ALIGNIFY_AUTO_MIGRATE", true),
		LiveMaxJSONMessageBytes:     envInt64Or("ALIGNIFY_LIVE_MAX_JSON_MESSAGE_BYTES", 64*1024),
		LiveMaxKeypointFPS:          envIntOr("ALIGNIFY_LIVE_MAX_KEYPOINT_FPS", 60),
		LiveMaxKeypointBPS:          envInt64Or("ALIGNIFY_LIVE_MAX_KEYPOINT_BPS", 512*1024),
		LiveInboundBurstSeconds:     envIntOr("ALIGNIFY_LIVE_INBOUND_BURST_SECONDS", 2),
		LiveTickInterval:            envDurationOr("ALIGNIFY_LIVE_TICK_INTERVAL", 100*time.Millisecond),
		LiveFrameWait:               envDurationOr("ALIGNIFY_LIVE_FRAME_WAIT", 50*time.Millisecond),
		LiveWSPingInterval:          envDurationOr("ALIGNIFY_LIVE_WS_PING_INTERVAL", 20*time.Second),
		LiveWSWriteTimeout:          envDurationOr("ALIGNIFY_LIVE_WS_WRITE_TIMEOUT", 5*time.Second),
		LiveWSReadTimeout:           envDurationOr("ALIGNIFY_LIVE_WS_READ_TIMEOUT", 0),
		LiveHandshakeTimeout:        envDurationOr("ALIGNIFY_LIVE_HANDSHAKE_TIMEOUT", 5*time.Second),
		LiveOutboundQueueSize:       envIntOr("ALIGNIFY_LIVE_OUTBOUND_QUEUE_SIZE", 128),
		LiveEventQueueSize:          envIntOr("ALIGNIFY_LIVE_EVENT_QUEUE_SIZE", 64),
		LiveMaxSessionDuration:      envDurationOr("ALIGNIFY_LIVE_MAX_SESSION_DURATION", 2*time.Hour),
		LiveMaxSessions:             envIntOr("ALIGNIFY_LIVE_MAX_SESSIONS", 64),
		LiveMaxSessionsPerPrincipal: envIntOr("ALIGNIFY_LIVE_MAX_SESSIONS_PER_PRINCIPAL", 2),
		LivePersistTimeout:          envDurationOr("ALIGNIFY_LIVE_PERSIST_TIMEOUT", 5*time.Second),
		ElevenLabsAPIKey:            envOr("ALIGNIFY_ELEVENLABS_API_KEY", ""),
		ElevenLabsVoiceID:           envOr("ALIGNIFY_ELEVENLABS_VOICE_ID", ""),
		ElevenLabsBaseURL:           envOr("ALIGNIFY_ELEVENLABS_BASE_URL", "https://api.elevenlabs.io"),
		LimitRPS:                    envFloat64Or("ALIGNIFY_RATE_LIMIT_RPS", 10.0),
		LimitBurst:                  envIntOr("ALIGNIFY_RATE_LIMIT_BURST", 20),
		LimitMaxConcurrentRequests:  envIntOr("ALIGNIFY_MAX_CONCURRENT_REQUESTS", 16),
		ReadHeaderTimeout:           envDurationOr("ALIGNIFY_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:                 envDurationOr("ALIGNIFY_READ_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod:         envDurationOr("ALIGNIFY_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("ALIGNIFY_AUTH_MODE must be one of required|optional|disabled")
	}

	for _, key := range splitCSV(os.Getenv("ALIGNIFY_API_KEYS")) {
		cfg.APIKeys[key] = struct{}{}
	}

	for _, origin := range splitCSV(os.Getenv("ALIGNIFY_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	switch cfg.CalibrationBackend {
	case BackendMemory:
	case BackendFile:
		if strings.TrimSpace(cfg.CalibrationDir) == "" {
			return Config{}, fmt.Errorf("ALIGNIFY_CALIBRATION_DIR must not be empty when ALIGNIFY_CALIBRATION_BACKEND=file")
		}
	case BackendSQLite, BackendPostgres:
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return Config{}, fmt.Errorf("ALIGNIFY_DATABASE_URL must be set when ALIGNIFY_CALIBRATION_BACKEND=%s", cfg.CalibrationBackend)
		}
	default:
		return Config{}, fmt.Errorf("ALIGNIFY_CALIBRATION_BACKEND must be one of memory|file|sqlite|postgres")
	}

	if cfg.MaxBodyBytes <= 0 {
		return Config{}, fmt.Errorf("ALIGNIFY_MAX_BODY_BYTES must be > 0")
	}
	if cfg.LiveMaxJSONMessageBytes <= 0 {
		return Config{}, fmt.Errorf("ALIGNIFY_LIVE_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.LiveMaxKeypointFPS < 0 {
		return Config{}, fmt.Errorf("ALIGNIFY_LIVE_MAX_KEYPOINT_FPS must be >= 0")
	}
	if cfg.LiveMaxKeypointBPS < 0 {
		return Config{}, fmt.Errorf("ALIGNIFY_LIVE_MAX_KEYPOINT_BPS must be >= 0")
	}
	if cfg.LiveInboundBurstSeconds < 0 {
		return Config{}, fmt.Errorf("ALIGNIFY_LIVE_INBOUND_BURST_SECONDS must be >= 0")
	}
	if (cfg.LiveMaxKeypointFPS > 0 || cfg.LiveMaxKeypointBPS > 0) && cfg.LiveInboundBurstSeconds < 1 {
		return Config{}, fmt.Errorf("ALIGNIFY_LIVE_INBOUND_BURST_SECONDS must be >= 1 when inbound keypoint limits are enabled")
	}
	if cfg.LiveTickInterval <= 0 {
		return Config{}, fmt.Errorf("ALIGNIFY_LIVE_TICK_INTERVAL must be > 0")
	}
	if cfg.LiveFrameWait < 0 {
		return Config{}, fmt.Errorf("ALIGNIFY_LIVE_FRAME_WAIT must be >= 0")
	}
	if cfg.LiveWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("ALIGNIFY_LIVE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.LiveWSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("ALIGNIFY_LIVE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.LiveWSReadTimeout < 0 {
		return Config{}, fmt.Errorf("ALIGNIFY_LIVE_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.LiveHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("ALIGNIFY_LIVE_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.LiveOutboundQueueSize <= 0 {
		return Config{}, fmt.Errorf("ALIGNIFY_LIVE_OUTBOUND_QUEUE_SIZE must be > 0")
	}
	if cfg.LiveEventQueueSize <= 0 {
		return Config{}, fmt.Errorf("ALIGNIFY_LIVE_EVENT_QUEUE_SIZE must be > 0")
	}
	if cfg.LiveMaxSessionDuration <= 0 {
		return Config{}, fmt.Errorf("ALIGNIFY_LIVE_MAX_SESSION_DURATION must be > 0")
	}
	if cfg.LiveMaxSessions < 0 {
		return Config{}, fmt.Errorf("ALIGNIFY_LIVE_MAX_SESSIONS must be >= 0")
	}
	if cfg.LiveMaxSessionsPerPrincipal < 0 {
		return Config{}, fmt.Errorf("ALIGNIFY_LIVE_MAX_SESSIONS_PER_PRINCIPAL must be >= 0")
	}
	if cfg.LivePersistTimeout <= 0 {
		return Config{}, fmt.Errorf("ALIGNIFY_LIVE_PERSIST_TIMEOUT must be > 0")
	}
	if cfg.SpeechEnabled() && strings.TrimSpace(cfg.ElevenLabsBaseURL) == "" {
		return Config{}, fmt.Errorf("ALIGNIFY_ELEVENLABS_BASE_URL must not be empty")
	}

	if cfg.LimitRPS < 0 {
		return Config{}, fmt.Errorf("ALIGNIFY_RATE_LIMIT_RPS must be >= 0")
	}
	if cfg.LimitBurst < 0 {
		return Config{}, fmt.Errorf("ALIGNIFY_RATE_LIMIT_BURST must be >= 0")
	}
	if cfg.LimitMaxConcurrentRequests < 0 {
		return Config{}, fmt.Errorf("ALIGNIFY_MAX_CONCURRENT_REQUESTS must be >= 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("ALIGNIFY_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("ALIGNIFY_READ_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("ALIGNIFY_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return Config{}, fmt.Errorf("ALIGNIFY_API_KEYS must be set when ALIGNIFY_AUTH_MODE=required")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
