// Package config loads the relay's runtime configuration from environment
// variables and command-line flags. Flags win over env vars; both win over
// defaults.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarListenAddr     = "CALL_RELAY_LISTEN_ADDR"
	envVarAllowedOrigins = "ALLOWED_ORIGINS"
	envVarMode           = "CALL_RELAY_MODE"
	envVarLogFormat      = "CALL_RELAY_LOG_FORMAT"
	envVarLogLevel       = "CALL_RELAY_LOG_LEVEL"
	envVarShutdown       = "CALL_RELAY_SHUTDOWN_TIMEOUT"

	// Relay timing windows.
	envVarTickInterval     = "TICK_INTERVAL"
	envVarSignalStaleAfter = "SIGNAL_STALE_AFTER"
	envVarSignalMaxRetries = "SIGNAL_MAX_RETRIES"
	envVarEndCallDebounce  = "END_CALL_DEBOUNCE"
	envVarIdleCallReap     = "IDLE_CALL_REAP_AFTER"
	envVarPresenceLiveness = "PRESENCE_LIVENESS_WINDOW"

	// WebSocket auth + hardening.
	envVarAuthMode             = "AUTH_MODE"
	envVarAPIKey               = "API_KEY"
	envVarJWTSecret            = "JWT_SECRET"
	envVarAuthTimeout          = "AUTH_TIMEOUT"
	envVarMaxMessageBytes      = "MAX_MESSAGE_BYTES"
	envVarMaxMessagesPerSecond = "MAX_MESSAGES_PER_SECOND"

	// ICE configuration served to clients.
	envVarICEServersJSON = "ICE_SERVERS_JSON"
	envVarStunURLs       = "STUN_URLS"
	envVarTurnURLs       = "TURN_URLS"
	envVarTurnUsername   = "TURN_USERNAME"
	envVarTurnCredential = "TURN_CREDENTIAL"
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

const (
	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdownTimeout = 15 * time.Second

	DefaultTickInterval     = 500 * time.Millisecond
	DefaultSignalStaleAfter = 30 * time.Second
	DefaultSignalMaxRetries = 5
	DefaultEndCallDebounce  = 500 * time.Millisecond
	DefaultIdleCallReap     = time.Hour
	DefaultPresenceLiveness = 120 * time.Second

	DefaultAuthTimeout          = 10 * time.Second
	DefaultMaxMessageBytes      = int64(64 * 1024)
	DefaultMaxMessagesPerSecond = 50
)

type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	TickInterval     time.Duration
	SignalStaleAfter time.Duration
	SignalMaxRetries int
	EndCallDebounce  time.Duration
	IdleCallReap     time.Duration
	PresenceLiveness time.Duration

	AuthMode             string
	APIKey               string
	JWTSecret            string
	AuthTimeout          time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	// ICEServers is served to clients over GET /ice-servers so they can
	// construct their peer connections with the same STUN/TURN set.
	ICEServers []webrtc.ICEServer
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(ModeDev)
	if envMode != "" {
		modeDefault = envMode
	}

	logFormatDefault := envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(modeDefault))
	logLevelDefault := envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(modeDefault))

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	authModeDefault := envOrDefault(lookup, envVarAuthMode, "none")
	apiKey := envOrDefault(lookup, envVarAPIKey, "")
	jwtSecret := envOrDefault(lookup, envVarJWTSecret, "")
	iceServersJSON := envOrDefault(lookup, envVarICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envVarStunURLs, "")
	turnURLs := envOrDefault(lookup, envVarTurnURLs, "")
	turnUsername := envOrDefault(lookup, envVarTurnUsername, "")
	turnCredential := envOrDefault(lookup, envVarTurnCredential, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdown, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	tickInterval, err := envDurationOrDefault(lookup, envVarTickInterval, DefaultTickInterval)
	if err != nil {
		return Config{}, err
	}
	signalStaleAfter, err := envDurationOrDefault(lookup, envVarSignalStaleAfter, DefaultSignalStaleAfter)
	if err != nil {
		return Config{}, err
	}
	signalMaxRetries, err := envIntOrDefault(lookup, envVarSignalMaxRetries, DefaultSignalMaxRetries)
	if err != nil {
		return Config{}, err
	}
	endCallDebounce, err := envDurationOrDefault(lookup, envVarEndCallDebounce, DefaultEndCallDebounce)
	if err != nil {
		return Config{}, err
	}
	idleCallReap, err := envDurationOrDefault(lookup, envVarIdleCallReap, DefaultIdleCallReap)
	if err != nil {
		return Config{}, err
	}
	presenceLiveness, err := envDurationOrDefault(lookup, envVarPresenceLiveness, DefaultPresenceLiveness)
	if err != nil {
		return Config{}, err
	}
	authTimeout, err := envDurationOrDefault(lookup, envVarAuthTimeout, DefaultAuthTimeout)
	if err != nil {
		return Config{}, err
	}
	maxMessageBytes := DefaultMaxMessageBytes
	if raw, ok := lookup(envVarMaxMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxMessageBytes, raw, err)
		}
		maxMessageBytes = n
	}
	maxMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxMessagesPerSecond, DefaultMaxMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("call-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
		authModeStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port; env "+envVarListenAddr+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod (env "+envVarMode+")")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json (env "+envVarLogFormat+")")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error (env "+envVarLogLevel+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+envVarShutdown+")")

	fs.DurationVar(&tickInterval, "tick-interval", tickInterval, "Relay maintenance tick period (env "+envVarTickInterval+")")
	fs.DurationVar(&signalStaleAfter, "signal-stale-after", signalStaleAfter, "Drop queued signaling messages older than this (env "+envVarSignalStaleAfter+")")
	fs.IntVar(&signalMaxRetries, "signal-max-retries", signalMaxRetries, "Drop queued signaling messages after this many failed deliveries (env "+envVarSignalMaxRetries+")")
	fs.DurationVar(&endCallDebounce, "end-call-debounce", endCallDebounce, "Collapse repeated end-call requests within this window (env "+envVarEndCallDebounce+")")
	fs.DurationVar(&idleCallReap, "idle-call-reap-after", idleCallReap, "Reap call sessions idle for longer than this (env "+envVarIdleCallReap+")")
	fs.DurationVar(&presenceLiveness, "presence-liveness-window", presenceLiveness, "Evict presence entries with no activity for this long (env "+envVarPresenceLiveness+")")

	fs.StringVar(&authModeStr, "auth-mode", authModeDefault, "Connection auth mode: none, api_key, or jwt (env "+envVarAuthMode+")")
	fs.StringVar(&apiKey, "api-key", apiKey, "API key for auth mode api_key (env "+envVarAPIKey+")")
	fs.StringVar(&jwtSecret, "jwt-secret", jwtSecret, "HS256 secret for auth mode jwt (env "+envVarJWTSecret+")")
	fs.DurationVar(&authTimeout, "auth-timeout", authTimeout, "Close unauthenticated connections after this (env "+envVarAuthTimeout+")")
	fs.Int64Var(&maxMessageBytes, "max-message-bytes", maxMessageBytes, "Max inbound WS message size in bytes (env "+envVarMaxMessageBytes+")")
	fs.IntVar(&maxMessagesPerSecond, "max-messages-per-second", maxMessagesPerSecond, "Max inbound WS messages per second per connection (env "+envVarMaxMessagesPerSecond+")")

	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config (env "+envVarICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "Comma-separated STUN URLs (env "+envVarStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "Comma-separated TURN URLs (env "+envVarTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username (env "+envVarTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential (env "+envVarTurnCredential+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	switch authModeStr {
	case "none", "api_key", "jwt":
	default:
		return Config{}, fmt.Errorf("invalid auth mode %q (want none, api_key, or jwt)", authModeStr)
	}
	if authModeStr == "api_key" && apiKey == "" {
		return Config{}, fmt.Errorf("auth mode api_key requires %s", envVarAPIKey)
	}
	if authModeStr == "jwt" && jwtSecret == "" {
		return Config{}, fmt.Errorf("auth mode jwt requires %s", envVarJWTSecret)
	}
	if signalMaxRetries <= 0 {
		return Config{}, fmt.Errorf("signal-max-retries must be positive, got %d", signalMaxRetries)
	}
	if maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("max-message-bytes must be positive, got %d", maxMessageBytes)
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential)
	if err != nil {
		return Config{}, err
	}

	return Config{
		ListenAddr:      listenAddr,
		AllowedOrigins:  splitCommaList(allowedOriginsStr),
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		ShutdownTimeout: shutdownTimeout,

		TickInterval:     tickInterval,
		SignalStaleAfter: signalStaleAfter,
		SignalMaxRetries: signalMaxRetries,
		EndCallDebounce:  endCallDebounce,
		IdleCallReap:     idleCallReap,
		PresenceLiveness: presenceLiveness,

		AuthMode:             authModeStr,
		APIKey:               apiKey,
		JWTSecret:            jwtSecret,
		AuthTimeout:          authTimeout,
		MaxMessageBytes:      maxMessageBytes,
		MaxMessagesPerSecond: maxMessagesPerSecond,

		ICEServers: iceServers,
	}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func parseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (want dev or prod)", s)
	}
}

func parseLogFormat(s string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (want text or json)", s)
	}
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q (want debug, info, warn, or error)", s)
	}
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
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

func splitCommaList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
