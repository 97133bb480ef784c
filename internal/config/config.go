package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envVarListenAddr      = "GPTM_RTC_LISTEN_ADDR"
	envVarPublicBaseURL   = "GPTM_RTC_PUBLIC_BASE_URL"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarLogFormat       = "GPTM_RTC_LOG_FORMAT"
	envVarLogLevel        = "GPTM_RTC_LOG_LEVEL"
	envVarShutdownTimeout = "GPTM_RTC_SHUTDOWN_TIMEOUT"

	// Signaling socket auth + hardening.
	envVarAuthMode                      = "AUTH_MODE"
	envVarJWTSecret                     = "JWT_SECRET"
	envVarSignalingAuthTimeout          = "SIGNALING_AUTH_TIMEOUT"
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"

	// Per-connection outbound event queue depth. Events beyond this are
	// dropped rather than stalling the relay on a slow client.
	envVarSendQueueEvents = "SEND_QUEUE_EVENTS"

	// Client-side ring timeout default, surfaced here so both binaries agree.
	envVarRingTimeout = "RING_TIMEOUT"

	// coturn TURN REST (ephemeral) credentials for /rtc/ice.
	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"
	envVarTURNRESTRealm          = "TURN_REST_REALM"
)

const (
	DefaultListenAddr           = "127.0.0.1:4100"
	DefaultShutdown             = 15 * time.Second
	DefaultSignalingAuthTimeout = 2 * time.Second
	DefaultWSIdleTimeout        = 60 * time.Second
	DefaultWSPingInterval       = 20 * time.Second
	DefaultRingTimeout          = 30 * time.Second

	DefaultMaxSignalingMessageBytes      = 64 * 1024
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultSendQueueEvents               = 256

	DefaultTURNRESTTTL = 600 * time.Second
)

type AuthMode string

const (
	// AuthModeNone skips token verification; the connection handshake trusts
	// the presented identity as-is. Dev/test only.
	AuthModeNone AuthMode = "none"
	AuthModeJWT  AuthMode = "jwt"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr      string
	PublicBaseURL   string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	AuthMode  AuthMode
	JWTSecret string

	SignalingAuthTimeout    time.Duration
	SignalingWSIdleTimeout  time.Duration
	SignalingWSPingInterval time.Duration

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	SendQueueEvents               int

	RingTimeout time.Duration

	// STUN/TURN servers advertised to clients via /rtc/ice.
	ICEServers []ICEServer

	TURNRESTSharedSecret   string
	TURNRESTTTL            time.Duration
	TURNRESTUsernamePrefix string
	TURNRESTRealm          string
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	fs := flag.NewFlagSet("gptmessenger-rtc", flag.ContinueOnError)

	listenAddr := fs.String("listen-addr", envOrDefault(lookup, envVarListenAddr, DefaultListenAddr), "listen address")
	publicBaseURL := fs.String("public-base-url", envOrDefault(lookup, envVarPublicBaseURL, ""), "public base URL")
	allowedOrigins := fs.String("allowed-origins", envOrDefault(lookup, envVarAllowedOrigins, ""), "comma-separated allowed origins (empty allows all)")
	logFormat := fs.String("log-format", envOrDefault(lookup, envVarLogFormat, string(LogFormatText)), "log format: text|json")
	logLevel := fs.String("log-level", envOrDefault(lookup, envVarLogLevel, "info"), "log level: debug|info|warn|error")
	authMode := fs.String("auth-mode", envOrDefault(lookup, envVarAuthMode, string(AuthModeJWT)), "auth mode: jwt|none")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:     *listenAddr,
		PublicBaseURL:  strings.TrimRight(*publicBaseURL, "/"),
		AllowedOrigins: splitAndTrim(*allowedOrigins),
	}

	switch LogFormat(strings.ToLower(*logFormat)) {
	case LogFormatText, LogFormatJSON:
		cfg.LogFormat = LogFormat(strings.ToLower(*logFormat))
	default:
		return Config{}, fmt.Errorf("unsupported log format %q", *logFormat)
	}

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel = level

	switch AuthMode(strings.ToLower(*authMode)) {
	case AuthModeJWT, AuthModeNone:
		cfg.AuthMode = AuthMode(strings.ToLower(*authMode))
	default:
		return Config{}, fmt.Errorf("unsupported auth mode %q", *authMode)
	}

	cfg.JWTSecret = envOrDefault(lookup, envVarJWTSecret, "")
	if cfg.AuthMode == AuthModeJWT && cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("%s is required when %s=jwt", envVarJWTSecret, envVarAuthMode)
	}

	cfg.ShutdownTimeout, err = envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	cfg.SignalingAuthTimeout, err = envDurationOrDefault(lookup, envVarSignalingAuthTimeout, DefaultSignalingAuthTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SignalingWSIdleTimeout, err = envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SignalingWSPingInterval, err = envDurationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.RingTimeout, err = envDurationOrDefault(lookup, envVarRingTimeout, DefaultRingTimeout)
	if err != nil {
		return Config{}, err
	}

	maxMsgBytes, err := envIntOrDefault(lookup, envVarMaxSignalingMessageBytes, DefaultMaxSignalingMessageBytes)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxSignalingMessageBytes = int64(maxMsgBytes)

	cfg.MaxSignalingMessagesPerSecond, err = envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	cfg.SendQueueEvents, err = envIntOrDefault(lookup, envVarSendQueueEvents, DefaultSendQueueEvents)
	if err != nil {
		return Config{}, err
	}

	cfg.ICEServers, err = parseICEServersFromEnv(lookup)
	if err != nil {
		return Config{}, err
	}

	cfg.TURNRESTSharedSecret = envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnTTLSeconds, err := envIntOrDefault(lookup, envVarTURNRESTTTLSeconds, int(DefaultTURNRESTTTL/time.Second))
	if err != nil {
		return Config{}, err
	}
	if turnTTLSeconds <= 0 {
		return Config{}, fmt.Errorf("%s must be positive", envVarTURNRESTTTLSeconds)
	}
	cfg.TURNRESTTTL = time.Duration(turnTTLSeconds) * time.Second
	cfg.TURNRESTUsernamePrefix = envOrDefault(lookup, envVarTURNRESTUsernamePrefix, "")
	cfg.TURNRESTRealm = envOrDefault(lookup, envVarTURNRESTRealm, "")

	return cfg, nil
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

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported log level %q", raw)
	}
}

func splitAndTrim(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
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
