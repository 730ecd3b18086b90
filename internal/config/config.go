package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the coaching session service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	LiveKitURL       string
	LiveKitAPIKey    string
	LiveKitAPISecret string
	TokenTTL         time.Duration
	RoomPrefix       string

	AgentConnectTimeout time.Duration
	AgentMaxAttempts    int
	AgentBackoffBase    time.Duration
	AgentBackoffCap     time.Duration

	QueueCapacity int
	QueueWorkers  int
	TaskLeaseTTL  time.Duration
	RedisURL      string

	WhisperURL string

	ChatAPIKey  string
	ChatBaseURL string
	ChatModel   string

	TTSURL   string
	TTSVoice string

	DefaultLanguage string
	LatencyWindow   int

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "oratio"),
		AllowAnyOrigin:   false,
		LiveKitURL:       envOrDefault("LIVEKIT_URL", "ws://localhost:7880"),
		LiveKitAPIKey:    stringsTrimSpace("LIVEKIT_API_KEY"),
		LiveKitAPISecret: stringsTrimSpace("LIVEKIT_API_SECRET"),
		RoomPrefix:       envOrDefault("APP_ROOM_PREFIX", "oratio"),
		WhisperURL:       envOrDefault("WHISPER_ASR_URL", "http://localhost:5001/transcribe"),
		ChatAPIKey:       stringsTrimSpace("CHAT_API_KEY"),
		ChatBaseURL:      stringsTrimSpace("CHAT_BASE_URL"),
		ChatModel:        envOrDefault("CHAT_MODEL", "gpt-4o-mini"),
		TTSURL:           envOrDefault("TTS_URL", "http://localhost:5002/api/tts"),
		// Default to the French Piper voice the coaching scenarios were tuned on.
		TTSVoice:        envOrDefault("TTS_VOICE", "tom-fr-high"),
		DefaultLanguage: envOrDefault("APP_DEFAULT_LANGUAGE", "fr"),
		RedisURL:        stringsTrimSpace("REDIS_URL"),
		DatabaseURL:     stringsTrimSpace("DATABASE_URL"),

		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 5 * time.Minute,
		TokenTTL:                 time.Hour,
		AgentConnectTimeout:      30 * time.Second,
		AgentMaxAttempts:         4,
		AgentBackoffBase:         500 * time.Millisecond,
		AgentBackoffCap:          8 * time.Second,
		QueueCapacity:            64,
		QueueWorkers:             2,
		TaskLeaseTTL:             30 * time.Second,
		LatencyWindow:            256,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TokenTTL, err = durationFromEnv("LIVEKIT_TOKEN_TTL", cfg.TokenTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.AgentConnectTimeout, err = durationFromEnv("AGENT_CONNECT_TIMEOUT", cfg.AgentConnectTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AgentBackoffBase, err = durationFromEnv("AGENT_BACKOFF_BASE", cfg.AgentBackoffBase)
	if err != nil {
		return Config{}, err
	}
	cfg.AgentBackoffCap, err = durationFromEnv("AGENT_BACKOFF_CAP", cfg.AgentBackoffCap)
	if err != nil {
		return Config{}, err
	}
	cfg.TaskLeaseTTL, err = durationFromEnv("TASK_LEASE_TTL", cfg.TaskLeaseTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.AgentMaxAttempts, err = intFromEnv("AGENT_MAX_ATTEMPTS", cfg.AgentMaxAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.QueueCapacity, err = intFromEnv("TASK_QUEUE_CAPACITY", cfg.QueueCapacity)
	if err != nil {
		return Config{}, err
	}
	cfg.QueueWorkers, err = intFromEnv("TASK_QUEUE_WORKERS", cfg.QueueWorkers)
	if err != nil {
		return Config{}, err
	}
	cfg.LatencyWindow, err = intFromEnv("LATENCY_WINDOW_SAMPLES", cfg.LatencyWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.TokenTTL < time.Minute {
		return Config{}, fmt.Errorf("LIVEKIT_TOKEN_TTL must be at least 1m")
	}
	if cfg.AgentMaxAttempts <= 0 {
		return Config{}, fmt.Errorf("AGENT_MAX_ATTEMPTS must be positive")
	}
	if cfg.AgentBackoffBase <= 0 || cfg.AgentBackoffCap < cfg.AgentBackoffBase {
		return Config{}, fmt.Errorf("agent backoff bounds invalid: base=%v cap=%v", cfg.AgentBackoffBase, cfg.AgentBackoffCap)
	}
	if cfg.QueueCapacity <= 0 {
		return Config{}, fmt.Errorf("TASK_QUEUE_CAPACITY must be positive")
	}
	if cfg.QueueWorkers <= 0 {
		return Config{}, fmt.Errorf("TASK_QUEUE_WORKERS must be positive")
	}
	if cfg.TaskLeaseTTL < time.Second {
		return Config{}, fmt.Errorf("TASK_LEASE_TTL must be at least 1s")
	}
	if cfg.LatencyWindow <= 0 {
		return Config{}, fmt.Errorf("LATENCY_WINDOW_SAMPLES must be positive")
	}
	if strings.ContainsAny(cfg.RoomPrefix, " \t/") {
		return Config{}, fmt.Errorf("APP_ROOM_PREFIX must not contain spaces or slashes")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
