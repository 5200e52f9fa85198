package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the chat relay service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	// AllowedOrigins is the CORS allowlist. Entries may carry a single
	// leading wildcard, e.g. "https://*.vercel.app".
	AllowedOrigins []string

	SessionWindow  int
	SweepInterval  time.Duration
	SessionMaxAge  time.Duration
	TurnTimeout    time.Duration

	CompletionProvider string
	SystemPrompt       string

	OpenAIAPIKey      string
	OpenAIBaseURL     string
	OpenAIModel       string
	OpenAIMaxTokens   int
	OpenAITemperature float64

	DatabaseURL string
}

const defaultSystemPrompt = "You are a helpful AI assistant. Provide clear, concise, and accurate responses. Be friendly and engaging in your communication."

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:           envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:   envOrDefault("APP_METRICS_NAMESPACE", "chatrelay"),
		SessionWindow:      15,
		SweepInterval:      time.Hour,
		SessionMaxAge:      24 * time.Hour,
		TurnTimeout:        60 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		CompletionProvider: envOrDefault("COMPLETION_PROVIDER", "auto"),
		SystemPrompt:       envOrDefault("APP_SYSTEM_PROMPT", defaultSystemPrompt),
		OpenAIAPIKey:       envTrimmed("OPENAI_API_KEY"),
		OpenAIBaseURL:      envTrimmed("OPENAI_BASE_URL"),
		OpenAIModel:        envOrDefault("OPENAI_MODEL", "gpt-3.5-turbo"),
		OpenAIMaxTokens:    500,
		OpenAITemperature:  0.7,
		DatabaseURL:        envTrimmed("DATABASE_URL"),
	}

	cfg.AllowedOrigins = splitOrigins(envOrDefault("APP_ALLOWED_ORIGINS",
		"http://localhost:3001,http://127.0.0.1:3001,http://localhost:5500,http://127.0.0.1:5500"))

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SweepInterval, err = durationFromEnv("APP_SWEEP_INTERVAL", cfg.SweepInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionMaxAge, err = durationFromEnv("APP_SESSION_MAX_AGE", cfg.SessionMaxAge)
	if err != nil {
		return Config{}, err
	}
	cfg.TurnTimeout, err = durationFromEnv("APP_TURN_TIMEOUT", cfg.TurnTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionWindow, err = intFromEnv("APP_SESSION_WINDOW", cfg.SessionWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.OpenAIMaxTokens, err = intFromEnv("OPENAI_MAX_TOKENS", cfg.OpenAIMaxTokens)
	if err != nil {
		return Config{}, err
	}
	cfg.OpenAITemperature, err = floatFromEnv("OPENAI_TEMPERATURE", cfg.OpenAITemperature)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionWindow <= 0 {
		return Config{}, fmt.Errorf("APP_SESSION_WINDOW must be positive")
	}
	if cfg.SweepInterval <= 0 {
		return Config{}, fmt.Errorf("APP_SWEEP_INTERVAL must be positive")
	}
	if cfg.SessionMaxAge < time.Minute {
		return Config{}, fmt.Errorf("APP_SESSION_MAX_AGE must be at least 1m")
	}
	if cfg.TurnTimeout < time.Second {
		return Config{}, fmt.Errorf("APP_TURN_TIMEOUT must be at least 1s")
	}
	if cfg.OpenAIMaxTokens <= 0 {
		return Config{}, fmt.Errorf("OPENAI_MAX_TOKENS must be positive")
	}
	if cfg.OpenAITemperature < 0 || cfg.OpenAITemperature > 2 {
		return Config{}, fmt.Errorf("OPENAI_TEMPERATURE must be in [0, 2]")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.CompletionProvider)) {
	case "auto", "openai", "mock":
	default:
		return Config{}, fmt.Errorf("invalid COMPLETION_PROVIDER: %q (expected auto|openai|mock)", cfg.CompletionProvider)
	}

	return cfg, nil
}

func splitOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func envTrimmed(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := envTrimmed(key)
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
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}
