package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the relay service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	DatabaseURL string

	TransportURL       string
	TransportAccountID string

	HistoryEnabled         bool
	HistoryMaxMessages     int
	HistoryCleanupDays     int
	HistoryCacheSize       int
	HistoryCleanupInterval time.Duration
	HistoryFlushInterval   time.Duration

	StoreTimeout time.Duration
	StoreRetries int

	RouterWorkers int
	DefaultModel  string
	ModelAliases  map[string]string
}

// Load reads environment variables and applies safe defaults. Invalid values
// are fatal at startup: the process refuses to serve with a bad config.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:               envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:       envOrDefault("APP_METRICS_NAMESPACE", "relaybot"),
		DatabaseURL:            trimmedEnv("DATABASE_URL"),
		TransportURL:           trimmedEnv("TRANSPORT_URL"),
		TransportAccountID:     envOrDefault("TRANSPORT_ACCOUNT_ID", "primary"),
		HistoryEnabled:         true,
		HistoryMaxMessages:     40,
		HistoryCleanupDays:     30,
		HistoryCacheSize:       256,
		HistoryCleanupInterval: 24 * time.Hour,
		HistoryFlushInterval:   30 * time.Second,
		StoreTimeout:           5 * time.Second,
		StoreRetries:           3,
		RouterWorkers:          4,
		DefaultModel:           envOrDefault("DEFAULT_MODEL", "default"),
		ShutdownTimeout:        15 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.HistoryEnabled, err = boolFromEnv("HISTORY_ENABLED", cfg.HistoryEnabled)
	if err != nil {
		return Config{}, err
	}
	cfg.HistoryMaxMessages, err = intFromEnv("HISTORY_MAX_MESSAGES", cfg.HistoryMaxMessages)
	if err != nil {
		return Config{}, err
	}
	cfg.HistoryCleanupDays, err = intFromEnv("HISTORY_CLEANUP_DAYS", cfg.HistoryCleanupDays)
	if err != nil {
		return Config{}, err
	}
	cfg.HistoryCacheSize, err = intFromEnv("HISTORY_CACHE_SIZE", cfg.HistoryCacheSize)
	if err != nil {
		return Config{}, err
	}
	cfg.HistoryCleanupInterval, err = durationFromEnv("HISTORY_CLEANUP_INTERVAL", cfg.HistoryCleanupInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.HistoryFlushInterval, err = durationFromEnv("HISTORY_FLUSH_INTERVAL", cfg.HistoryFlushInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.StoreTimeout, err = durationFromEnv("STORE_TIMEOUT", cfg.StoreTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.StoreRetries, err = intFromEnv("STORE_RETRIES", cfg.StoreRetries)
	if err != nil {
		return Config{}, err
	}
	cfg.RouterWorkers, err = intFromEnv("ROUTER_WORKERS", cfg.RouterWorkers)
	if err != nil {
		return Config{}, err
	}
	cfg.ModelAliases, err = aliasesFromEnv("MODEL_ALIASES")
	if err != nil {
		return Config{}, err
	}

	if cfg.HistoryMaxMessages <= 0 {
		return Config{}, fmt.Errorf("HISTORY_MAX_MESSAGES must be positive")
	}
	if cfg.HistoryCleanupDays <= 0 {
		return Config{}, fmt.Errorf("HISTORY_CLEANUP_DAYS must be positive")
	}
	if cfg.HistoryCacheSize <= 0 {
		return Config{}, fmt.Errorf("HISTORY_CACHE_SIZE must be positive")
	}
	if cfg.RouterWorkers <= 0 {
		return Config{}, fmt.Errorf("ROUTER_WORKERS must be positive")
	}
	if cfg.StoreRetries < 0 {
		return Config{}, fmt.Errorf("STORE_RETRIES must be >= 0")
	}
	if cfg.StoreTimeout <= 0 {
		return Config{}, fmt.Errorf("STORE_TIMEOUT must be positive")
	}
	if strings.TrimSpace(cfg.TransportAccountID) == "" {
		return Config{}, fmt.Errorf("TRANSPORT_ACCOUNT_ID must not be empty")
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

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
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
	v := trimmedEnv(key)
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
	v := strings.ToLower(trimmedEnv(key))
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

// aliasesFromEnv parses "gpt=gpt-4o,claude=claude-sonnet" into a prefix map.
func aliasesFromEnv(key string) (map[string]string, error) {
	v := trimmedEnv(key)
	if v == "" {
		return nil, nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(v, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, model, ok := strings.Cut(pair, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		model = strings.TrimSpace(model)
		if !ok || name == "" || model == "" {
			return nil, fmt.Errorf("%s parse error: bad alias %q", key, pair)
		}
		out[name] = model
	}
	return out, nil
}
