// Package config loads service settings from environment variables,
// per spec.md §6's configuration table.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	NWWSEnabled  bool
	NWWSHost     string
	NWWSPort     int
	NWWSUsername string
	NWWSPassword string
	NWWSRoom     string

	NWSAPIBase           string
	PollInterval         time.Duration
	FilterStates         []string
	ExpirationGrace      time.Duration
	PersistPath          string
	RefDataPath          string

	KafkaBrokers []string
	KafkaTopic   string

	Host string
	Port int

	LogLevel  string
	LogFormat string

	ShutdownTimeout time.Duration
}

// ListenAddr composes the HTTP/WS listener address from Host and Port.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Load reads configuration from environment variables, applying defaults
// where unset.
func Load() (*Config, error) {
	cfg := &Config{
		NWWSEnabled:  envOrDefault("NWWS_ENABLED", "false") == "true",
		NWWSHost:     envOrDefault("NWWS_HOST", "nwws-oi.weather.gov"),
		NWWSUsername: os.Getenv("NWWS_USERNAME"),
		NWWSPassword: os.Getenv("NWWS_PASSWORD"),
		NWWSRoom:     envOrDefault("NWWS_ROOM", "nwws@conference.nwws-oi.weather.gov"),

		NWSAPIBase:  envOrDefault("NWS_API_BASE", "https://api.weather.gov"),
		PersistPath: os.Getenv("PERSIST_PATH"),
		RefDataPath: envOrDefault("REFDATA_PATH", "internal/refdata/testdata/ugc_map.yaml"),

		Host: envOrDefault("HOST", ""),

		LogLevel:  envOrDefault("LOG_LEVEL", "info"),
		LogFormat: envOrDefault("LOG_FORMAT", "json"),
	}

	nwwsPort, err := parseIntDefault("NWWS_PORT", 5223)
	if err != nil {
		return nil, err
	}
	cfg.NWWSPort = nwwsPort

	pollSeconds, err := parseIntDefault("POLL_INTERVAL_SECONDS", 300)
	if err != nil {
		return nil, err
	}
	if pollSeconds <= 0 {
		return nil, errors.New("POLL_INTERVAL_SECONDS must be positive")
	}
	cfg.PollInterval = time.Duration(pollSeconds) * time.Second

	graceSeconds, err := parseIntDefault("EXPIRATION_GRACE_SECONDS", 60)
	if err != nil {
		return nil, err
	}
	if graceSeconds < 0 {
		return nil, errors.New("EXPIRATION_GRACE_SECONDS must not be negative")
	}
	cfg.ExpirationGrace = time.Duration(graceSeconds) * time.Second

	port, err := parseIntDefault("PORT", 8080)
	if err != nil {
		return nil, err
	}
	cfg.Port = port

	cfg.FilterStates = parseFilterStates(os.Getenv("FILTER_STATES"))

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			b = strings.TrimSpace(b)
			if b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}
	cfg.KafkaTopic = envOrDefault("KAFKA_TOPIC", "alerts.changes")

	shutdownTimeout, err := parseDurationDefault("SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	if shutdownTimeout <= 0 {
		return nil, errors.New("SHUTDOWN_TIMEOUT must be positive")
	}
	cfg.ShutdownTimeout = shutdownTimeout

	if cfg.NWWSEnabled {
		if cfg.NWWSUsername == "" || cfg.NWWSPassword == "" {
			return nil, errors.New("NWWS_ENABLED is true but NWWS_USERNAME/NWWS_PASSWORD are not set")
		}
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseIntDefault(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func parseDurationDefault(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

// parseFilterStates splits a comma-separated FILTER_STATES value into
// upper-cased two-letter state codes. Empty input means "accept all",
// per spec.md §6.
func parseFilterStates(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var states []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			states = append(states, s)
		}
	}
	return states
}
