package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all operational settings, populated from environment
// variables. Science parameters (reference years, thresholds, crop calendar)
// live in the engine YAML, loaded separately by LoadEngine.
type Config struct {
	DataDir          string
	ArtifactDir      string
	EngineConfigPath string
	HTTPAddr         string
	LogLevel         string
	LogFormat        string
	ShutdownTimeout  time.Duration
	Workers          int

	// Severe-anomaly alert publishing.
	AlertsEnabled    bool
	KafkaBrokers     []string
	KafkaAlertsTopic string

	// County directory enrichment.
	CountyLookupEnabled bool
	CountyAPIBase       string
	CountyAPITimeout    time.Duration
	CountyCacheSize     int
}

// Load reads configuration from environment variables, applying defaults
// where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := parsePositiveDuration("SHUTDOWN_TIMEOUT", "10s")
	if err != nil {
		return nil, err
	}

	countyTimeout, err := parsePositiveDuration("COUNTY_API_TIMEOUT", "5s")
	if err != nil {
		return nil, err
	}

	workers, err := parseWorkers()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:          envOrDefault("DATA_DIR", "data/input"),
		ArtifactDir:      envOrDefault("ARTIFACT_DIR", "data/artifacts"),
		EngineConfigPath: envOrDefault("ENGINE_CONFIG", "engine.yaml"),
		HTTPAddr:         envOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:         envOrDefault("LOG_LEVEL", "info"),
		LogFormat:        envOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout:  shutdownTimeout,
		Workers:          workers,

		AlertsEnabled:    os.Getenv("ALERTS_ENABLED") == "true",
		KafkaBrokers:     parseBrokers(envOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaAlertsTopic: envOrDefault("KAFKA_ALERTS_TOPIC", "crop-anomaly-alerts"),

		CountyLookupEnabled: os.Getenv("COUNTY_LOOKUP_ENABLED") == "true",
		CountyAPIBase:       envOrDefault("COUNTY_API_BASE", "https://api.terracast.io/counties/v1"),
		CountyAPITimeout:    countyTimeout,
		CountyCacheSize:     parseCountyCacheSize(),
	}

	if cfg.DataDir == "" {
		return nil, errors.New("DATA_DIR is required")
	}
	if cfg.ArtifactDir == "" {
		return nil, errors.New("ARTIFACT_DIR is required")
	}
	if cfg.AlertsEnabled && len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("ALERTS_ENABLED is true but KAFKA_BROKERS is not set")
	}
	if cfg.AlertsEnabled && cfg.KafkaAlertsTopic == "" {
		return nil, errors.New("ALERTS_ENABLED is true but KAFKA_ALERTS_TOPIC is not set")
	}
	if cfg.CountyLookupEnabled && cfg.CountyAPIBase == "" {
		return nil, errors.New("COUNTY_LOOKUP_ENABLED is true but COUNTY_API_BASE is not set")
	}

	return cfg, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseBrokers(s string) []string {
	var brokers []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

func parsePositiveDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(envOrDefault(key, def))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return d, nil
}

// parseWorkers reads WORKERS. Zero means "one worker per CPU", decided at
// pipeline construction.
func parseWorkers() (int, error) {
	s := os.Getenv("WORKERS")
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > 256 {
		return 0, errors.New("invalid WORKERS: want an integer between 0 and 256")
	}
	return n, nil
}

func parseCountyCacheSize() int {
	if s := os.Getenv("COUNTY_CACHE_SIZE"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return 1000
}
