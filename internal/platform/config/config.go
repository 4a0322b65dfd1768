// Package config builds runtime configuration from the environment so main
// stays lean. Policy defaults that regulators may tune (geofence radius, GPS
// accuracy threshold, retry backoff) live here rather than as constants in
// domain code.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full server configuration.
type Config struct {
	Addr          string
	PostgresDSN   string
	RedisURL      string
	KafkaBrokers  []string
	KafkaTopic    string
	JWTSigningKey string

	// IntegrityKey keys the tamper-evident hash over EVV records. Rotating it
	// invalidates verification of previously hashed records, so treat it like
	// a credential.
	IntegrityKey string

	EVV         EVVConfig
	Sweep       SweepConfig
	Aggregators AggregatorConfig
}

// AggregatorConfig routes states to aggregators and carries each vendor's
// connection settings. A state absent from States has no aggregator; records
// for it are held rather than enqueued.
type AggregatorConfig struct {
	// States maps state code to aggregator name, e.g. TX=HHAEXCHANGE,OH=SANDATA.
	States map[string]string

	HHAeXchange VendorConfig
	Sandata     VendorConfig
}

// VendorConfig is one aggregator's endpoint and OAuth client credentials.
type VendorConfig struct {
	BaseURL      string
	TokenURL     string
	Account      string
	ClientID     string
	ClientSecret string
}

// Configured reports whether credentials are present.
func (v VendorConfig) Configured() bool {
	return v.BaseURL != "" && v.ClientID != "" && v.ClientSecret != ""
}

// EVVConfig carries verification and compliance policy defaults. Per-org and
// per-payer policy bundles override these at resolution time.
type EVVConfig struct {
	GeofenceRadiusMeters  float64
	GPSAccuracyThresholdM float64
	PolicyCacheTTL        time.Duration
	AggregatorHTTPTimeout time.Duration
	AggregatorMaxRetries  int
	// RetryBackoff is indexed by retry count and clamped to its last entry.
	// The production schedule is 60s/300s/1800s.
	RetryBackoff []time.Duration
}

// SweepConfig controls the background retry sweep.
type SweepConfig struct {
	Interval  time.Duration
	BatchSize int
	// StaleAfter is how long a SUBMITTING claim may sit before the sweep
	// assumes its owner crashed and reclaims it.
	StaleAfter time.Duration
}

// RedisConfig configures the shared redis client.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// FromEnv builds a Config from environment variables, with development-safe
// defaults for everything except credentials.
func FromEnv() Config {
	cfg := Config{
		Addr:          envOr("CAREBRIDGE_ADDR", ":8080"),
		PostgresDSN:   os.Getenv("CAREBRIDGE_POSTGRES_DSN"),
		RedisURL:      os.Getenv("CAREBRIDGE_REDIS_URL"),
		KafkaTopic:    envOr("CAREBRIDGE_AUDIT_TOPIC", "carebridge.audit.events"),
		JWTSigningKey: envOr("CAREBRIDGE_JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		IntegrityKey:  envOr("CAREBRIDGE_INTEGRITY_KEY", "dev-integrity-key-change-in-production"),
		EVV: EVVConfig{
			GeofenceRadiusMeters:  envFloat("CAREBRIDGE_GEOFENCE_RADIUS_M", 150),
			GPSAccuracyThresholdM: envFloat("CAREBRIDGE_GPS_ACCURACY_THRESHOLD_M", 100),
			PolicyCacheTTL:        envDuration("CAREBRIDGE_POLICY_CACHE_TTL", 5*time.Minute),
			AggregatorHTTPTimeout: envDuration("CAREBRIDGE_AGGREGATOR_TIMEOUT", 30*time.Second),
			AggregatorMaxRetries:  envInt("CAREBRIDGE_AGGREGATOR_MAX_RETRIES", 3),
			RetryBackoff:          envBackoff("CAREBRIDGE_RETRY_BACKOFF", []time.Duration{60 * time.Second, 300 * time.Second, 1800 * time.Second}),
		},
		Sweep: SweepConfig{
			Interval:   envDuration("CAREBRIDGE_SWEEP_INTERVAL", time.Minute),
			BatchSize:  envInt("CAREBRIDGE_SWEEP_BATCH_SIZE", 100),
			StaleAfter: envDuration("CAREBRIDGE_SWEEP_STALE_AFTER", 5*time.Minute),
		},
	}
	if brokers := os.Getenv("CAREBRIDGE_KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
	}
	cfg.Aggregators = AggregatorConfig{
		States: envStateMap("CAREBRIDGE_AGGREGATOR_STATES"),
		HHAeXchange: VendorConfig{
			BaseURL:      os.Getenv("CAREBRIDGE_HHAX_BASE_URL"),
			TokenURL:     os.Getenv("CAREBRIDGE_HHAX_TOKEN_URL"),
			ClientID:     os.Getenv("CAREBRIDGE_HHAX_CLIENT_ID"),
			ClientSecret: os.Getenv("CAREBRIDGE_HHAX_CLIENT_SECRET"),
		},
		Sandata: VendorConfig{
			BaseURL:      os.Getenv("CAREBRIDGE_SANDATA_BASE_URL"),
			TokenURL:     os.Getenv("CAREBRIDGE_SANDATA_TOKEN_URL"),
			Account:      os.Getenv("CAREBRIDGE_SANDATA_ACCOUNT"),
			ClientID:     os.Getenv("CAREBRIDGE_SANDATA_CLIENT_ID"),
			ClientSecret: os.Getenv("CAREBRIDGE_SANDATA_CLIENT_SECRET"),
		},
	}
	return cfg
}

// Redis derives a RedisConfig with pool defaults.
func (c Config) Redis() RedisConfig {
	return RedisConfig{
		URL:          c.RedisURL,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// envStateMap parses "TX=HHAEXCHANGE,OH=SANDATA" into a state routing map.
func envStateMap(key string) map[string]string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(v, ",") {
		state, name, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || state == "" || name == "" {
			continue
		}
		out[strings.ToUpper(state)] = strings.ToUpper(name)
	}
	return out
}

// envBackoff parses a comma-separated duration list, e.g. "60s,300s,1800s".
func envBackoff(key string, fallback []time.Duration) []time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		d, err := time.ParseDuration(strings.TrimSpace(p))
		if err != nil {
			return fallback
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
