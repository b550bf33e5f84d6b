// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server timeouts,
// logging, database path, scheduling/backoff tuning, adapter endpoints, rate
// limiting, and observability settings.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-tracker-backend")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// SchedulingConfig tunes the ingestion scheduler and engine.
type SchedulingConfig struct {
	Timezone         string        // SCHED_TIMEZONE, IANA name (e.g. "Europe/Berlin")
	DailyRunAt       string        // DAILY_RUN_AT, "HH:MM" local wall time of the regular run
	TickInterval     time.Duration // TICK_INTERVAL, due-selection cadence
	DueBatchSize     int           // DUE_BATCH_SIZE, max characters per tick
	FetchTimeout     time.Duration // FETCH_TIMEOUT, hard per-fetch deadline
	BaseBackoff      time.Duration // BASE_BACKOFF, first retry delay
	MaxBackoff       time.Duration // MAX_BACKOFF, backoff ceiling
	ReviewThreshold  int           // REVIEW_THRESHOLD, consecutive failures before review flag
	GroupConcurrency int           // GROUP_CONCURRENCY, workers per server-world group
	MinSpacing       time.Duration // MIN_REQUEST_SPACING, per-group request spacing

	// Location is resolved from Timezone during Load.
	Location *time.Location
}

// AdapterConfig points the default HTTP/JSON adapter at a game server.
type AdapterConfig struct {
	Server  string // ADAPTER_SERVER, registry name (e.g. "rubinot")
	BaseURL string // ADAPTER_BASE_URL, profile endpoint base
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel  string // debug|info|warn|error|fatal|panic
	LogPretty bool   // pretty console logs in dev

	// App
	DBPath     string // SQLite path
	Scheduling SchedulingConfig
	Adapter    AdapterConfig

	// Rate limiting (HTTP edge)
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables, applies defaults,
// normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		// App
		DBPath: getenv("DB_PATH", "tracker.db"),
		Scheduling: SchedulingConfig{
			Timezone:         getenv("SCHED_TIMEZONE", "UTC"),
			DailyRunAt:       getenv("DAILY_RUN_AT", "00:05"),
			TickInterval:     getdur("TICK_INTERVAL", time.Minute),
			DueBatchSize:     getint("DUE_BATCH_SIZE", 200),
			FetchTimeout:     getdur("FETCH_TIMEOUT", 30*time.Second),
			BaseBackoff:      getdur("BASE_BACKOFF", 5*time.Minute),
			MaxBackoff:       getdur("MAX_BACKOFF", 6*time.Hour),
			ReviewThreshold:  getint("REVIEW_THRESHOLD", 10),
			GroupConcurrency: getint("GROUP_CONCURRENCY", 2),
			MinSpacing:       getdur("MIN_REQUEST_SPACING", time.Second),
		},
		Adapter: AdapterConfig{
			Server:  strings.ToLower(getenv("ADAPTER_SERVER", "")),
			BaseURL: getenv("ADAPTER_BASE_URL", ""),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-tracker-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}

	sched := &cfg.Scheduling
	loc, err := time.LoadLocation(sched.Timezone)
	if err != nil {
		return cfg, errors.New("SCHED_TIMEZONE must be a valid IANA timezone name")
	}
	sched.Location = loc
	if _, err := time.Parse("15:04", sched.DailyRunAt); err != nil {
		return cfg, errors.New("DAILY_RUN_AT must be formatted HH:MM")
	}
	if sched.TickInterval <= 0 {
		return cfg, errors.New("TICK_INTERVAL must be > 0")
	}
	if sched.DueBatchSize < 0 {
		return cfg, errors.New("DUE_BATCH_SIZE must be >= 0")
	}
	if sched.FetchTimeout <= 0 {
		return cfg, errors.New("FETCH_TIMEOUT must be > 0")
	}
	if sched.BaseBackoff <= 0 || sched.MaxBackoff <= 0 {
		return cfg, errors.New("BASE_BACKOFF and MAX_BACKOFF must be > 0")
	}
	if sched.MaxBackoff < sched.BaseBackoff {
		return cfg, errors.New("MAX_BACKOFF must be >= BASE_BACKOFF")
	}
	if sched.ReviewThreshold < 1 {
		return cfg, errors.New("REVIEW_THRESHOLD must be >= 1")
	}
	if sched.GroupConcurrency < 1 {
		return cfg, errors.New("GROUP_CONCURRENCY must be >= 1")
	}
	if sched.MinSpacing <= 0 {
		return cfg, errors.New("MIN_REQUEST_SPACING must be > 0")
	}

	// An adapter endpoint is optional (tests and adapter-less deployments),
	// but when one half is set the other is required.
	if (cfg.Adapter.Server == "") != (cfg.Adapter.BaseURL == "") {
		return cfg, errors.New("ADAPTER_SERVER and ADAPTER_BASE_URL must be set together")
	}

	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
