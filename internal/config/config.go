// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes the bridge server
// settings, the chat backend connection, reconciliation tuning, the local
// conversation cache and observability.
//
// An optional YAML file named by CONFIG_FILE supplies flat KEY: value entries
// for keys that are not already set in the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"gopkg.in/yaml.v3"
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
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// BackendConfig describes the remote chat backend.
type BackendConfig struct {
	URL                   string        // BACKEND_URL
	UserID                string        // USER_ID
	AuthToken             string        // AUTH_TOKEN
	HTTPTimeout           time.Duration // HTTP_TIMEOUT
	ReconnectInitialDelay time.Duration // RECONNECT_INITIAL_DELAY
	ReconnectMaxAttempts  int           // RECONNECT_MAX_ATTEMPTS
	PresencePollInterval  time.Duration // PRESENCE_POLL_INTERVAL, 0 disables
}

// StoreConfig tunes message reconciliation.
type StoreConfig struct {
	MatchWindow  time.Duration // MATCH_WINDOW
	PendingTTL   time.Duration // PENDING_TTL
	SortOnAppend bool          // SORT_ON_APPEND
}

// CacheConfig controls the local sqlite conversation cache.
type CacheConfig struct {
	Enabled         bool          // CACHE_ENABLED
	DBPath          string        // DB_PATH
	RetentionCron   string        // RETENTION_CRON
	RetentionPeriod time.Duration // RETENTION_PERIOD
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for bridge routes

	Backend BackendConfig
	Store   StoreConfig
	Cache   CacheConfig

	// Rate limiting
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

// Load reads configuration from environment variables (after applying the
// optional CONFIG_FILE overlay), applies defaults, normalizes values, and
// validates the result.
func Load() (Config, error) {
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := ApplyFile(path); err != nil {
			return Config{}, err
		}
	}

	cfg := Config{
		// Server
		Port:              getenv("PORT", "8090"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		Backend: BackendConfig{
			URL:                   strings.TrimSpace(getenv("BACKEND_URL", "http://localhost:4000")),
			UserID:                strings.TrimSpace(getenv("USER_ID", "")),
			AuthToken:             getenv("AUTH_TOKEN", ""),
			HTTPTimeout:           getdur("HTTP_TIMEOUT", 15*time.Second),
			ReconnectInitialDelay: getdur("RECONNECT_INITIAL_DELAY", time.Second),
			ReconnectMaxAttempts:  getint("RECONNECT_MAX_ATTEMPTS", 5),
			PresencePollInterval:  getdur("PRESENCE_POLL_INTERVAL", 8*time.Second),
		},
		Store: StoreConfig{
			MatchWindow:  getdur("MATCH_WINDOW", 15*time.Second),
			PendingTTL:   getdur("PENDING_TTL", 10*time.Minute),
			SortOnAppend: getbool("SORT_ON_APPEND", false),
		},
		Cache: CacheConfig{
			Enabled:         getbool("CACHE_ENABLED", true),
			DBPath:          getenvAllowEmpty("DB_PATH", "chatd.db"),
			RetentionCron:   getenv("RETENTION_CRON", "0 3 * * *"),
			RetentionPeriod: getdur("RETENTION_PERIOD", 720*time.Hour),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 20),
		RateBurst: getint("RATE_BURST", 40),

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
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-chat-realtime"),
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
	if cfg.Cache.DBPath == "" {
		cfg.Cache.DBPath = ":memory:"
	}

	return cfg, cfg.Validate()
}

// Validate reports the first invalid setting.
func (cfg Config) Validate() error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if cfg.Backend.URL == "" {
		return errors.New("BACKEND_URL must not be empty")
	}
	if cfg.Backend.HTTPTimeout <= 0 {
		return errors.New("HTTP_TIMEOUT must be > 0")
	}
	if cfg.Backend.ReconnectInitialDelay <= 0 {
		return errors.New("RECONNECT_INITIAL_DELAY must be > 0")
	}
	if cfg.Backend.ReconnectMaxAttempts < 1 {
		return errors.New("RECONNECT_MAX_ATTEMPTS must be >= 1")
	}
	if cfg.Backend.PresencePollInterval < 0 {
		return errors.New("PRESENCE_POLL_INTERVAL must be >= 0")
	}
	if cfg.Store.MatchWindow < 0 {
		return errors.New("MATCH_WINDOW must be >= 0")
	}
	if cfg.Cache.Enabled {
		if !gronx.IsValid(cfg.Cache.RetentionCron) {
			return fmt.Errorf("RETENTION_CRON %q is not a valid cron expression", cfg.Cache.RetentionCron)
		}
		if cfg.Cache.RetentionPeriod <= 0 {
			return errors.New("RETENTION_PERIOD must be > 0")
		}
	}
	if cfg.RateRPS < 0 {
		return errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	return nil
}

// RequireUser returns an error when no local user id is configured.
func (cfg Config) RequireUser() error {
	if cfg.Backend.UserID == "" {
		return errors.New("USER_ID must not be empty")
	}
	return nil
}

// ApplyFile reads a flat YAML mapping and exports every key that is not
// already present in the environment.
func ApplyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var kv map[string]any
	if err := yaml.Unmarshal(raw, &kv); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	for k, v := range kv {
		key := strings.ToUpper(strings.TrimSpace(k))
		if key == "" || v == nil {
			continue
		}
		if _, set := os.LookupEnv(key); set {
			continue
		}
		if err := os.Setenv(key, fmt.Sprint(v)); err != nil {
			return fmt.Errorf("config: set %s: %w", key, err)
		}
	}
	return nil
}

// ---- helpers ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

// getenvAllowEmpty honours an explicitly empty value.
func getenvAllowEmpty(k, def string) string {
	if v, ok := os.LookupEnv(k); ok {
		return strings.TrimSpace(v)
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

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
