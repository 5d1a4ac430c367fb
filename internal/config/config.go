// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server settings,
// logging, catalog and Redis connectivity, and every tunable of the targeting
// pipeline: segment thresholds, score weights, CTR handling, frequency caps,
// cache TTLs, and rate limits.
//
// Validation is strict by design: a misconfigured scoring engine (e.g. weights
// that do not sum to 1) is a programmer error and the process must refuse to
// start rather than serve mis-ranked ads.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pesabank/go-adserver-backend/internal/domain"
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
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-adserver-backend")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// RedisConfig holds connection settings for the key-value store. Retries are
// bounded with exponential backoff capped at MaxRetryBackoff; all degradation
// beyond that is handled by the consumers (fail-open limiter, skipped cache,
// empty profiles).
type RedisConfig struct {
	Addr            string
	Password        string
	DB              int
	PoolSize        int
	MaxRetries      int
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration
	DialTimeout     time.Duration
}

// ScoreWeights are the component weights of the composite ad score.
// They must sum to 1.0 within 1e-3.
type ScoreWeights struct {
	Priority  float64
	CTR       float64
	Recency   float64
	Freshness float64
}

// Sum returns the total of all four weights.
func (w ScoreWeights) Sum() float64 {
	return w.Priority + w.CTR + w.Recency + w.Freshness
}

// CTRConfig governs click-through-rate scoring.
type CTRConfig struct {
	MinImpressions int64   // below this, DefaultRate substitutes for the raw CTR
	DefaultRate    float64 // assumed CTR for low-volume ads
	Normalizer     float64 // raw CTR at or above this scores 1.0
}

// FrequencyConfig caps per-customer exposure of a single ad.
type FrequencyConfig struct {
	MaxPerDay int           // daily impression cap per (customer, ad)
	Cooldown  time.Duration // minimum interval between impressions of one ad
	Window    time.Duration // history horizon, also the profile pruning window
}

// CacheConfig governs the personalised serve-response cache. The TTL shortens
// when candidate supply is thin so repeated exposure is bounded and fresh ads
// surface quickly.
type CacheConfig struct {
	ThinSupplyTTL       time.Duration // TTL when candidates after filters <= ThinSupplyThreshold
	AmpleSupplyTTL      time.Duration // TTL otherwise
	ThinSupplyThreshold int
	ScanBatchSize       int64   // SCAN COUNT per invalidation batch
	ScanRatePerSecond   float64 // pacing for invalidation SCAN batches
}

// TierLimit is the sliding-window budget of one API-key tier.
type TierLimit struct {
	Window      time.Duration
	MaxRequests int64
}

// RateLimitConfig holds both limiter layers: per client IP and per API key
// tier. Unknown tiers fall back to "standard".
type RateLimitConfig struct {
	IPWindow      time.Duration
	IPMaxRequests int64
	Tiers         map[string]TierLimit
}

// TierOrDefault returns the limit for tier, or the standard tier when the
// tier is unknown.
func (r RateLimitConfig) TierOrDefault(tier string) (string, TierLimit) {
	if l, ok := r.Tiers[tier]; ok {
		return tier, l
	}
	return "standard", r.Tiers["standard"]
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

	// Routing
	APIBasePath string // base path for API routes

	// Catalog
	DBPath         string        // SQLite path of the ad catalog
	CatalogTimeout time.Duration // soft deadline for candidate queries

	// Key-value store
	Redis RedisConfig

	// Targeting pipeline
	SegmentThresholds domain.SegmentThresholds
	Weights           ScoreWeights
	CTR               CTRConfig
	RecencyHorizon    time.Duration
	Frequency         FrequencyConfig
	Cache             CacheConfig
	ProfileTTL        time.Duration

	// Rate limiting
	RateLimit RateLimitConfig

	// Auth: API key -> tier. Loaded from API_KEYS as "key:tier" CSV.
	APIKeys map[string]string

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

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
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

		// Logging / routing
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Catalog
		DBPath:         getenv("DB_PATH", "ads.db"),
		CatalogTimeout: getdur("CATALOG_TIMEOUT", 2*time.Second),

		// Key-value store
		Redis: RedisConfig{
			Addr:            getenv("REDIS_ADDR", "localhost:6379"),
			Password:        getenv("REDIS_PASSWORD", ""),
			DB:              getint("REDIS_DB", 0),
			PoolSize:        getint("REDIS_POOL_SIZE", 10),
			MaxRetries:      getint("REDIS_MAX_RETRIES", 3),
			MinRetryBackoff: getdur("REDIS_MIN_RETRY_BACKOFF", 8*time.Millisecond),
			MaxRetryBackoff: getdur("REDIS_MAX_RETRY_BACKOFF", 2*time.Second),
			DialTimeout:     getdur("REDIS_DIAL_TIMEOUT", 5*time.Second),
		},

		// Targeting pipeline
		SegmentThresholds: domain.SegmentThresholds{
			LowMax:      getfloat("SEGMENT_LOW_MAX", 50_000),
			MassMax:     getfloat("SEGMENT_MASS_MAX", 200_000),
			AffluentMax: getfloat("SEGMENT_AFFLUENT_MAX", 1_000_000),
		},
		Weights: ScoreWeights{
			Priority:  getfloat("SCORE_WEIGHT_PRIORITY", 0.35),
			CTR:       getfloat("SCORE_WEIGHT_CTR", 0.25),
			Recency:   getfloat("SCORE_WEIGHT_RECENCY", 0.20),
			Freshness: getfloat("SCORE_WEIGHT_FRESHNESS", 0.20),
		},
		CTR: CTRConfig{
			MinImpressions: int64(getint("CTR_MIN_IMPRESSIONS", 10)),
			DefaultRate:    getfloat("CTR_DEFAULT_RATE", 0.02),
			Normalizer:     getfloat("CTR_NORMALIZER", 0.1),
		},
		RecencyHorizon: getdur("RECENCY_HORIZON", 30*24*time.Hour),
		Frequency: FrequencyConfig{
			MaxPerDay: getint("FREQ_MAX_PER_DAY", 3),
			Cooldown:  getdur("FREQ_COOLDOWN", 2*time.Hour),
			Window:    getdur("FREQ_WINDOW", 24*time.Hour),
		},
		Cache: CacheConfig{
			ThinSupplyTTL:       getdur("CACHE_THIN_TTL", 30*time.Second),
			AmpleSupplyTTL:      getdur("CACHE_AMPLE_TTL", 120*time.Second),
			ThinSupplyThreshold: getint("CACHE_THIN_THRESHOLD", 3),
			ScanBatchSize:       int64(getint("CACHE_SCAN_BATCH", 100)),
			ScanRatePerSecond:   getfloat("CACHE_SCAN_RATE", 50),
		},
		ProfileTTL: getdur("PROFILE_TTL", 24*time.Hour),

		// Rate limiting
		RateLimit: RateLimitConfig{
			IPWindow:      getdur("RATE_IP_WINDOW", 60*time.Second),
			IPMaxRequests: int64(getint("RATE_IP_MAX", 100)),
			Tiers: map[string]TierLimit{
				"standard":   {Window: getdur("RATE_TIER_WINDOW", 60*time.Second), MaxRequests: int64(getint("RATE_STANDARD_MAX", 500))},
				"premium":    {Window: getdur("RATE_TIER_WINDOW", 60*time.Second), MaxRequests: int64(getint("RATE_PREMIUM_MAX", 1000))},
				"enterprise": {Window: getdur("RATE_TIER_WINDOW", 60*time.Second), MaxRequests: int64(getint("RATE_ENTERPRISE_MAX", 5000))},
			},
		},

		// Auth
		APIKeys: parseKeyTiers(getenv("API_KEYS", "")),

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
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-adserver-backend"),
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

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration invariants. It is called by Load and is
// exported so tests and alternative bootstraps can re-validate mutated
// configurations.
func (c Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(c.Port) == "" {
		return errors.New("PORT must not be empty")
	}
	if c.ReadTimeout <= 0 || c.ReadHeaderTimeout <= 0 || c.WriteTimeout <= 0 || c.IdleTimeout <= 0 {
		return errors.New("timeouts must be positive durations")
	}
	if c.MaxHeaderBytes <= 0 {
		return errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(c.DBPath) == "" {
		return errors.New("DB_PATH must not be empty")
	}
	if c.CatalogTimeout <= 0 {
		return errors.New("CATALOG_TIMEOUT must be > 0")
	}

	// Scoring weights must sum to 1.0 within 1e-3; anything else is a
	// programmer error and the process refuses to start.
	if diff := math.Abs(c.Weights.Sum() - 1.0); diff > 1e-3 {
		return fmt.Errorf("score weights must sum to 1.0 (got %.4f)", c.Weights.Sum())
	}
	if c.Weights.Priority < 0 || c.Weights.CTR < 0 || c.Weights.Recency < 0 || c.Weights.Freshness < 0 {
		return errors.New("score weights must be non-negative")
	}

	t := c.SegmentThresholds
	if t.LowMax <= 0 || t.LowMax >= t.MassMax || t.MassMax >= t.AffluentMax {
		return errors.New("segment thresholds must satisfy 0 < low < mass < affluent")
	}

	if c.CTR.MinImpressions < 0 {
		return errors.New("CTR_MIN_IMPRESSIONS must be >= 0")
	}
	if c.CTR.DefaultRate < 0 || c.CTR.DefaultRate > 1 {
		return errors.New("CTR_DEFAULT_RATE must be in [0,1]")
	}
	if c.CTR.Normalizer <= 0 {
		return errors.New("CTR_NORMALIZER must be > 0")
	}
	if c.RecencyHorizon <= 0 {
		return errors.New("RECENCY_HORIZON must be > 0")
	}

	if c.Frequency.MaxPerDay < 1 {
		return errors.New("FREQ_MAX_PER_DAY must be >= 1")
	}
	if c.Frequency.Cooldown <= 0 || c.Frequency.Window <= 0 {
		return errors.New("frequency cooldown and window must be > 0")
	}
	if c.ProfileTTL <= 0 {
		return errors.New("PROFILE_TTL must be > 0")
	}

	if c.Cache.ThinSupplyTTL <= 0 || c.Cache.AmpleSupplyTTL <= 0 {
		return errors.New("cache TTLs must be > 0")
	}
	if c.Cache.ThinSupplyThreshold < 1 {
		return errors.New("CACHE_THIN_THRESHOLD must be >= 1")
	}
	if c.Cache.ScanBatchSize < 1 {
		return errors.New("CACHE_SCAN_BATCH must be >= 1")
	}
	if c.Cache.ScanRatePerSecond <= 0 {
		return errors.New("CACHE_SCAN_RATE must be > 0")
	}

	if c.RateLimit.IPWindow <= 0 || c.RateLimit.IPMaxRequests < 1 {
		return errors.New("IP rate limit window and max must be positive")
	}
	if _, ok := c.RateLimit.Tiers["standard"]; !ok {
		return errors.New("rate limit tiers must include the standard tier")
	}
	for name, l := range c.RateLimit.Tiers {
		if l.Window <= 0 || l.MaxRequests < 1 {
			return fmt.Errorf("rate limit tier %q window and max must be positive", name)
		}
	}
	for key, tier := range c.APIKeys {
		if strings.TrimSpace(key) == "" {
			return errors.New("API_KEYS contains an empty key")
		}
		if _, ok := c.RateLimit.Tiers[tier]; !ok && tier != "" {
			return fmt.Errorf("API key maps to unknown tier %q", tier)
		}
	}
	if c.Security.HSTSMaxAge < 0 {
		return errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if c.OTEL.SampleRatio < 0 || c.OTEL.SampleRatio > 1 {
		return errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	return nil
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

// parseKeyTiers parses "key1:standard,key2:premium" into a key->tier map.
// Entries without a tier default to "standard".
func parseKeyTiers(s string) map[string]string {
	out := make(map[string]string)
	for _, part := range splitCSV(s) {
		key, tier, found := strings.Cut(part, ":")
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if !found || strings.TrimSpace(tier) == "" {
			out[key] = "standard"
			continue
		}
		out[key] = strings.TrimSpace(tier)
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
