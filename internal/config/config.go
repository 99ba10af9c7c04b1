package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/quillforge/modelmux/internal/cache"
	"github.com/quillforge/modelmux/internal/circuitbreaker"
	"github.com/quillforge/modelmux/internal/ratelimit"
)

// ProviderConfig describes one upstream: credentials, routing priority,
// pricing and budgets. Env vars are prefixed with the upper-cased name,
// e.g. OPENAI_API_KEY, ANTHROPIC_DAILY_BUDGET_CENTS.
type ProviderConfig struct {
	Name    string
	Enabled bool

	APIKey string
	// APIKeySecret names a Secrets Manager secret that overrides APIKey
	// at startup when set.
	APIKeySecret string
	BaseURL      string

	Weight               int
	PromptCentsPer1K     int64
	CompletionCentsPer1K int64
	MaxConcurrency       int
	Timeout              time.Duration

	// Zero budget means unlimited.
	DailyBudgetCents   int64
	MonthlyBudgetCents int64
}

type Config struct {
	Addr     string
	LogLevel string

	RedisURL    string
	DatabaseURL string

	AWSRegion          string
	SNSTopicARN        string
	SQSJobsQueueURL    string
	SQSResultsQueueURL string
	IntakeWorkers      int

	OTLPEndpoint string

	Providers []ProviderConfig

	Cache     cache.Config
	RateLimit ratelimit.Config
	Breaker   circuitbreaker.Config

	// AlertThresholds are budget fractions that trigger notifications.
	// Nil falls back to the ledger defaults.
	AlertThresholds []float64

	AdminUsername     string
	AdminPasswordHash string
	AdminAuthEnabled  bool

	// MaxAttempts caps failover attempts per request. Zero tries every
	// eligible candidate.
	MaxAttempts int
	UsageBuffer int

	ShutdownTimeout time.Duration
	DrainTimeout    time.Duration
}

var providerDefaults = []ProviderConfig{
	{Name: "openai", BaseURL: "https://api.openai.com/v1", Weight: 100, PromptCentsPer1K: 3, CompletionCentsPer1K: 6, MaxConcurrency: 64, Timeout: 90 * time.Second},
	{Name: "anthropic", BaseURL: "https://api.anthropic.com", Weight: 90, PromptCentsPer1K: 2, CompletionCentsPer1K: 8, MaxConcurrency: 64, Timeout: 90 * time.Second},
	{Name: "google", Weight: 80, PromptCentsPer1K: 1, CompletionCentsPer1K: 2, MaxConcurrency: 32, Timeout: 90 * time.Second},
	{Name: "bedrock", Weight: 60, PromptCentsPer1K: 2, CompletionCentsPer1K: 8, MaxConcurrency: 32, Timeout: 90 * time.Second},
	{Name: "local", BaseURL: "http://localhost:11434", Weight: 10, MaxConcurrency: 4, Timeout: 2 * time.Minute},
}

func Load() (*Config, error) {
	cfg := &Config{
		Addr:               getEnv("ADDR", ":8080"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		RedisURL:           getEnv("REDIS_URL", ""),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		AWSRegion:          getEnv("AWS_REGION", ""),
		SNSTopicARN:        getEnv("SNS_TOPIC_ARN", ""),
		SQSJobsQueueURL:    getEnv("SQS_JOBS_QUEUE_URL", ""),
		SQSResultsQueueURL: getEnv("SQS_RESULTS_QUEUE_URL", ""),
		IntakeWorkers:      getIntEnv("INTAKE_WORKERS", 4),
		OTLPEndpoint:       getEnv("OTLP_ENDPOINT", ""),
		Cache:              cacheFromEnv(),
		RateLimit:          rateLimitFromEnv(),
		Breaker:            breakerFromEnv(),
		AlertThresholds:    getFloatsEnv("BUDGET_ALERT_THRESHOLDS", nil),
		AdminUsername:      getEnv("ADMIN_USERNAME", "admin"),
		AdminPasswordHash:  getEnv("ADMIN_PASSWORD_HASH", ""),
		AdminAuthEnabled:   getBoolEnv("ADMIN_AUTH_ENABLED", false),
		MaxAttempts:        getIntEnv("MAX_ATTEMPTS", 3),
		UsageBuffer:        getIntEnv("USAGE_BUFFER", 1024),
		ShutdownTimeout:    getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		DrainTimeout:       getDurationEnv("DRAIN_TIMEOUT", 15*time.Second),
	}

	for _, def := range providerDefaults {
		cfg.Providers = append(cfg.Providers, providerFromEnv(def))
	}

	if cfg.AdminAuthEnabled && cfg.AdminPasswordHash == "" {
		return nil, errors.New("ADMIN_AUTH_ENABLED requires ADMIN_PASSWORD_HASH")
	}

	return cfg, nil
}

func providerFromEnv(def ProviderConfig) ProviderConfig {
	prefix := strings.ToUpper(def.Name) + "_"
	p := ProviderConfig{
		Name:                 def.Name,
		APIKey:               getEnv(prefix+"API_KEY", ""),
		APIKeySecret:         getEnv(prefix+"API_KEY_SECRET", ""),
		BaseURL:              getEnv(prefix+"BASE_URL", def.BaseURL),
		Weight:               getIntEnv(prefix+"WEIGHT", def.Weight),
		PromptCentsPer1K:     getInt64Env(prefix+"PROMPT_CENTS_PER_1K", def.PromptCentsPer1K),
		CompletionCentsPer1K: getInt64Env(prefix+"COMPLETION_CENTS_PER_1K", def.CompletionCentsPer1K),
		MaxConcurrency:       getIntEnv(prefix+"MAX_CONCURRENCY", def.MaxConcurrency),
		Timeout:              getDurationEnv(prefix+"TIMEOUT", def.Timeout),
		DailyBudgetCents:     getInt64Env(prefix+"DAILY_BUDGET_CENTS", def.DailyBudgetCents),
		MonthlyBudgetCents:   getInt64Env(prefix+"MONTHLY_BUDGET_CENTS", def.MonthlyBudgetCents),
	}
	p.Enabled = getBoolEnv(prefix+"ENABLED", defaultEnabled(p))
	return p
}

// defaultEnabled: keyed providers turn on when a key is configured. Bedrock
// uses ambient AWS credentials, so it stays opt-in. Local defaults on as the
// zero-cost fallback.
func defaultEnabled(p ProviderConfig) bool {
	switch p.Name {
	case "bedrock":
		return false
	case "local":
		return true
	default:
		return p.APIKey != "" || p.APIKeySecret != ""
	}
}

func cacheFromEnv() cache.Config {
	def := cache.DefaultConfig()
	return cache.Config{
		MaxBytes:          getInt64Env("CACHE_MAX_BYTES", def.MaxBytes),
		TTL:               getDurationEnv("CACHE_TTL", def.TTL),
		Shards:            getIntEnv("CACHE_SHARDS", def.Shards),
		CompressThreshold: getIntEnv("CACHE_COMPRESS_THRESHOLD", def.CompressThreshold),
		SweepInterval:     getDurationEnv("CACHE_SWEEP_INTERVAL", def.SweepInterval),
	}
}

func rateLimitFromEnv() ratelimit.Config {
	def := ratelimit.DefaultConfig()
	scopes := make(map[string]ratelimit.ScopeConfig, len(def.Scopes))
	for class, sc := range def.Scopes {
		prefix := "RATE_LIMIT_" + strings.ToUpper(class) + "_"
		scopes[class] = ratelimit.ScopeConfig{
			Capacity:       getIntEnv(prefix+"CAPACITY", sc.Capacity),
			RefillInterval: getDurationEnv(prefix+"REFILL", sc.RefillInterval),
		}
	}
	return ratelimit.Config{
		Scopes:     scopes,
		MaxBuckets: getIntEnv("RATE_LIMIT_MAX_BUCKETS", def.MaxBuckets),
	}
}

func breakerFromEnv() circuitbreaker.Config {
	def := circuitbreaker.DefaultConfig()
	return circuitbreaker.Config{
		FailureThreshold: getIntEnv("BREAKER_FAILURE_THRESHOLD", def.FailureThreshold),
		Cooldown:         getDurationEnv("BREAKER_COOLDOWN", def.Cooldown),
		MaxCooldown:      getDurationEnv("BREAKER_MAX_COOLDOWN", def.MaxCooldown),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getDurationEnv accepts time.ParseDuration syntax ("90s", "200ms") and, for
// compatibility with older deployments, bare integers meaning seconds.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

// getFloatsEnv parses a comma-separated list. Any malformed entry falls the
// whole variable back to the default.
func getFloatsEnv(key string, defaultValue []float64) []float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]float64, 0, len(parts))
	for _, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return defaultValue
		}
		out = append(out, f)
	}
	return out
}
