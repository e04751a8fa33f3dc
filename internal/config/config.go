package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"learnova.app/backend/internal/quota"
)

type Config struct {
	AppEnv      string
	LogLevel    string
	HTTPPort    string
	DatabaseURL string
	JWTSecret   string

	GeminiAPIKey string
	GeminiModel  string

	FreeUsesLimit      int
	AnonymousUsesLimit int
	PDFExportLimit     int
	PremiumPriceINR    int

	RazorpayKeyID     string
	RazorpayKeySecret string
	RazorpayBaseURL   string

	AnonQuotaBackend string
	RedisAddr        string
	RedisPassword    string

	CORSAllowedOrigins []string
	AnswerRatePerMin   int
	TrustProxy         bool
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	// A missing .env is fine; the environment is authoritative.
	_ = godotenv.Load()

	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "INFO"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		DatabaseURL: getEnv("DATABASE_URL", "learnova.db"),
		JWTSecret:   getEnv("JWT_SECRET", ""),

		GeminiAPIKey: getEnv("GEMINI_API_KEY", ""),
		GeminiModel:  getEnv("GEMINI_MODEL", "gemini-1.5-flash-latest"),

		FreeUsesLimit:      getEnvAsInt("FREE_USES_LIMIT", quota.DefaultFreeUsesLimit),
		AnonymousUsesLimit: getEnvAsInt("ANONYMOUS_USES_LIMIT", quota.DefaultAnonymousUsesLimit),
		PDFExportLimit:     getEnvAsInt("PDF_EXPORT_LIMIT", quota.DefaultPDFExportLimit),
		PremiumPriceINR:    getEnvAsInt("PREMIUM_PRICE_INR", 39),

		RazorpayKeyID:     getEnv("RAZORPAY_KEY_ID", ""),
		RazorpayKeySecret: getEnv("RAZORPAY_KEY_SECRET", ""),
		RazorpayBaseURL:   getEnv("RAZORPAY_BASE_URL", "https://api.razorpay.com"),

		AnonQuotaBackend: getEnv("ANON_QUOTA_BACKEND", "sqlite"),
		RedisAddr:        getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""),

		CORSAllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173")),
		AnswerRatePerMin:   getEnvAsInt("ANSWER_RATE_PER_MIN", 30),
		TrustProxy:         getEnvAsBool("TRUST_PROXY", false),
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}
	if cfg.AnonQuotaBackend != "sqlite" && cfg.AnonQuotaBackend != "redis" {
		return nil, fmt.Errorf("ANON_QUOTA_BACKEND must be sqlite or redis, got %q", cfg.AnonQuotaBackend)
	}
	for _, v := range []struct {
		key   string
		value int
	}{
		{"FREE_USES_LIMIT", cfg.FreeUsesLimit},
		{"ANONYMOUS_USES_LIMIT", cfg.AnonymousUsesLimit},
		{"PDF_EXPORT_LIMIT", cfg.PDFExportLimit},
		{"PREMIUM_PRICE_INR", cfg.PremiumPriceINR},
	} {
		if v.value < 0 {
			return nil, fmt.Errorf("%s must not be negative, got %d", v.key, v.value)
		}
	}
	return cfg, nil
}

// Limits returns the quota allowances configured for this deployment.
func (c *Config) Limits() quota.Limits {
	return quota.Limits{
		FreeUses:      c.FreeUsesLimit,
		AnonymousUses: c.AnonymousUsesLimit,
		PDFExports:    c.PDFExportLimit,
	}
}

func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
