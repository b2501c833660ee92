package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// クォータストアの種別
const (
	QuotaStorePostgres = "postgres"
	QuotaStoreSQLite   = "sqlite"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Quota store
	QuotaStore  string
	DatabaseURL string
	SQLitePath  string

	// Upstream
	OpenAIAPIKey       string
	UpstreamBaseURL    string
	DefaultModel       string
	BackendURL         string
	AllowCustomBaseURL bool
	StreamTimeout      time.Duration
	UpstreamTimeout    time.Duration

	// Quota
	QuotaMax       int
	QuotaWindow    time.Duration
	QuotaRetention time.Duration

	// Authorization
	AllowedEmails       []string
	AllowedEmailDomains []string
	JWTHMACSecret       string
	JWTPublicKeyPEM     string
	JWTIssuer           string
	JWTAudience         string

	// Rate Limit
	RateLimitPerMinute int

	// Server
	ServerPort string

	// CORS
	CORSAllowedOrigin string

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はまとめてエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.QuotaStore = strings.ToLower(getEnvString("QUOTA_STORE", QuotaStorePostgres))
	switch cfg.QuotaStore {
	case QuotaStorePostgres, QuotaStoreSQLite:
	default:
		return nil, fmt.Errorf("unsupported QUOTA_STORE: %q", cfg.QuotaStore)
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.QuotaStore == QuotaStorePostgres && cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	if cfg.OpenAIAPIKey == "" {
		missing = append(missing, "OPENAI_API_KEY")
	}

	cfg.JWTHMACSecret = os.Getenv("JWT_HMAC_SECRET")
	// PEMを1行で渡せるよう、エスケープされた改行を戻す
	cfg.JWTPublicKeyPEM = strings.ReplaceAll(os.Getenv("JWT_PUBLIC_KEY_PEM"), `\n`, "\n")
	if cfg.JWTHMACSecret == "" && cfg.JWTPublicKeyPEM == "" {
		missing = append(missing, "JWT_HMAC_SECRET or JWT_PUBLIC_KEY_PEM")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.SQLitePath = getEnvString("SQLITE_PATH", "chatrelay.db")
	cfg.UpstreamBaseURL = getEnvString("UPSTREAM_BASE_URL", "https://api.openai.com")
	cfg.DefaultModel = getEnvString("DEFAULT_MODEL", "gpt-4.1-mini")
	cfg.AllowCustomBaseURL = getEnvBool("ALLOW_CUSTOM_BASE_URL", false)
	cfg.StreamTimeout = getEnvDuration("STREAM_TIMEOUT", 120*time.Second)
	cfg.UpstreamTimeout = getEnvDuration("UPSTREAM_TIMEOUT", 60*time.Second)
	cfg.QuotaMax = getEnvInt("QUOTA_MAX", 50)
	cfg.QuotaWindow = getEnvDuration("QUOTA_WINDOW", time.Hour)
	cfg.QuotaRetention = getEnvDuration("QUOTA_RETENTION", 24*time.Hour)
	cfg.AllowedEmails = getEnvList("ALLOWED_EMAILS")
	cfg.AllowedEmailDomains = getEnvList("ALLOWED_EMAIL_DOMAINS")
	cfg.JWTIssuer = getEnvString("JWT_ISSUER", "")
	cfg.JWTAudience = getEnvString("JWT_AUDIENCE", "")
	cfg.RateLimitPerMinute = getEnvInt("RATE_LIMIT_PER_MINUTE", 30)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.BackendURL = getEnvString("BACKEND_URL", "http://localhost:"+cfg.ServerPort)
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	if cfg.QuotaMax <= 0 {
		return nil, fmt.Errorf("QUOTA_MAX must be positive, got %d", cfg.QuotaMax)
	}
	if cfg.QuotaWindow <= 0 {
		return nil, fmt.Errorf("QUOTA_WINDOW must be positive, got %s", cfg.QuotaWindow)
	}
	if cfg.QuotaRetention < 0 {
		return nil, fmt.Errorf("QUOTA_RETENTION must not be negative, got %s", cfg.QuotaRetention)
	}

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// getEnvList はカンマ区切りの値を空要素を除いて返す。
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}
