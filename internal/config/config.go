package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// minSessionSecretLen はセッション署名鍵の最小長。
const minSessionSecretLen = 32

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Store
	StoreDriver    string // "postgres" | "memory"
	DatabaseURL    string
	DBMaxOpenConns int
	SessionStore   string // "postgres" | "memory" | "redis"
	RedisURL       string

	// OAuth（クライアントIDとシークレットが揃ったプロバイダーのみ有効）
	GoogleClientID       string
	GoogleClientSecret   string
	GoogleRedirectURL    string
	LinkedInClientID     string
	LinkedInClientSecret string
	LinkedInRedirectURL  string

	// Session
	SessionSecret          string
	SessionMaxAge          int
	SessionCleanupInterval time.Duration

	// Linking
	AdminAllowList     []string
	AdminAllowListFile string
	AttachPolicy       string // "permissive" | "strict"

	// Rate Limit（req/min）
	RateLimitAPI   int
	RateLimitLogin int

	// Notification
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	SMTPFrom     string
	SMTPTLSMode  string

	// Audit
	AMQPURL   string
	AMQPQueue string

	// Logging
	LogLevel string

	// Server
	ServerPort string
	BaseURL    string
	TrustProxy bool

	// Cookie
	CookieSecure bool
	CookieDomain string
	HSTS         bool

	// CORS
	CORSAllowedOrigins []string
}

// LoadDotEnv は.envファイルの内容を環境変数に読み込む。既に設定済みの環境変数は上書きしない。
// pathが空の場合はカレントディレクトリの.envを読み、存在しなければ何もしない。
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return nil
		}
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定、または値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.StoreDriver = getEnvString("STORE_DRIVER", "postgres")
	if cfg.StoreDriver != "postgres" && cfg.StoreDriver != "memory" {
		return nil, fmt.Errorf("STORE_DRIVER must be postgres or memory: %q", cfg.StoreDriver)
	}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" && cfg.StoreDriver == "postgres" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.SessionSecret = os.Getenv("SESSION_SECRET")
	if cfg.SessionSecret == "" {
		missing = append(missing, "SESSION_SECRET")
	}

	cfg.BaseURL = strings.TrimSuffix(os.Getenv("BASE_URL"), "/")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if len(cfg.SessionSecret) < minSessionSecretLen {
		return nil, fmt.Errorf("SESSION_SECRET must be at least %d bytes", minSessionSecretLen)
	}

	// Session store
	defaultSessionStore := "postgres"
	if cfg.StoreDriver == "memory" {
		defaultSessionStore = "memory"
	}
	cfg.SessionStore = getEnvString("SESSION_STORE", defaultSessionStore)
	cfg.RedisURL = os.Getenv("REDIS_URL")
	switch cfg.SessionStore {
	case "memory":
	case "postgres":
		if cfg.StoreDriver != "postgres" {
			return nil, fmt.Errorf("SESSION_STORE=postgres requires STORE_DRIVER=postgres")
		}
	case "redis":
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("SESSION_STORE=redis requires REDIS_URL")
		}
	default:
		return nil, fmt.Errorf("SESSION_STORE must be postgres, memory or redis: %q", cfg.SessionStore)
	}

	// OAuth
	cfg.GoogleClientID = os.Getenv("GOOGLE_CLIENT_ID")
	cfg.GoogleClientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
	cfg.GoogleRedirectURL = getEnvString("GOOGLE_REDIRECT_URL", cfg.BaseURL+"/auth/google/callback")
	cfg.LinkedInClientID = os.Getenv("LINKEDIN_CLIENT_ID")
	cfg.LinkedInClientSecret = os.Getenv("LINKEDIN_CLIENT_SECRET")
	cfg.LinkedInRedirectURL = getEnvString("LINKEDIN_REDIRECT_URL", cfg.BaseURL+"/auth/linkedin/callback")

	// Linking
	cfg.AttachPolicy = getEnvString("LINKING_ATTACH_POLICY", "permissive")
	if cfg.AttachPolicy != "permissive" && cfg.AttachPolicy != "strict" {
		return nil, fmt.Errorf("LINKING_ATTACH_POLICY must be permissive or strict: %q", cfg.AttachPolicy)
	}
	cfg.AdminAllowList = splitList(os.Getenv("ADMIN_ALLOWLIST"))
	cfg.AdminAllowListFile = os.Getenv("ADMIN_ALLOWLIST_FILE")
	if cfg.AdminAllowListFile != "" {
		entries, err := loadAllowListFile(cfg.AdminAllowListFile)
		if err != nil {
			return nil, err
		}
		cfg.AdminAllowList = append(cfg.AdminAllowList, entries...)
	}

	// Optional fields with defaults
	cfg.DBMaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 10)
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 86400)
	cfg.SessionCleanupInterval = getEnvDuration("SESSION_CLEANUP_INTERVAL", 10*time.Minute)
	if cfg.SessionCleanupInterval <= 0 {
		return nil, fmt.Errorf("SESSION_CLEANUP_INTERVAL must be positive: %s", cfg.SessionCleanupInterval)
	}
	cfg.RateLimitAPI = getEnvInt("RATE_LIMIT_API", 120)
	cfg.RateLimitLogin = getEnvInt("RATE_LIMIT_LOGIN", 10)
	cfg.SMTPHost = os.Getenv("SMTP_HOST")
	cfg.SMTPPort = getEnvInt("SMTP_PORT", 587)
	cfg.SMTPUser = os.Getenv("SMTP_USER")
	cfg.SMTPPassword = os.Getenv("SMTP_PASSWORD")
	cfg.SMTPFrom = getEnvString("SMTP_FROM", "no-reply@newtifi.local")
	cfg.SMTPTLSMode = getEnvString("SMTP_TLS_MODE", "starttls")
	cfg.AMQPURL = os.Getenv("AMQP_URL")
	cfg.AMQPQueue = getEnvString("AMQP_AUDIT_QUEUE", "newtifi.audit")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.TrustProxy = getEnvBool("TRUST_PROXY", false)
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.HSTS = getEnvBool("HSTS", cfg.CookieSecure)
	cfg.CORSAllowedOrigins = splitList(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if len(cfg.CORSAllowedOrigins) == 0 {
		cfg.CORSAllowedOrigins = []string{cfg.BaseURL}
	}

	return cfg, nil
}

// GoogleEnabled はGoogleのクライアント資格情報が設定されているかを返す。
func (c *Config) GoogleEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != ""
}

// LinkedInEnabled はLinkedInのクライアント資格情報が設定されているかを返す。
func (c *Config) LinkedInEnabled() bool {
	return c.LinkedInClientID != "" && c.LinkedInClientSecret != ""
}

// allowListFile はADMIN_ALLOWLIST_FILEのYAML形式。
//
//	admins:
//	  - root@example.com
//	  - "@newtifi.org"
type allowListFile struct {
	Admins []string `yaml:"admins"`
}

func loadAllowListFile(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read admin allow-list file: %w", err)
	}
	var f allowListFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("failed to parse admin allow-list file %s: %w", path, err)
	}
	var entries []string
	for _, e := range f.Admins {
		if e = strings.TrimSpace(e); e != "" {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
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
