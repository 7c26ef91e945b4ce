// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// ストアのURLスキーム
const (
	SchemePostgres   = "postgres"
	SchemePostgreSQL = "postgresql"
	SchemeMemory     = "memory"
)

// 変更通知の配信方式
const (
	NotifierPostgres = "postgres"
	NotifierRedis    = "redis"
)

// スプレッドシートのパーサ
const (
	ParserMock     = "mock"
	ParserExcelize = "excelize"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	Backend Backend `envPrefix:"BACKEND_"`

	// Store change notification
	StoreNotifier string `env:"STORE_NOTIFIER" envDefault:"postgres"`
	RedisURL      string `env:"REDIS_URL"`

	// Object storage for raw spreadsheets
	Archive Archive `envPrefix:"MINIO_"`
	// 解析後この期間を過ぎても参照されない原本は削除する
	OrphanSourceGrace time.Duration `env:"ORPHAN_SOURCE_GRACE" envDefault:"24h"`

	// Upload
	UploadParser   string `env:"UPLOAD_PARSER" envDefault:"mock"`
	UploadMaxBytes int64  `env:"UPLOAD_MAX_BYTES" envDefault:"10485760"`

	// OAuth (all three set enables Google sign-in)
	GoogleClientID     string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURL  string `env:"GOOGLE_REDIRECT_URL"`

	// Session
	SessionSecret          string        `env:"SESSION_SECRET,notEmpty"`
	SessionMaxAge          int           `env:"SESSION_MAX_AGE" envDefault:"86400"`
	SessionCleanupInterval time.Duration `env:"SESSION_CLEANUP_INTERVAL" envDefault:"1h"`

	// Rate Limit
	RateLimitGeneral int `env:"RATE_LIMIT_GENERAL" envDefault:"120"`
	RateLimitUpload  int `env:"RATE_LIMIT_UPLOAD" envDefault:"10"`

	// Server
	ServerPort string `env:"SERVER_PORT" envDefault:"8080"`
	BaseURL    string `env:"BASE_URL,notEmpty"`

	// Cookie
	CookieSecure bool
	CookieDomain string `env:"COOKIE_DOMAIN"`

	// CORS
	CORSAllowedOrigin string `env:"CORS_ALLOWED_ORIGIN" envDefault:"http://localhost:5173"`

	// Logging
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Backend はホスト型ストアへの接続設定。
// 不正な値でも起動は中断せず、BackendError で検出する。
type Backend struct {
	APIKey      string `env:"API_KEY"`
	ProjectID   string `env:"PROJECT_ID"`
	DatabaseURL string `env:"DATABASE_URL"`
	AppID       string `env:"APP_ID"`
}

// Archive はMinIO互換オブジェクトストレージの設定。Endpoint が空の場合は無効。
type Archive struct {
	Endpoint  string `env:"ENDPOINT"`
	AccessKey string `env:"ACCESS_KEY"`
	SecretKey string `env:"SECRET_KEY"`
	Bucket    string `env:"BUCKET" envDefault:"sheetlens-uploads"`
	UseSSL    bool   `env:"USE_SSL" envDefault:"false"`
}

// Enabled はオブジェクトストレージが設定されているかどうかを返す。
func (a Archive) Enabled() bool {
	return a.Endpoint != ""
}

// BackendError はストア接続設定の不備を表す。
type BackendError struct {
	Field  string
	Reason string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend configuration %s: %s", e.Field, e.Reason)
}

// Load は環境変数からConfigを読み込む。.env ファイルがあれば先に読み込む。
// 必須環境変数が未設定の場合はエラーを返す。ストア接続設定の不備はエラーにしない。
func Load() (*Config, error) {
	// .env がなくてもよい。既存の環境変数は上書きしない。
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")

	switch cfg.StoreNotifier {
	case NotifierPostgres, NotifierRedis:
	default:
		return nil, fmt.Errorf("STORE_NOTIFIER must be %q or %q: %q", NotifierPostgres, NotifierRedis, cfg.StoreNotifier)
	}
	if cfg.StoreNotifier == NotifierRedis && cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required when STORE_NOTIFIER=%s", NotifierRedis)
	}
	switch cfg.UploadParser {
	case ParserMock, ParserExcelize:
	default:
		return nil, fmt.Errorf("UPLOAD_PARSER must be %q or %q: %q", ParserMock, ParserExcelize, cfg.UploadParser)
	}

	return cfg, nil
}

// BackendError はストア接続設定を検証し、不備があれば *BackendError を返す。
func (c *Config) BackendError() error {
	return c.Backend.Validate()
}

// GoogleEnabled はGoogleサインインの設定がそろっているかどうかを返す。
func (c *Config) GoogleEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != "" && c.GoogleRedirectURL != ""
}

// Validate はストア接続設定を検証する。
func (b Backend) Validate() error {
	if b.APIKey == "" {
		return &BackendError{Field: "BACKEND_API_KEY", Reason: "is not set"}
	}
	if b.ProjectID == "" {
		return &BackendError{Field: "BACKEND_PROJECT_ID", Reason: "is not set"}
	}
	if b.AppID == "" {
		return &BackendError{Field: "BACKEND_APP_ID", Reason: "is not set"}
	}
	_, err := b.StoreURL()
	return err
}

// StoreURL はデータベースURLを解析して返す。
// postgres はパスがデータベース名の1セグメントであること、memory はパスが空であることを要求する。
func (b Backend) StoreURL() (*url.URL, error) {
	const field = "BACKEND_DATABASE_URL"
	if b.DatabaseURL == "" {
		return nil, &BackendError{Field: field, Reason: "is not set"}
	}
	u, err := url.Parse(b.DatabaseURL)
	if err != nil {
		return nil, &BackendError{Field: field, Reason: "is not a valid URL"}
	}

	switch u.Scheme {
	case SchemePostgres, SchemePostgreSQL:
		if u.Host == "" {
			return nil, &BackendError{Field: field, Reason: "has no host"}
		}
		dbName := strings.TrimPrefix(u.Path, "/")
		if dbName == "" {
			return nil, &BackendError{Field: field, Reason: "has no database name"}
		}
		if strings.Contains(dbName, "/") {
			return nil, &BackendError{Field: field, Reason: "points to a sub-path, not the database root"}
		}
	case SchemeMemory:
		if u.Path != "" && u.Path != "/" {
			return nil, &BackendError{Field: field, Reason: "points to a sub-path, not the database root"}
		}
	default:
		return nil, &BackendError{Field: field, Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	return u, nil
}

// IsMemory はインメモリのストアを使うかどうかを返す。
func (b Backend) IsMemory() bool {
	u, err := url.Parse(b.DatabaseURL)
	return err == nil && u.Scheme == SchemeMemory
}
