// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Remote API
	APIBaseURL     string
	RequestTimeout time.Duration
	APIRateLimit   float64
	APIRateBurst   int

	// Storage
	// StorageDatabaseURL が空の場合はプロセス内メモリに保存する。
	StorageDatabaseURL string
	StorageOrigin      string

	// Query
	QueryMaxRetries int
	FeedPageSize    int

	// Media
	MediaFetchTimeout time.Duration
	MediaMaxSize      int64

	// Navigation
	LoginPath string

	// Server
	ServerPort string

	// Cookie
	CookieSecure bool

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	cfg.APIBaseURL = strings.TrimRight(os.Getenv("API_BASE_URL"), "/")
	if cfg.APIBaseURL == "" {
		return nil, fmt.Errorf("required environment variables are not set: [API_BASE_URL]")
	}
	if u, err := url.Parse(cfg.APIBaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("API_BASE_URL must be an absolute http(s) URL: %q", cfg.APIBaseURL)
	}

	// Optional fields with defaults
	cfg.RequestTimeout = getEnvDuration("REQUEST_TIMEOUT", 10*time.Second)
	cfg.APIRateLimit = getEnvFloat("API_RATE_LIMIT", 0)
	cfg.APIRateBurst = getEnvInt("API_RATE_BURST", 10)
	cfg.StorageDatabaseURL = getEnvString("STORAGE_DATABASE_URL", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.StorageOrigin = getEnvString("STORAGE_ORIGIN", cfg.CORSAllowedOrigin)
	cfg.QueryMaxRetries = getEnvInt("QUERY_MAX_RETRIES", 3)
	cfg.FeedPageSize = getEnvInt("FEED_PAGE_SIZE", 20)
	cfg.MediaFetchTimeout = getEnvDuration("MEDIA_FETCH_TIMEOUT", 10*time.Second)
	cfg.MediaMaxSize = getEnvInt64("MEDIA_MAX_SIZE", 5242880)
	cfg.LoginPath = getEnvString("LOGIN_PATH", "/login")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.CORSAllowedOrigin, "https://")

	if cfg.QueryMaxRetries < 0 {
		cfg.QueryMaxRetries = 0
	}
	if !strings.HasPrefix(cfg.LoginPath, "/") {
		return nil, fmt.Errorf("LOGIN_PATH must start with '/': %q", cfg.LoginPath)
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

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
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
