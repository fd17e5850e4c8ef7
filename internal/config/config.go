package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// State
	StateDir string

	// Fetch
	FetchTimeout time.Duration
	FetchMaxSize int64

	// Summary
	SummaryEndpoint  string
	SummaryModel     string
	SummaryAPIKey    string
	SummaryTimeout   time.Duration
	SummaryMaxInput  int
	SummaryMaxTokens int

	// Rate Limit
	RateLimitGeneral int

	// Server
	ServerPort string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	// STATE_DIRが空の場合、アクター永続状態はインメモリになる（ローカル開発用）
	cfg.StateDir = getEnvString("STATE_DIR", "")
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 10*time.Second)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", 5242880)
	cfg.SummaryEndpoint = getEnvString("SUMMARY_ENDPOINT", "https://api.openai.com/v1/chat/completions")
	cfg.SummaryModel = getEnvString("SUMMARY_MODEL", "gpt-4o-mini")
	cfg.SummaryAPIKey = getEnvString("SUMMARY_API_KEY", "")
	cfg.SummaryTimeout = getEnvDuration("SUMMARY_TIMEOUT", 60*time.Second)
	cfg.SummaryMaxInput = getEnvInt("SUMMARY_MAX_INPUT", 4000)
	cfg.SummaryMaxTokens = getEnvInt("SUMMARY_MAX_TOKENS", 512)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

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
