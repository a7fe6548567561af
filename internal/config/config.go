// Package config は環境変数からのアプリケーション設定読み込みを提供する。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// AutothreadMode は自動スレッド化ジョブの実行モードを表す。
type AutothreadMode string

const (
	// ModePlan は永続化も外部呼び出しも行わない計画モード。
	ModePlan AutothreadMode = "plan"
	// ModeDryRun はクレームのみ記録し外部呼び出しを行わないモード。
	ModeDryRun AutothreadMode = "dry_run"
	// ModeLive は全ての副作用を実行する本番モード。
	ModeLive AutothreadMode = "live"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Chat platform
	ChatAPIBaseURL    string
	ChatBotToken      string
	ChatGuildID       string
	AnnounceChannelID string
	ChatAPIRatePerSec float64
	ChatAPITimeout    time.Duration
	// ChatDisabled が真の場合、チャット操作を全てログ出力のみの
	// Noop実装に差し替える（プラットフォーム未接続のローカル開発用）。
	ChatDisabled bool

	// Admin
	AdminToken string

	// Rate Limit
	RateLimitMaxRequests int
	RateLimitWindow      time.Duration

	// Autothread
	AutothreadMode     AutothreadMode
	AutothreadInterval time.Duration
	// AutothreadRunBudget が正の場合、ワーカーは常駐せず
	// この時間予算内でサイクルを繰り返してから終了する
	// （cron等の外部スケジューラから起動する運用向け）。
	AutothreadRunBudget      time.Duration
	AutothreadChannelAllow   []string
	AutothreadMaxChannels    int
	AutothreadMaxThreads     int
	AutothreadMaxPages       int
	AutothreadMinContentLen  int
	AutothreadCooldownWindow time.Duration
	AutothreadCooldownMax    int
	AutothreadArchiveMinutes int

	// Enrichment
	OpenAIAPIKey   string
	OpenAIModel    string
	EnrichTimeout  time.Duration
	EnrichDisabled bool

	// Retention
	RateLimitRetention time.Duration
	ProcessedRetention time.Duration
	RunRetention       time.Duration

	// Server
	ServerPort string

	// CORS
	CORSAllowedOrigin string

	// Logging
	LogLevel string
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

	cfg.ChatBotToken = os.Getenv("CHAT_BOT_TOKEN")
	if cfg.ChatBotToken == "" {
		missing = append(missing, "CHAT_BOT_TOKEN")
	}

	cfg.ChatGuildID = os.Getenv("CHAT_GUILD_ID")
	if cfg.ChatGuildID == "" {
		missing = append(missing, "CHAT_GUILD_ID")
	}

	cfg.AdminToken = os.Getenv("ADMIN_TOKEN")
	if cfg.AdminToken == "" {
		missing = append(missing, "ADMIN_TOKEN")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.ChatAPIBaseURL = getEnvString("CHAT_API_BASE_URL", "https://discord.com/api/v10")
	cfg.AnnounceChannelID = getEnvString("ANNOUNCE_CHANNEL_ID", "")
	cfg.ChatAPIRatePerSec = getEnvFloat("CHAT_API_RATE_PER_SEC", 5.0)
	cfg.ChatAPITimeout = getEnvDuration("CHAT_API_TIMEOUT", 15*time.Second)
	cfg.ChatDisabled = getEnvBool("CHAT_DISABLED", false)

	cfg.RateLimitMaxRequests = getEnvInt("RATE_LIMIT_MAX_REQUESTS", 10)
	cfg.RateLimitWindow = getEnvDuration("RATE_LIMIT_WINDOW", 15*time.Minute)

	cfg.AutothreadMode = parseMode(getEnvString("AUTOTHREAD_MODE", string(ModeLive)))
	cfg.AutothreadInterval = getEnvDuration("AUTOTHREAD_INTERVAL", 60*time.Second)
	cfg.AutothreadRunBudget = getEnvDuration("AUTOTHREAD_RUN_BUDGET", 0)
	cfg.AutothreadChannelAllow = getEnvStringList("AUTOTHREAD_CHANNEL_ALLOW")
	cfg.AutothreadMaxChannels = getEnvInt("AUTOTHREAD_MAX_CHANNELS", 50)
	cfg.AutothreadMaxThreads = getEnvInt("AUTOTHREAD_MAX_THREADS", 20)
	cfg.AutothreadMaxPages = getEnvInt("AUTOTHREAD_MAX_PAGES", 5)
	cfg.AutothreadMinContentLen = getEnvInt("AUTOTHREAD_MIN_CONTENT_LEN", 8)
	cfg.AutothreadCooldownWindow = getEnvDuration("AUTOTHREAD_COOLDOWN_WINDOW", 10*time.Minute)
	cfg.AutothreadCooldownMax = getEnvInt("AUTOTHREAD_COOLDOWN_MAX", 3)
	cfg.AutothreadArchiveMinutes = getEnvInt("AUTOTHREAD_ARCHIVE_MINUTES", 1440)

	cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	cfg.OpenAIModel = getEnvString("OPENAI_MODEL", "gpt-4o-mini")
	cfg.EnrichTimeout = getEnvDuration("ENRICH_TIMEOUT", 8*time.Second)
	cfg.EnrichDisabled = getEnvBool("ENRICH_DISABLED", false)

	cfg.RateLimitRetention = getEnvDuration("RATE_LIMIT_RETENTION", 24*time.Hour)
	cfg.ProcessedRetention = getEnvDuration("PROCESSED_RETENTION", 90*24*time.Hour)
	cfg.RunRetention = getEnvDuration("RUN_RETENTION", 14*24*time.Hour)

	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	return cfg, nil
}

// parseMode は実行モード文字列をAutothreadModeに変換する。
// 未知の値はdry_runにフォールバックする（安全側に倒す）。
func parseMode(s string) AutothreadMode {
	switch AutothreadMode(strings.ToLower(s)) {
	case ModePlan:
		return ModePlan
	case ModeDryRun:
		return ModeDryRun
	case ModeLive:
		return ModeLive
	default:
		return ModeDryRun
	}
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

// getEnvStringList はカンマ区切りの環境変数を文字列スライスに変換する。
// 空要素は除外する。未設定の場合は空スライスを返す。
func getEnvStringList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
