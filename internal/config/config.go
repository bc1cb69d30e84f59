package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Sync
	SyncInterval          time.Duration
	RSSSkipRecentlyUpdate time.Duration // RSSフィードの再取得クールダウン
	RSSSkipOlderThanDays  int
	MastodonFetchLimit    int
	FeedSyncTimeout       time.Duration

	// Fetch
	FetchTimeout       time.Duration
	FetchMaxSize       int64
	FetchMaxConcurrent int
	AllowPrivateHosts  bool

	// Probe（アバター・OGP画像の解決）
	ProbeTimeout time.Duration
	ProbeRate    float64

	// Rank
	RankSchedule string
	RankWindow   time.Duration

	// Logging
	LogLevel string

	// Ops server
	OpsPort string
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
	cfg.SyncInterval = getEnvDuration("SYNC_INTERVAL", 30*time.Minute)
	cfg.RSSSkipRecentlyUpdate = getEnvDuration("RSS_SKIP_RECENTLY_UPDATED", 10*time.Minute)
	cfg.RSSSkipOlderThanDays = getEnvInt("RSS_SKIP_OLDER_THAN_DAYS", 7)
	cfg.MastodonFetchLimit = getEnvInt("MASTODON_FETCH_LIMIT", 50)
	cfg.FeedSyncTimeout = getEnvDuration("FEED_SYNC_TIMEOUT", 2*time.Minute)
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 10*time.Second)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", 5242880)
	cfg.FetchMaxConcurrent = getEnvInt("FETCH_MAX_CONCURRENT", 10)
	cfg.AllowPrivateHosts = getEnvBool("ALLOW_PRIVATE_HOSTS", false)
	cfg.ProbeTimeout = getEnvDuration("PROBE_TIMEOUT", 3*time.Second)
	cfg.ProbeRate = getEnvFloat("PROBE_RATE", 5)
	cfg.RankSchedule = getEnvString("RANK_SCHEDULE", "0 */2 * * *")
	cfg.RankWindow = getEnvDuration("RANK_WINDOW", 14*24*time.Hour)
	cfg.LogLevel = strings.ToLower(getEnvString("LOG_LEVEL", "info"))
	cfg.OpsPort = getEnvString("OPS_PORT", "9090")

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
	if err != nil || f <= 0 {
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
