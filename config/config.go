// Package config loads all service configuration from environment variables
// (with a best-effort .env bootstrap for local development).
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds configuration for both hosts; each binary reads the fields it
// needs.
type Config struct {
	// stockserver
	ServerAddr  string
	MetricsAddr string
	SQLitePath  string
	Secret      string // static shared secret for /serv commands
	TOTPSecret  string // optional TOTP secret accepted as an alternative token
	ChunkSize   int64
	ReplayDate  string // replay anchor, formatted 2006-01-02T15:04:05; empty = default
	Autostart   bool

	// alerting; all optional
	AlertWebhookURL  string
	TelegramBotToken string
	TelegramChatID   string

	// registry (stockclient)
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	RefreshInterval time.Duration

	// stockclient
	ClientAddr string
	ServerURL  string // upstream publish host
	PublicURL  string // this host's advertised href for registration
}

// Load reads configuration with sensible defaults. A .env file, when
// present, is folded into the environment first.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Printf("[config] no .env file, using environment as-is")
	}

	return &Config{
		ServerAddr:  getEnv("SERVER_ADDR", ":8080"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),
		SQLitePath:  getEnv("SQLITE_PATH", "data/trans.db"),
		Secret:      getEnv("CONTROL_SECRET", ""),
		TOTPSecret:  getEnv("CONTROL_TOTP_SECRET", ""),
		ChunkSize:   int64(getEnvInt("CHUNK_SIZE", 1000)),
		ReplayDate:  getEnv("REPLAY_DATE", ""),
		Autostart:   getEnvBool("AUTOSTART", false),

		AlertWebhookURL:  getEnv("ALERT_WEBHOOK_URL", ""),
		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),

		RedisAddr:       getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:   getEnv("REDIS_PASSWORD", ""),
		RedisDB:         getEnvInt("REDIS_DB", 0),
		RefreshInterval: time.Duration(getEnvInt("REGISTRY_REFRESH_SEC", 60)) * time.Second,

		ClientAddr: getEnv("CLIENT_ADDR", ":8081"),
		ServerURL:  getEnv("SERVER_URL", "http://localhost:8080"),
		PublicURL:  getEnv("PUBLIC_URL", ""),
	}
}

// ReplayOffset parses the configured replay anchor. A zero time selects the
// built-in default trading day.
func (c *Config) ReplayOffset() (time.Time, error) {
	if c.ReplayDate == "" {
		return time.Time{}, nil
	}
	return time.Parse("2006-01-02T15:04:05", c.ReplayDate)
}

// MustSecret returns the control secret, fatally if unset.
func (c *Config) MustSecret() string {
	if c.Secret == "" {
		log.Fatalf("[config] required env var CONTROL_SECRET not set")
	}
	return c.Secret
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %v", key, v, fallback)
		return fallback
	}
	return b
}
