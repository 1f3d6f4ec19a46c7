package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all process configuration, sourced from the environment.
type Config struct {
	AppEnv   string
	LogLevel string

	DatabaseURL    string
	DatabaseSchema string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTLS      bool

	WhatsAppStorePath string
	WhatsAppLogLevel  string

	HTTPListenAddr   string
	MetricsNamespace string

	RulesPath string

	CommandPrefix string
	OwnerJIDs     []string
	RestrictedJID string

	ImageHostURL     string
	ImageHostAPIKey  string
	ImageHostTimeout time.Duration

	MediaCacheTTL time.Duration
	DisplayTZ     string

	RetryAttempts int
	RetryDelay    time.Duration

	TempDir       string
	TempSweepAge  time.Duration
	TempSweepTick time.Duration
}

// Load reads configuration from environment variables, applying defaults.
func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:            getEnv("APP_ENV", "development"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		DatabaseSchema:    getEnv("DATABASE_SCHEMA", "public"),
		RedisAddr:         getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		WhatsAppStorePath: getEnv("WA_STORE_PATH", "data/session.db"),
		WhatsAppLogLevel:  getEnv("WA_LOG_LEVEL", "WARN"),
		HTTPListenAddr:    getEnv("HTTP_LISTEN_ADDR", ":8080"),
		MetricsNamespace:  getEnv("METRICS_NAMESPACE", "waguard"),
		RulesPath:         getEnv("RULES_PATH", "rules.yaml"),
		CommandPrefix:     getEnv("COMMAND_PREFIX", "."),
		RestrictedJID:     os.Getenv("RESTRICTED_JID"),
		ImageHostURL:      os.Getenv("IMAGE_HOST_URL"),
		ImageHostAPIKey:   os.Getenv("IMAGE_HOST_API_KEY"),
		DisplayTZ:         getEnv("DISPLAY_TIMEZONE", "Asia/Jakarta"),
		TempDir:           getEnv("TEMP_DIR", os.TempDir()),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	for _, jid := range strings.Split(os.Getenv("OWNER_JIDS"), ",") {
		jid = strings.TrimSpace(jid)
		if jid != "" {
			cfg.OwnerJIDs = append(cfg.OwnerJIDs, jid)
		}
	}

	var err error
	if cfg.RedisDB, err = getEnvInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	cfg.RedisTLS = getEnvBool("REDIS_TLS", false)

	if cfg.ImageHostTimeout, err = getEnvDuration("IMAGE_HOST_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.MediaCacheTTL, err = getEnvDuration("MEDIA_CACHE_TTL", 60*time.Minute); err != nil {
		return nil, err
	}
	if cfg.RetryDelay, err = getEnvDuration("RETRY_DELAY", time.Second); err != nil {
		return nil, err
	}
	if cfg.RetryAttempts, err = getEnvInt("RETRY_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.RetryAttempts < 1 {
		return nil, fmt.Errorf("RETRY_ATTEMPTS must be at least 1")
	}
	if cfg.TempSweepAge, err = getEnvDuration("TEMP_SWEEP_AGE", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.TempSweepTick, err = getEnvDuration("TEMP_SWEEP_TICK", 5*time.Minute); err != nil {
		return nil, err
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, fallback bool) bool {
	v := strings.ToLower(os.Getenv(key))
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}
