package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DiscordToken             string          `yaml:"discord_token"`
	DatabaseDriver           string          `yaml:"database_driver"`
	DatabasePath             string          `yaml:"database_path"`
	LogLevel                 string          `yaml:"log_level"`
	DefaultModlogChannel     string          `yaml:"default_modlog_channel"`
	DefaultMessageLogChannel string          `yaml:"default_message_log_channel"`
	Health                   HealthConfig    `yaml:"health"`
	AuditLog                 AuditLogConfig  `yaml:"audit_log"`
	ActionLog                ActionLogConfig `yaml:"action_log"`
	Notifications            NotifyConfig    `yaml:"notifications"`
}

type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type AuditLogConfig struct {
	FreshnessSeconds   int `yaml:"freshness_seconds"`
	CacheSize          int `yaml:"cache_size"`
	FetchLimit         int `yaml:"fetch_limit"`
	PredicateTimeoutMs int `yaml:"predicate_timeout_ms"`
	MessageCacheSize   int `yaml:"message_cache_size"`
}

type ActionLogConfig struct {
	PageSize    int `yaml:"page_size"`
	MaxRangeIDs int `yaml:"max_range_ids"`
}

type NotifyConfig struct {
	EmbedColors EmbedColors `yaml:"embed_colors"`
}

type EmbedColors struct {
	Action  int `yaml:"action"`
	Warning int `yaml:"warning"`
	Error   int `yaml:"error"`
}

func DefaultConfig() Config {
	return Config{
		DatabaseDriver: "sqlite",
		DatabasePath:   "/data/sentinel.db",
		LogLevel:       "info",
		Health:         HealthConfig{Enabled: false, Addr: ":8080"},
		AuditLog: AuditLogConfig{
			FreshnessSeconds:   5,
			CacheSize:          500,
			FetchLimit:         50,
			PredicateTimeoutMs: 3000,
			MessageCacheSize:   5000,
		},
		ActionLog: ActionLogConfig{PageSize: 5, MaxRangeIDs: 100},
		Notifications: NotifyConfig{
			EmbedColors: EmbedColors{
				Action:  0xF59E0B,
				Warning: 0xEF4444,
				Error:   0xF97316,
			},
		},
	}
}

func Load() (Config, error) {
	cfg := DefaultConfig()

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)
	if cfg.DiscordToken == "" {
		return Config{}, errors.New("DISCORD_TOKEN is required")
	}
	cfg.DatabaseDriver = normalizeDriver(cfg.DatabaseDriver)
	applyFloors(&cfg)

	return cfg, nil
}

func (c AuditLogConfig) Freshness() time.Duration {
	return time.Duration(c.FreshnessSeconds) * time.Second
}

func (c AuditLogConfig) PredicateTimeout() time.Duration {
	return time.Duration(c.PredicateTimeoutMs) * time.Millisecond
}

func applyEnv(cfg *Config) {
	cfg.DiscordToken = envString("DISCORD_TOKEN", cfg.DiscordToken)
	cfg.DatabaseDriver = envString("DATABASE_DRIVER", cfg.DatabaseDriver)
	cfg.DatabasePath = envString("DATABASE_PATH", cfg.DatabasePath)
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	cfg.DefaultModlogChannel = envString("DEFAULT_MODLOG_CHANNEL", cfg.DefaultModlogChannel)
	cfg.DefaultMessageLogChannel = envString("DEFAULT_MESSAGE_LOG_CHANNEL", cfg.DefaultMessageLogChannel)
	cfg.Health.Enabled = envBool("HEALTH_ENABLED", cfg.Health.Enabled)
	cfg.Health.Addr = envString("HEALTH_ADDR", cfg.Health.Addr)
	cfg.AuditLog.FreshnessSeconds = envInt("AUDIT_LOG_FRESHNESS_SECONDS", cfg.AuditLog.FreshnessSeconds)
	cfg.AuditLog.CacheSize = envInt("AUDIT_LOG_CACHE_SIZE", cfg.AuditLog.CacheSize)
	cfg.AuditLog.FetchLimit = envInt("AUDIT_LOG_FETCH_LIMIT", cfg.AuditLog.FetchLimit)
	cfg.AuditLog.PredicateTimeoutMs = envInt("AUDIT_LOG_PREDICATE_TIMEOUT_MS", cfg.AuditLog.PredicateTimeoutMs)
	cfg.AuditLog.MessageCacheSize = envInt("MESSAGE_CACHE_SIZE", cfg.AuditLog.MessageCacheSize)
	cfg.ActionLog.PageSize = envInt("ACTION_LOG_PAGE_SIZE", cfg.ActionLog.PageSize)
	cfg.ActionLog.MaxRangeIDs = envInt("ACTION_LOG_MAX_RANGE_IDS", cfg.ActionLog.MaxRangeIDs)
	cfg.Notifications.EmbedColors.Action = envInt("EMBED_COLOR_ACTION", cfg.Notifications.EmbedColors.Action)
	cfg.Notifications.EmbedColors.Warning = envInt("EMBED_COLOR_WARNING", cfg.Notifications.EmbedColors.Warning)
	cfg.Notifications.EmbedColors.Error = envInt("EMBED_COLOR_ERROR", cfg.Notifications.EmbedColors.Error)
}

// applyFloors replaces non-positive tunables with their defaults.
func applyFloors(cfg *Config) {
	defaults := DefaultConfig()
	if cfg.AuditLog.FreshnessSeconds <= 0 {
		cfg.AuditLog.FreshnessSeconds = defaults.AuditLog.FreshnessSeconds
	}
	if cfg.AuditLog.CacheSize <= 0 {
		cfg.AuditLog.CacheSize = defaults.AuditLog.CacheSize
	}
	if cfg.AuditLog.FetchLimit <= 0 || cfg.AuditLog.FetchLimit > 100 {
		cfg.AuditLog.FetchLimit = defaults.AuditLog.FetchLimit
	}
	if cfg.AuditLog.PredicateTimeoutMs <= 0 {
		cfg.AuditLog.PredicateTimeoutMs = defaults.AuditLog.PredicateTimeoutMs
	}
	if cfg.AuditLog.MessageCacheSize <= 0 {
		cfg.AuditLog.MessageCacheSize = defaults.AuditLog.MessageCacheSize
	}
	if cfg.ActionLog.PageSize <= 0 {
		cfg.ActionLog.PageSize = defaults.ActionLog.PageSize
	}
	if cfg.ActionLog.MaxRangeIDs <= 0 {
		cfg.ActionLog.MaxRangeIDs = defaults.ActionLog.MaxRangeIDs
	}
}

func BuildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	lvl := strings.ToLower(level)
	switch lvl {
	case "debug", "info", "warn", "error":
		cfg.Level = zap.NewAtomicLevelAt(parseLevel(lvl))
	default:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	return cfg.Build()
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func envString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		lower := strings.ToLower(value)
		return lower == "1" || lower == "true" || lower == "yes"
	}
	return fallback
}

func normalizeDriver(value string) string {
	switch strings.ToLower(value) {
	case "postgres", "postgresql", "pgx":
		return "postgres"
	default:
		return "sqlite"
	}
}
