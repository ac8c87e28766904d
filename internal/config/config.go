package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server    ServerConfig
	Session   SessionConfig
	Summary   SummaryConfig
	Providers []ProviderConfig
	Storage   StorageConfig
	Log       LogConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	sessionCfg, err := loadSessionConfig()
	if err != nil {
		return nil, err
	}

	summary, err := loadSummaryConfig()
	if err != nil {
		return nil, err
	}

	providers, err := loadProviders()
	if err != nil {
		return nil, err
	}

	logCfg, err := loadLogConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:    server,
		Session:   sessionCfg,
		Summary:   summary,
		Providers: providers,
		Storage:   StorageConfig{DatabasePath: strings.TrimSpace(os.Getenv("DATABASE_PATH"))},
		Log:       logCfg,
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr        string
	FrontendURL string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	frontend := strings.TrimRight(strings.TrimSpace(os.Getenv("FRONTEND_URL")), "/")

	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port, FrontendURL: frontend}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port, FrontendURL: frontend}, nil
}

// SessionConfig 描述会话过期策略。
type SessionConfig struct {
	TTL           time.Duration
	SweepInterval time.Duration
}

func loadSessionConfig() (SessionConfig, error) {
	ttl, err := parseDurationEnv("SESSION_TTL", 24*time.Hour)
	if err != nil {
		return SessionConfig{}, err
	}
	sweep, err := parseDurationEnv("SESSION_SWEEP_INTERVAL", time.Hour)
	if err != nil {
		return SessionConfig{}, err
	}
	return SessionConfig{TTL: ttl, SweepInterval: sweep}, nil
}

// SummaryConfig 描述主题摘要调度与推送参数。
type SummaryConfig struct {
	Interval         time.Duration
	MinResponses     int
	MaxThemes        int
	Heartbeat        time.Duration
	SubscriberBuffer int
}

func loadSummaryConfig() (SummaryConfig, error) {
	interval, err := parseDurationEnv("SUMMARY_INTERVAL", 10*time.Second)
	if err != nil {
		return SummaryConfig{}, err
	}

	heartbeat, err := parseDurationEnv("STREAM_HEARTBEAT", 5*time.Second)
	if err != nil {
		return SummaryConfig{}, err
	}

	minResponses, err := parseIntEnv("SUMMARY_MIN_RESPONSES", 3, 1)
	if err != nil {
		return SummaryConfig{}, err
	}

	maxThemes, err := parseIntEnv("SUMMARY_MAX_THEMES", 6, 1)
	if err != nil {
		return SummaryConfig{}, err
	}

	buffer, err := parseIntEnv("SUBSCRIBER_BUFFER", 16, 1)
	if err != nil {
		return SummaryConfig{}, err
	}

	return SummaryConfig{
		Interval:         interval,
		MinResponses:     minResponses,
		MaxThemes:        maxThemes,
		Heartbeat:        heartbeat,
		SubscriberBuffer: buffer,
	}, nil
}

// StorageConfig 描述可选的 SQLite 归档。为空表示仅使用内存。
type StorageConfig struct {
	DatabasePath string
}

// Enabled 表示是否配置了归档数据库。
func (c StorageConfig) Enabled() bool {
	return c.DatabasePath != ""
}

// LogConfig 描述日志级别。
type LogConfig struct {
	Level log.Level
}

func loadLogConfig() (LogConfig, error) {
	raw := getEnvOrDefault("LOG_LEVEL", "info")
	level, err := log.ParseLevel(raw)
	if err != nil {
		return LogConfig{}, fmt.Errorf("invalid LOG_LEVEL value %q: %w", raw, err)
	}
	return LogConfig{Level: level}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val <= 0 {
		return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
	}
	return val, nil
}

func parseIntEnv(key string, defaultValue, minValue int) (int, error) {
	val, err := parseOptionalIntEnv(key)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return defaultValue, nil
	}
	if *val < minValue {
		return 0, fmt.Errorf("invalid %s value %d: must be at least %d", key, *val, minValue)
	}
	return *val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
