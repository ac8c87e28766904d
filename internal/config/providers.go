package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

const (
	defaultProviderBaseURL = "https://openrouter.ai/api/v1"
	defaultProviderTimeout = 20 * time.Second
	defaultTemperature     = 0.3
	defaultMaxTokens       = 2000
)

// 默认回退链，按顺序尝试。
var defaultProviderModels = []string{
	"google/gemini-2.0-flash-001",
	"meta-llama/llama-3.1-8b-instruct",
	"mistralai/mistral-7b-instruct",
	"google/gemma-2-9b-it",
	"qwen/qwen-2.5-7b-instruct",
}

// ProviderConfig 描述回退链中的一个模型后端。
type ProviderConfig struct {
	Name              string
	Model             string
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	Temperature       float64
	MaxTokens         int
	RequestsPerMinute int
}

// Enabled 表示是否提供了必需的密钥与模型。
func (c ProviderConfig) Enabled() bool {
	return c.Model != "" && c.APIKey != ""
}

// NewChatModel 使用配置创建一个模型实例。重试交给回退链处理，SDK 自身不重试。
func (c ProviderConfig) NewChatModel(ctx context.Context) (model.BaseChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("provider %s: api key or model missing", c.Name)
	}

	temperature := float32(c.Temperature)
	maxTokens := c.MaxTokens
	timeout := c.Timeout
	retries := 0

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		APIKey:      c.APIKey,
		Model:       c.Model,
		MaxTokens:   &maxTokens,
		Temperature: &temperature,
		Timeout:     &timeout,
		RetryTimes:  &retries,
	}

	return ark.NewChatModel(ctx, cfg)
}

type providersFile struct {
	Providers []providerEntry `toml:"provider"`
}

type providerEntry struct {
	Name              string   `toml:"name"`
	Model             string   `toml:"model"`
	BaseURL           string   `toml:"base_url"`
	APIKey            string   `toml:"api_key"`
	APIKeyEnv         string   `toml:"api_key_env"`
	Timeout           string   `toml:"timeout"`
	Temperature       *float64 `toml:"temperature"`
	MaxTokens         *int     `toml:"max_tokens"`
	RequestsPerMinute int      `toml:"requests_per_minute"`
}

// LoadProvidersFile 读取 TOML 格式的回退链，保持文件中的顺序。
func LoadProvidersFile(path string) ([]ProviderConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read providers file: %w", err)
	}
	return parseProviders(data)
}

func parseProviders(data []byte) ([]ProviderConfig, error) {
	var file providersFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse providers file: %w", err)
	}

	providers := make([]ProviderConfig, 0, len(file.Providers))
	for i, entry := range file.Providers {
		p := ProviderConfig{
			Name:              strings.TrimSpace(entry.Name),
			Model:             strings.TrimSpace(entry.Model),
			BaseURL:           strings.TrimSpace(entry.BaseURL),
			APIKey:            strings.TrimSpace(entry.APIKey),
			Timeout:           defaultProviderTimeout,
			Temperature:       defaultTemperature,
			MaxTokens:         defaultMaxTokens,
			RequestsPerMinute: entry.RequestsPerMinute,
		}
		if p.Model == "" {
			return nil, fmt.Errorf("provider #%d: model is required", i+1)
		}
		if p.Name == "" {
			p.Name = p.Model
		}
		if p.BaseURL == "" {
			p.BaseURL = defaultProviderBaseURL
		}
		if p.APIKey == "" && entry.APIKeyEnv != "" {
			p.APIKey = strings.TrimSpace(os.Getenv(entry.APIKeyEnv))
		}
		if entry.Timeout != "" {
			timeout, err := time.ParseDuration(entry.Timeout)
			if err != nil || timeout <= 0 {
				return nil, fmt.Errorf("provider %s: invalid timeout %q", p.Name, entry.Timeout)
			}
			p.Timeout = timeout
		}
		if entry.Temperature != nil {
			p.Temperature = *entry.Temperature
		}
		if entry.MaxTokens != nil {
			p.MaxTokens = *entry.MaxTokens
		}
		if p.RequestsPerMinute < 0 {
			return nil, fmt.Errorf("provider %s: requests_per_minute must not be negative", p.Name)
		}
		providers = append(providers, p)
	}
	return providers, nil
}

func loadProviders() ([]ProviderConfig, error) {
	if path := strings.TrimSpace(os.Getenv("PROVIDERS_FILE")); path != "" {
		return LoadProvidersFile(path)
	}

	apiKey := strings.TrimSpace(os.Getenv("OPENROUTER_API_KEY"))
	baseURL := getEnvOrDefault("PROVIDER_BASE_URL", defaultProviderBaseURL)

	timeout, err := parseDurationEnv("PROVIDER_TIMEOUT", defaultProviderTimeout)
	if err != nil {
		return nil, err
	}

	temperature := defaultTemperature
	if override, err := parseOptionalFloatEnv("PROVIDER_TEMPERATURE"); err != nil {
		return nil, err
	} else if override != nil {
		temperature = *override
	}

	maxTokens, err := parseIntEnv("PROVIDER_MAX_TOKENS", defaultMaxTokens, 1)
	if err != nil {
		return nil, err
	}

	rpm, err := parseIntEnv("PROVIDER_RPM", 0, 0)
	if err != nil {
		return nil, err
	}

	models := defaultProviderModels
	if raw := strings.TrimSpace(os.Getenv("PROVIDER_MODELS")); raw != "" {
		models = nil
		for _, m := range strings.Split(raw, ",") {
			if m = strings.TrimSpace(m); m != "" {
				models = append(models, m)
			}
		}
	}

	providers := make([]ProviderConfig, 0, len(models))
	for _, m := range models {
		providers = append(providers, ProviderConfig{
			Name:              m,
			Model:             m,
			BaseURL:           baseURL,
			APIKey:            apiKey,
			Timeout:           timeout,
			Temperature:       temperature,
			MaxTokens:         maxTokens,
			RequestsPerMinute: rpm,
		})
	}
	return providers, nil
}
