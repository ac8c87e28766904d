package provider

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/zhouzirui/theme-pulse/backend/internal/config"
)

// FromConfig builds the chain members in configured order. Entries without an API key
// or model are skipped with a warning so the server can still start.
func FromConfig(ctx context.Context, cfgs []config.ProviderConfig, logger *log.Logger) ([]Provider, error) {
	if logger == nil {
		logger = log.Default()
	}

	providers := make([]Provider, 0, len(cfgs))
	for _, c := range cfgs {
		if !c.Enabled() {
			logger.Warn("provider skipped, credentials missing", "provider", c.Name)
			continue
		}
		chatModel, err := c.NewChatModel(ctx)
		if err != nil {
			return nil, fmt.Errorf("init provider %s: %w", c.Name, err)
		}
		providers = append(providers, Provider{
			Name:              c.Name,
			Model:             chatModel,
			Timeout:           c.Timeout,
			RequestsPerMinute: c.RequestsPerMinute,
		})
	}
	return providers, nil
}
