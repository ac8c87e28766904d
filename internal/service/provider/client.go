package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"golang.org/x/time/rate"
)

var (
	ErrExhausted       = errors.New("all providers failed")
	ErrNoProviders     = errors.New("no providers configured")
	ErrRateLimited     = errors.New("provider rate limited")
	ErrEmptyCompletion = errors.New("provider returned empty content")
)

// ExhaustedError is returned when every provider in the chain failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", ErrExhausted, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrExhausted, e.Last}
}

// Provider is one named backend of the fallback chain.
type Provider struct {
	Name    string
	Model   model.BaseChatModel
	Timeout time.Duration
	// RequestsPerMinute paces calls to this backend; zero disables pacing.
	RequestsPerMinute int
}

// Prompt is the system and user text sent to every provider.
type Prompt struct {
	System string
	User   string
}

// Completion is the raw text produced by the first provider that succeeded.
type Completion struct {
	Provider string
	Text     string
}

type backend struct {
	name    string
	timeout time.Duration
	limiter *rate.Limiter
	chain   compose.Runnable[map[string]any, *schema.Message]
}

// Client walks an ordered provider list, returning the first successful completion.
type Client struct {
	backends []backend
	logger   *log.Logger
}

// NewClient compiles one prompt chain per provider, keeping the given order.
func NewClient(ctx context.Context, providers []Provider, logger *log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.Default()
	}

	backends := make([]backend, 0, len(providers))
	for _, p := range providers {
		if p.Model == nil {
			return nil, fmt.Errorf("provider %s: chat model is nil", p.Name)
		}
		if p.Timeout <= 0 {
			return nil, fmt.Errorf("provider %s: timeout must be positive", p.Name)
		}

		promptTemplate := prompt.FromMessages(
			schema.FString,
			schema.SystemMessage("{system}"),
			schema.UserMessage("{query}"),
		)

		chain := compose.NewChain[map[string]any, *schema.Message]()
		chain.AppendChatTemplate(promptTemplate)
		chain.AppendChatModel(p.Model)

		runnable, err := chain.Compile(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to compile chain for provider %s: %w", p.Name, err)
		}

		var limiter *rate.Limiter
		if p.RequestsPerMinute > 0 {
			limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(p.RequestsPerMinute)), 1)
		}

		backends = append(backends, backend{
			name:    p.Name,
			timeout: p.Timeout,
			limiter: limiter,
			chain:   runnable,
		})
	}

	return &Client{backends: backends, logger: logger}, nil
}

// Names returns the provider names in chain order.
func (c *Client) Names() []string {
	names := make([]string, 0, len(c.backends))
	for _, b := range c.backends {
		names = append(names, b.name)
	}
	return names
}

// Complete tries each provider once, in order. A provider that times out, errors,
// is over its request budget or returns empty content hands over to the next one.
func (c *Client) Complete(ctx context.Context, p Prompt) (Completion, error) {
	if len(c.backends) == 0 {
		return Completion{}, &ExhaustedError{Last: ErrNoProviders}
	}

	input := map[string]any{
		"system": p.System,
		"query":  p.User,
	}

	var lastErr error
	for _, b := range c.backends {
		if err := ctx.Err(); err != nil {
			return Completion{}, err
		}

		text, err := b.complete(ctx, input)
		if err == nil {
			c.logger.Info("provider succeeded", "provider", b.name, "chars", len(text))
			return Completion{Provider: b.name, Text: text}, nil
		}

		// cancellation of the caller is not a provider failure
		if ctx.Err() != nil {
			return Completion{}, ctx.Err()
		}

		c.logger.Warn("provider failed", "provider", b.name, "err", err)
		lastErr = fmt.Errorf("provider %s: %w", b.name, err)
	}

	c.logger.Error("all providers failed", "attempts", len(c.backends))
	return Completion{}, &ExhaustedError{Attempts: len(c.backends), Last: lastErr}
}

func (b backend) complete(ctx context.Context, input map[string]any) (string, error) {
	if b.limiter != nil && !b.limiter.Allow() {
		return "", ErrRateLimited
	}

	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	msg, err := b.chain.Invoke(callCtx, input)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("timed out after %s: %w", b.timeout, err)
		}
		return "", err
	}
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return "", ErrEmptyCompletion
	}
	return msg.Content, nil
}
