// Package llm provides adapters to external text generation APIs.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUpstream wraps every failure of a generation call.
var ErrUpstream = errors.New("upstream model unavailable")

// DefaultTimeout bounds a single generation call.
const DefaultTimeout = 60 * time.Second

// Generator sends a prompt to a model and returns its reply text.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Config selects and configures a provider.
type Config struct {
	Provider string // "gemini" (default), "ark" or "mock"
	Model    string
	APIKey   string
	BaseURL  string
	Timeout  time.Duration

	// Ark AK/SK credentials, used when APIKey is empty.
	AccessKey string
	SecretKey string
	Region    string
}

// New builds the Generator named by cfg.Provider.
func New(ctx context.Context, cfg Config) (Generator, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "gemini":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("gemini provider requires an API key")
		}
		return NewGeminiClient(cfg), nil
	case "ark":
		return NewArkClient(ctx, cfg)
	case "mock":
		return NewMockClient("mock"), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", cfg.Provider)
	}
}

func upstreamError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUpstream, op, err)
}
