package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

const (
	defaultArkBaseURL = "https://ark.cn-beijing.volces.com/api/v3"
	defaultArkRegion  = "cn-beijing"
)

// chatModel is the part of an eino chat model used here.
type chatModel interface {
	Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error)
}

// EinoClient implements Generator on top of an eino chat model.
type EinoClient struct {
	model   chatModel
	name    string
	timeout time.Duration
}

// NewEinoClient wraps an eino chat model.
func NewEinoClient(m chatModel, name string, timeout time.Duration) *EinoClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &EinoClient{model: m, name: name, timeout: timeout}
}

// NewArkClient creates a Volcengine Ark chat model through eino-ext.
func NewArkClient(ctx context.Context, cfg Config) (*EinoClient, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("ark provider requires a model")
	}
	if cfg.APIKey == "" && (cfg.AccessKey == "" || cfg.SecretKey == "") {
		return nil, fmt.Errorf("ark provider requires ARK_API_KEY or an AK/SK pair")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultArkBaseURL
	}
	if cfg.Region == "" {
		cfg.Region = defaultArkRegion
	}

	cm, err := ark.NewChatModel(ctx, &ark.ChatModelConfig{
		BaseURL:   cfg.BaseURL,
		Region:    cfg.Region,
		APIKey:    cfg.APIKey,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		Model:     cfg.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ark chat model: %w", err)
	}
	return NewEinoClient(cm, "ark/"+cfg.Model, cfg.Timeout), nil
}

// Generate sends prompt as a single user message.
func (c *EinoClient) Generate(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reply, err := c.model.Generate(ctx, []*schema.Message{schema.UserMessage(prompt)})
	if err != nil {
		return "", upstreamError("calling "+c.name, err)
	}
	if reply == nil {
		return "", upstreamError("calling "+c.name, errors.New("empty reply"))
	}

	slog.Debug("model reply received", "model", c.name, "prompt_chars", len(prompt), "reply_chars", len(reply.Content))
	return reply.Content, nil
}
