package llm

import (
	"context"
	"fmt"
)

// MockClient answers without any network call. Used for local development.
type MockClient struct {
	Prefix string
}

// NewMockClient creates a mock generator.
func NewMockClient(prefix string) *MockClient {
	return &MockClient{Prefix: prefix}
}

// Generate echoes the prompt.
func (m *MockClient) Generate(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", upstreamError("mock", err)
	}
	return fmt.Sprintf("[%s] %s", m.Prefix, prompt), nil
}
