package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// MultiClient wraps a provider client with model failover: the
// requested model is tried first, then each configured fallback model
// in order. A request is never retried once tokens have reached the
// stream callback, since the consumer would see duplicated output.
type MultiClient struct {
	client    Client
	fallbacks []string
	logger    *slog.Logger
}

// NewMultiClient creates a failover wrapper. With no fallbacks it
// behaves exactly like the underlying client.
func NewMultiClient(client Client, fallbacks []string, logger *slog.Logger) *MultiClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiClient{
		client:    client,
		fallbacks: fallbacks,
		logger:    logger,
	}
}

// Chat sends a request, falling back through alternate models on failure.
func (m *MultiClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return m.ChatStream(ctx, model, messages, tools, nil)
}

// ChatStream sends a streaming request with model failover.
func (m *MultiClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	models := make([]string, 0, 1+len(m.fallbacks))
	models = append(models, model)
	for _, fb := range m.fallbacks {
		if fb != model {
			models = append(models, fb)
		}
	}

	emitted := false
	wrapped := callback
	if callback != nil {
		wrapped = func(event StreamEvent) {
			if event.Kind == KindToken {
				emitted = true
			}
			callback(event)
		}
	}

	var errs []error
	for i, mdl := range models {
		if i > 0 {
			m.logger.Warn("model failed, trying fallback", "failed", models[i-1], "fallback", mdl)
		}
		resp, err := m.client.ChatStream(ctx, mdl, messages, tools, wrapped)
		if err == nil {
			return resp, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", mdl, err))
		if ctx.Err() != nil || emitted {
			break
		}
	}
	return nil, fmt.Errorf("all models failed: %w", errors.Join(errs...))
}

// Ping checks the underlying provider.
func (m *MultiClient) Ping(ctx context.Context) error {
	if m.client == nil {
		return fmt.Errorf("no client configured")
	}
	return m.client.Ping(ctx)
}
