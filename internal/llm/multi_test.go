package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// scriptedClient fails for models in failing and succeeds otherwise,
// recording the models it was asked for.
type scriptedClient struct {
	failing map[string]bool
	asked   []string
	emit    []string // tokens to stream before failing or succeeding
}

func (s *scriptedClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return s.ChatStream(ctx, model, messages, tools, nil)
}

func (s *scriptedClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	s.asked = append(s.asked, model)
	if callback != nil {
		for _, tok := range s.emit {
			callback(StreamEvent{Kind: KindToken, Token: tok})
		}
	}
	if s.failing[model] {
		return nil, fmt.Errorf("model %s unavailable", model)
	}
	return &ChatResponse{Model: model, Message: Message{Role: "assistant", Content: "ok"}, Done: true}, nil
}

func (s *scriptedClient) Ping(ctx context.Context) error { return nil }

func TestMultiClientFallsBack(t *testing.T) {
	inner := &scriptedClient{failing: map[string]bool{"primary": true, "second": true}}
	m := NewMultiClient(inner, []string{"second", "third"}, discardLogger())

	resp, err := m.Chat(context.Background(), "primary", []Message{{Role: "user", Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Model != "third" {
		t.Errorf("served by %s, want third", resp.Model)
	}
	want := []string{"primary", "second", "third"}
	if len(inner.asked) != len(want) {
		t.Fatalf("asked = %v", inner.asked)
	}
	for i := range want {
		if inner.asked[i] != want[i] {
			t.Errorf("asked[%d] = %s, want %s", i, inner.asked[i], want[i])
		}
	}
}

func TestMultiClientAllFail(t *testing.T) {
	inner := &scriptedClient{failing: map[string]bool{"a": true, "b": true}}
	m := NewMultiClient(inner, []string{"b"}, discardLogger())

	_, err := m.Chat(context.Background(), "a", nil, nil)
	if err == nil {
		t.Fatal("expected error when every model fails")
	}
}

func TestMultiClientSkipsDuplicateFallback(t *testing.T) {
	inner := &scriptedClient{failing: map[string]bool{"a": true}}
	m := NewMultiClient(inner, []string{"a", "b"}, discardLogger())

	if _, err := m.Chat(context.Background(), "a", nil, nil); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(inner.asked) != 2 {
		t.Errorf("asked = %v, want a then b only", inner.asked)
	}
}

func TestMultiClientDoesNotRetryAfterTokens(t *testing.T) {
	inner := &scriptedClient{failing: map[string]bool{"a": true}, emit: []string{"partial "}}
	m := NewMultiClient(inner, []string{"b"}, discardLogger())

	_, err := m.ChatStream(context.Background(), "a", nil, nil, func(StreamEvent) {})
	if err == nil {
		t.Fatal("expected error, not a retry that duplicates output")
	}
	if len(inner.asked) != 1 {
		t.Errorf("asked = %v, want only the first model", inner.asked)
	}
}

func TestMultiClientStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	inner := &scriptedClient{failing: map[string]bool{"a": true, "b": true}}
	m := NewMultiClient(inner, []string{"b"}, discardLogger())

	_, err := m.Chat(ctx, "a", nil, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if len(inner.asked) != 1 {
		t.Errorf("asked = %v, want no fallback after cancellation", inner.asked)
	}
	if !errors.Is(ctx.Err(), context.Canceled) {
		t.Fatalf("ctx err = %v", ctx.Err())
	}
}
