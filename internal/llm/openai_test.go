package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpenAIClientImplementsInterface(t *testing.T) {
	var _ Client = (*OpenAIClient)(nil)
}

func TestMultiClientImplementsInterface(t *testing.T) {
	var _ Client = (*MultiClient)(nil)
}

func TestConvertToOpenAIEncodesToolArguments(t *testing.T) {
	messages := []Message{
		{Role: "system", Content: "You are a sales analyst."},
		{Role: "user", Content: "Analyze my file."},
		{
			Role: "assistant",
			ToolCalls: []ToolCall{{
				ID: "call_abc123",
				Function: struct {
					Name      string         `json:"name"`
					Arguments map[string]any `json:"arguments"`
				}{
					Name:      "analyze_sales_file",
					Arguments: map[string]any{"filename": "q1.csv"},
				},
			}},
		},
		{Role: "tool", Content: `{"ok":true}`, ToolCallID: "call_abc123"},
	}

	result := convertToOpenAI(messages)
	if len(result) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(result))
	}

	asst := result[2]
	if len(asst.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(asst.ToolCalls))
	}
	if asst.ToolCalls[0].Type != "function" {
		t.Errorf("type = %q, want function", asst.ToolCalls[0].Type)
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(asst.ToolCalls[0].Function.Arguments), &args); err != nil {
		t.Fatalf("arguments not valid JSON: %v", err)
	}
	if args["filename"] != "q1.csv" {
		t.Errorf("arguments = %v", args)
	}

	if result[3].ToolCallID != "call_abc123" {
		t.Errorf("tool_call_id = %q, want call_abc123", result[3].ToolCallID)
	}
}

func TestConvertToOpenAIHandlesNilArguments(t *testing.T) {
	msg := Message{Role: "assistant", ToolCalls: []ToolCall{{ID: "call_1"}}}
	result := convertToOpenAI([]Message{msg})
	if result[0].ToolCalls[0].Function.Arguments != "{}" {
		t.Errorf("nil arguments encoded as %q, want {}", result[0].ToolCalls[0].Function.Arguments)
	}
}

func TestDecodeToolCall(t *testing.T) {
	tc := openaiToolCall{
		ID:       "call_9",
		Function: openaiToolFunction{Name: "forecast_sales_demand", Arguments: `{"filename":"q1.csv","periods":60}`},
	}

	got := decodeToolCall(tc)
	if got.ID != "call_9" || got.Function.Name != "forecast_sales_demand" {
		t.Errorf("decoded = %+v", got)
	}
	if got.Function.Arguments["filename"] != "q1.csv" {
		t.Errorf("arguments = %v", got.Function.Arguments)
	}
	// JSON numbers decode as float64.
	if got.Function.Arguments["periods"] != float64(60) {
		t.Errorf("periods = %v (%T)", got.Function.Arguments["periods"], got.Function.Arguments["periods"])
	}
}

func TestDecodeToolCallMalformedArguments(t *testing.T) {
	tc := openaiToolCall{
		ID:       "call_bad",
		Function: openaiToolFunction{Name: "query_sales_data", Arguments: `{"filename": "q1.csv`},
	}

	got := decodeToolCall(tc)
	raw, ok := got.Function.Arguments["_raw"].(string)
	if !ok || !strings.Contains(raw, "q1.csv") {
		t.Errorf("malformed arguments should be preserved under _raw, got %v", got.Function.Arguments)
	}
}

func TestChatNonStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth header = %q", got)
		}

		var req openaiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Stream {
			t.Error("expected non-streaming request")
		}

		fmt.Fprint(w, `{
			"id": "gen-1",
			"model": "openai/gpt-oss-120b:free",
			"choices": [{
				"index": 0,
				"message": {
					"role": "assistant",
					"content": "",
					"tool_calls": [{
						"id": "call_1",
						"type": "function",
						"function": {"name": "list_available_files", "arguments": "{}"}
					}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 120, "completion_tokens": 15}
		}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "test-key", discardLogger())
	resp, err := c.Chat(context.Background(), "openai/gpt-oss-120b:free", []Message{{Role: "user", Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(resp.Message.ToolCalls))
	}
	if resp.Message.ToolCalls[0].Function.Name != "list_available_files" {
		t.Errorf("tool = %s", resp.Message.ToolCalls[0].Function.Name)
	}
	if resp.InputTokens != 120 || resp.OutputTokens != 15 {
		t.Errorf("tokens = %d/%d, want 120/15", resp.InputTokens, resp.OutputTokens)
	}
}

func TestChatStreamAssemblesTokensAndToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openaiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if !req.Stream || req.StreamOptions == nil || !req.StreamOptions.IncludeUsage {
			t.Error("expected streaming request with usage reporting")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`{"model":"m1","choices":[{"delta":{"content":"Looking"}}]}`,
			`{"choices":[{"delta":{"content":" into it."}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_7","type":"function","function":{"name":"analyze_sales_file","arguments":"{\"file"}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"name\":\"q1.csv\"}"}}]}}]}`,
			`{"choices":[],"usage":{"prompt_tokens":50,"completion_tokens":9}}`,
		}
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	var tokens []string
	c := NewOpenAIClient(srv.URL, "k", discardLogger())
	resp, err := c.ChatStream(context.Background(), "m1", []Message{{Role: "user", Content: "analyze"}}, nil, func(event StreamEvent) {
		if event.Kind == KindToken {
			tokens = append(tokens, event.Token)
		}
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	if got := strings.Join(tokens, ""); got != "Looking into it." {
		t.Errorf("streamed tokens = %q", got)
	}
	if resp.Message.Content != "Looking into it." {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(resp.Message.ToolCalls))
	}
	tc := resp.Message.ToolCalls[0]
	if tc.ID != "call_7" || tc.Function.Name != "analyze_sales_file" {
		t.Errorf("tool call = %+v", tc)
	}
	if tc.Function.Arguments["filename"] != "q1.csv" {
		t.Errorf("arguments = %v", tc.Function.Arguments)
	}
	if resp.InputTokens != 50 || resp.OutputTokens != 9 {
		t.Errorf("tokens = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
}

func TestChatSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limited"}}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "k", discardLogger())
	_, err := c.Chat(context.Background(), "m1", []Message{{Role: "user", Content: "hi"}}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "429") || !strings.Contains(err.Error(), "rate limited") {
		t.Errorf("err = %v", err)
	}
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("path = %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"data":[]}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "k", discardLogger())
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestPingUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "bad", discardLogger())
	err := c.Ping(context.Background())
	if err == nil || !strings.Contains(err.Error(), "invalid API key") {
		t.Errorf("err = %v", err)
	}
}
