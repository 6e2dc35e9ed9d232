// Package agent implements the core orchestration loop: model
// request, capability dispatch, repeat, under a hard iteration cap.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bizpilot/bizpilot/internal/llm"
	"github.com/bizpilot/bizpilot/internal/prompts"
	"github.com/bizpilot/bizpilot/internal/tools"
	"github.com/bizpilot/bizpilot/internal/usage"
)

// DefaultMaxIterations bounds the model round-trips in one run.
const DefaultMaxIterations = 5

// DefaultToolTimeout bounds a single capability call.
const DefaultToolTimeout = 60 * time.Second

// Request represents one orchestration invocation.
type Request struct {
	UserID         string
	ConversationID string
	Prompt         string

	// History carries prior turns of this conversation, oldest first,
	// without a system message.
	History []llm.Message
}

// Result is the outcome of a run.
type Result struct {
	Content      string         `json:"content"`
	Model        string         `json:"model"`
	Iterations   int            `json:"iterations"`
	InputTokens  int            `json:"input_tokens"`
	OutputTokens int            `json:"output_tokens"`
	Exhausted    bool           `json:"exhausted"`
	ToolsCalled  map[string]int `json:"tools_called,omitempty"`
	Duration     time.Duration  `json:"-"`
}

// Loop executes orchestration invocations. Safe for concurrent use;
// the only shared mutable state lives behind the registry's cache and
// quota tracker.
type Loop struct {
	logger      *slog.Logger
	client      llm.Client
	registry    *tools.Registry
	model       string
	maxIter     int
	toolTimeout time.Duration
	store       *usage.Store
	now         func() time.Time
}

// New creates a loop over the given model client and capability
// registry.
func New(client llm.Client, registry *tools.Registry, model string, logger *slog.Logger) *Loop {
	return &Loop{
		logger:      logger.With("component", "agent"),
		client:      client,
		registry:    registry,
		model:       model,
		maxIter:     DefaultMaxIterations,
		toolTimeout: DefaultToolTimeout,
		now:         time.Now,
	}
}

// SetMaxIterations overrides the iteration cap. Values below 1 are
// ignored.
func (l *Loop) SetMaxIterations(n int) {
	if n >= 1 {
		l.maxIter = n
	}
}

// SetToolTimeout bounds each capability call. Zero removes the bound;
// the call then runs under the request context alone.
func (l *Loop) SetToolTimeout(d time.Duration) {
	l.toolTimeout = d
}

// SetStore configures run persistence. When set, every run is
// recorded for the usage report, including failed ones.
func (l *Loop) SetStore(s *usage.Store) {
	l.store = s
}

// SetClock overrides the time source. Tests use it to pin timestamps.
func (l *Loop) SetClock(now func() time.Time) {
	l.now = now
}

// Run executes one orchestration invocation to completion.
func (l *Loop) Run(ctx context.Context, req Request) (*Result, error) {
	return l.RunStream(ctx, req, nil)
}

// RunStream executes one orchestration invocation, forwarding stream
// events to callback as they happen: model tokens from the provider,
// tool lifecycle events from this loop, and a final KindDone.
//
// Tool calls within a round run sequentially; a started call runs to
// completion even if ctx is cancelled mid-call, with the cancellation
// honored at the next boundary. Provider failures are fatal for the
// run and are not retried here.
func (l *Loop) RunStream(ctx context.Context, req Request, callback llm.StreamCallback) (*Result, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	if req.UserID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	runUUID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate run ID: %w", err)
	}
	runID := runUUID.String()
	convID := req.ConversationID
	if convID == "" {
		convID = runID
	}

	ctx = tools.WithCaller(ctx, tools.Caller{UserID: req.UserID})
	ctx = tools.WithConversationID(ctx, convID)

	messages := make([]llm.Message, 0, len(req.History)+2)
	messages = append(messages, llm.Message{Role: "system", Content: prompts.System(l.now())})
	messages = append(messages, req.History...)
	messages = append(messages, llm.Message{Role: "user", Content: prompt})

	// The capability schema is declared once per run and never changes
	// between rounds.
	toolDefs := l.registry.List()

	st := &runState{
		runID:   runID,
		convID:  convID,
		userID:  req.UserID,
		prompt:  prompt,
		started: l.now(),
	}

	l.logger.Info("run started",
		"run_id", runID,
		"conversation_id", convID,
		"user_id", req.UserID,
		"model", l.model,
		"prompt", truncate(prompt, 200),
		"tools_available", len(toolDefs),
	)

	for i := range l.maxIter {
		if err := ctx.Err(); err != nil {
			st.errMsg = err.Error()
			l.record(st, "")
			return nil, fmt.Errorf("run cancelled: %w", err)
		}

		iterStart := l.now()
		resp, err := l.client.ChatStream(ctx, l.model, messages, toolDefs, callback)
		if err != nil {
			st.iterations = i + 1
			st.toolsCalled = countToolCalls(messages)
			st.errMsg = err.Error()
			l.record(st, "")
			return nil, fmt.Errorf("model call failed (iteration %d): %w", i, err)
		}

		st.inputTokens += resp.InputTokens
		st.outputTokens += resp.OutputTokens

		l.logger.Debug("model response",
			"run_id", runID,
			"iteration", i,
			"input_tokens", resp.InputTokens,
			"output_tokens", resp.OutputTokens,
			"tool_calls", len(resp.Message.ToolCalls),
			"elapsed", l.now().Sub(iterStart).Round(time.Millisecond),
		)

		messages = append(messages, resp.Message)

		// No tool calls: the text is the final answer.
		if len(resp.Message.ToolCalls) == 0 {
			content := strings.TrimSpace(resp.Message.Content)
			if content == "" {
				content = prompts.EmptyResponseFallback
			}
			st.iterations = i + 1
			st.toolsCalled = countToolCalls(messages)
			return l.finish(st, content, false, callback)
		}

		for _, tc := range resp.Message.ToolCalls {
			call := tc
			if callback != nil {
				callback(llm.StreamEvent{Kind: llm.KindToolCallStart, ToolCall: &call})
			}

			toolStart := l.now()
			toolCtx := ctx
			cancel := func() {}
			if l.toolTimeout > 0 {
				toolCtx, cancel = context.WithTimeout(ctx, l.toolTimeout)
			}
			result, err := l.registry.Execute(toolCtx, call.Function.Name, call.Function.Arguments)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					// The run itself was cancelled. Only cancellation
					// comes back as a Go error; every other failure
					// reaches the model as a structured result.
					st.iterations = i + 1
					st.toolsCalled = countToolCalls(messages)
					st.errMsg = err.Error()
					l.record(st, "")
					return nil, fmt.Errorf("run cancelled during %s: %w", call.Function.Name, err)
				}
				// The per-call clock expired with the run still live.
				// The model sees the timeout as a failed call and can
				// try something else; the round is not aborted.
				l.logger.Warn("tool timed out",
					"run_id", runID,
					"iteration", i,
					"tool", call.Function.Name,
					"timeout", l.toolTimeout,
				)
				result = tools.ErrorResult(tools.CodeFailed, "%s timed out after %s", call.Function.Name, l.toolTimeout)
			}

			l.logger.Debug("tool result",
				"run_id", runID,
				"iteration", i,
				"tool", call.Function.Name,
				"bytes", len(result),
				"elapsed", l.now().Sub(toolStart).Round(time.Millisecond),
			)
			if callback != nil {
				callback(llm.StreamEvent{Kind: llm.KindToolCallDone, ToolName: call.Function.Name, ToolResult: result})
			}

			messages = append(messages, llm.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: call.ID,
			})
		}
	}

	// Iteration cap reached with the model still asking for tools. The
	// terminal answer is synthesized locally; no further model call is
	// made once the cap is hit.
	l.logger.Warn("iteration cap reached",
		"run_id", runID,
		"conversation_id", convID,
		"max_iterations", l.maxIter,
	)
	st.iterations = l.maxIter
	st.toolsCalled = countToolCalls(messages)
	return l.finish(st, prompts.ExhaustedFallback, true, callback)
}

// runState accumulates per-run accounting across iterations.
type runState struct {
	runID        string
	convID       string
	userID       string
	prompt       string
	iterations   int
	inputTokens  int
	outputTokens int
	toolsCalled  map[string]int
	exhausted    bool
	started      time.Time
	errMsg       string
}

// finish assembles the Result, emits the final stream event, logs the
// completion, and persists the run record.
func (l *Loop) finish(st *runState, content string, exhausted bool, callback llm.StreamCallback) (*Result, error) {
	elapsed := l.now().Sub(st.started)

	res := &Result{
		Content:      content,
		Model:        l.model,
		Iterations:   st.iterations,
		InputTokens:  st.inputTokens,
		OutputTokens: st.outputTokens,
		Exhausted:    exhausted,
		ToolsCalled:  st.toolsCalled,
		Duration:     elapsed,
	}

	if callback != nil {
		// A synthesized terminal answer was never streamed by the
		// provider; emit it so streaming consumers see the text.
		if exhausted {
			callback(llm.StreamEvent{Kind: llm.KindToken, Token: content})
		}
		callback(llm.StreamEvent{Kind: llm.KindDone, Response: &llm.ChatResponse{
			Model:         l.model,
			Message:       llm.Message{Role: "assistant", Content: content},
			Done:          true,
			InputTokens:   st.inputTokens,
			OutputTokens:  st.outputTokens,
			TotalDuration: elapsed,
		}})
	}

	l.logger.Info("run completed",
		"run_id", st.runID,
		"conversation_id", st.convID,
		"user_id", st.userID,
		"model", l.model,
		"iterations", st.iterations,
		"input_tokens", st.inputTokens,
		"output_tokens", st.outputTokens,
		"exhausted", exhausted,
		"elapsed", elapsed.Round(time.Millisecond),
	)

	st.exhausted = exhausted
	l.record(st, content)
	return res, nil
}

// record persists the run when a store is configured. Persistence
// failures are logged, never surfaced: the answer already exists.
func (l *Loop) record(st *runState, content string) {
	if l.store == nil {
		return
	}

	completed := l.now()
	err := l.store.Record(context.Background(), &usage.Record{
		ID:             st.runID,
		UserID:         st.userID,
		ConversationID: st.convID,
		Model:          l.model,
		Prompt:         st.prompt,
		Reply:          content,
		Iterations:     st.iterations,
		MaxIterations:  l.maxIter,
		InputTokens:    st.inputTokens,
		OutputTokens:   st.outputTokens,
		Exhausted:      st.exhausted,
		ToolsCalled:    st.toolsCalled,
		StartedAt:      st.started,
		CompletedAt:    completed,
		DurationMs:     completed.Sub(st.started).Milliseconds(),
		Error:          st.errMsg,
	})
	if err != nil {
		l.logger.Warn("failed to persist run record",
			"run_id", st.runID,
			"error", err,
		)
	}
}

// countToolCalls tallies tool invocations by name across a message
// history.
func countToolCalls(messages []llm.Message) map[string]int {
	counts := make(map[string]int)
	for _, msg := range messages {
		for _, tc := range msg.ToolCalls {
			if tc.Function.Name != "" {
				counts[tc.Function.Name]++
			}
		}
	}
	if len(counts) == 0 {
		return nil
	}
	return counts
}

// truncate shortens a string to maxLen characters, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
