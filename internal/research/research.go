// Package research produces market research briefs at three depth
// levels. Depth 1 is a quick scan straight from the model; deeper
// levels ground the prompt in fresh web results before asking.
package research

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bizpilot/bizpilot/internal/fetch"
	"github.com/bizpilot/bizpilot/internal/llm"
	"github.com/bizpilot/bizpilot/internal/search"
)

// Depth levels for a research request.
const (
	DepthQuick  = 1
	DepthMedium = 2
	DepthDeep   = 3
)

const (
	maxFetchPages   = 2
	fetchCharBudget = 4000
)

// Request describes what to research.
type Request struct {
	Idea      string
	Customer  string
	Geography string
	Depth     int
}

// Report is the finished brief.
type Report struct {
	Level    int             `json:"level"`
	Idea     string          `json:"idea"`
	Research string          `json:"research"`
	Sources  []search.Result `json:"sources,omitempty"`
}

// Engine runs research requests through the model.
type Engine struct {
	client     llm.Client
	model      string
	search     *search.Manager
	fetcher    *fetch.Fetcher
	maxResults int
	logger     *slog.Logger
}

// NewEngine creates a research engine. Web grounding is off until
// EnableWebGrounding is called.
func NewEngine(client llm.Client, model string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		client: client,
		model:  model,
		logger: logger.With("component", "research"),
	}
}

// EnableWebGrounding wires in search and page fetching for depth 2+
// requests.
func (e *Engine) EnableWebGrounding(mgr *search.Manager, fetcher *fetch.Fetcher, maxResults int) {
	if maxResults <= 0 {
		maxResults = 5
	}
	e.search = mgr
	e.fetcher = fetcher
	e.maxResults = maxResults
}

// ClampDepth normalizes a requested depth into [DepthQuick, DepthDeep].
func ClampDepth(depth int) int {
	if depth < DepthQuick {
		return DepthQuick
	}
	if depth > DepthDeep {
		return DepthDeep
	}
	return depth
}

// Run executes one research request. Depth is clamped to [1, 3].
func (e *Engine) Run(ctx context.Context, req Request) (*Report, error) {
	idea := strings.TrimSpace(req.Idea)
	if idea == "" {
		return nil, fmt.Errorf("research: idea is required")
	}

	depth := ClampDepth(req.Depth)

	customer := strings.TrimSpace(req.Customer)
	if customer == "" {
		customer = "general consumers"
	}
	geography := strings.TrimSpace(req.Geography)
	if geography == "" {
		geography = "Global"
	}

	sources, findings := e.gatherFindings(ctx, idea, geography, depth)
	prompt := buildPrompt(idea, customer, geography, depth, findings)

	e.logger.Debug("running research",
		"idea", idea,
		"depth", depth,
		"sources", len(sources),
	)

	resp, err := e.client.Chat(ctx, e.model, []llm.Message{{Role: "user", Content: prompt}}, nil)
	if err != nil {
		return nil, fmt.Errorf("research: %w", err)
	}

	return &Report{
		Level:    depth,
		Idea:     idea,
		Research: resp.Message.Content,
		Sources:  sources,
	}, nil
}

// gatherFindings collects web context for the prompt. Depth 2 uses
// search snippets; depth 3 also pulls the text of the top pages.
// Failures degrade to an ungrounded brief rather than erroring out.
func (e *Engine) gatherFindings(ctx context.Context, idea, geography string, depth int) ([]search.Result, string) {
	if depth < DepthMedium || e.search == nil || !e.search.Configured() {
		return nil, ""
	}

	query := fmt.Sprintf("%s market analysis %s", idea, geography)
	results, err := e.search.Search(ctx, query, search.Options{Count: e.maxResults})
	if err != nil {
		e.logger.Warn("search failed, continuing without web grounding", "error", err)
		return nil, ""
	}
	if len(results) == 0 {
		return nil, ""
	}

	var b strings.Builder
	b.WriteString(search.FormatResults(results))

	if depth >= DepthDeep && e.fetcher != nil {
		for i, r := range results {
			if i >= maxFetchPages {
				break
			}
			page, err := e.fetcher.Fetch(ctx, r.URL, fetchCharBudget)
			if err != nil {
				e.logger.Warn("page fetch failed", "url", r.URL, "error", err)
				continue
			}
			fmt.Fprintf(&b, "\n\nPage %d: %s (%s)\n%s", i+1, page.Title, page.URL, page.Content)
		}
	}

	return results, b.String()
}

func buildPrompt(idea, customer, geography string, depth int, findings string) string {
	var b strings.Builder

	switch depth {
	case DepthQuick:
		fmt.Fprintf(&b, `You are a market research analyst. Provide a QUICK market scan for:

Idea: %s
Target Customer: %s
Geography: %s

Provide:
1. Estimated market size (rough)
2. Top 3-5 competitors
3. SWOT summary (brief)
4. 2-3 opportunity areas

Keep it concise and actionable.`, idea, customer, geography)

	case DepthMedium:
		fmt.Fprintf(&b, `You are a market research analyst. Provide MEDIUM depth research for:

Idea: %s
Target Customer: %s
Geography: %s

Provide:
1. Market size estimates with sources
2. Detailed competitor analysis (products, pricing, positioning)
3. Customer pain points
4. Existing solutions breakdown
5. Demand signals and trends

Be detailed but stay under 1000 words.`, idea, customer, geography)

	default:
		fmt.Fprintf(&b, `You are a senior market research analyst. Provide DEEP research for:

Idea: %s
Target Customer: %s
Geography: %s

Provide a comprehensive report including:
1. Full competitive intelligence
2. Feature gap analysis
3. Market segmentation
4. Geographic trends
5. Customer sentiment analysis
6. Porter's 5 Forces
7. Marketing mix (7Ps)
8. Executive summary

Make it detailed and professional.`, idea, customer, geography)
	}

	if findings != "" {
		b.WriteString("\n\nRecent web findings to ground your analysis:\n\n")
		b.WriteString(findings)
	}

	return b.String()
}
