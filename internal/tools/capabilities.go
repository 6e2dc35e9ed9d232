package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bizpilot/bizpilot/internal/analytics"
	"github.com/bizpilot/bizpilot/internal/cache"
	"github.com/bizpilot/bizpilot/internal/dataset"
	"github.com/bizpilot/bizpilot/internal/forecast"
	"github.com/bizpilot/bizpilot/internal/quota"
	"github.com/bizpilot/bizpilot/internal/research"
)

// queryInstruction tells the model what to do with the data summary
// attached to a query_sales_data result.
const queryInstruction = "Analyze the data_summary above and provide a clear, specific answer to the user's question. Include relevant numbers, trends, and actionable insights."

func (r *Registry) registerBuiltins() {
	r.Register(&Tool{
		Name:        "list_available_files",
		Description: "List the sales data files the current user has uploaded. Use this to discover which datasets exist before analyzing one.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: r.handleListFiles,
	})

	r.Register(&Tool{
		Name:        "analyze_sales_file",
		Description: "Run a full analytics pass over an uploaded sales file: totals, statistics, top and bottom products, and sales grouped by category, region, and time period.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"filename": map[string]any{
					"type":        "string",
					"description": "Name of an uploaded file, exactly as returned by list_available_files",
				},
			},
			"required": []string{"filename"},
		},
		Handler: r.handleAnalyzeFile,
	})

	r.Register(&Tool{
		Name:        "query_sales_data",
		Description: "Answer a specific question about an uploaded sales file. Returns the question together with a computed data summary to ground the answer in.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"filename": map[string]any{
					"type":        "string",
					"description": "Name of an uploaded file, exactly as returned by list_available_files",
				},
				"question": map[string]any{
					"type":        "string",
					"description": "The user's question about this data",
				},
			},
			"required": []string{"filename", "question"},
		},
		Handler: r.handleQueryData,
	})

	r.Register(&Tool{
		Name:        "forecast_sales_demand",
		Description: "Forecast daily sales for an uploaded file by projecting the linear trend of its history. Horizons outside 1-365 days are clamped, not rejected.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"filename": map[string]any{
					"type":        "string",
					"description": "Name of an uploaded file, exactly as returned by list_available_files",
				},
				"periods": map[string]any{
					"type":        "integer",
					"description": "Days to forecast (default 30, maximum 365)",
				},
			},
			"required": []string{"filename"},
		},
		Handler: r.handleForecast,
	})

	r.Register(&Tool{
		Name:        "conduct_market_research",
		Description: "Research the market for a business idea: competitors, pricing, trends, and opportunities. Higher depth levels take longer and may consult web search.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"idea": map[string]any{
					"type":        "string",
					"description": "The business idea or product to research",
				},
				"target_customer": map[string]any{
					"type":        "string",
					"description": "Who the product is for (default: general consumers)",
				},
				"geography": map[string]any{
					"type":        "string",
					"description": "Target market region (default: Global)",
				},
				"depth_level": map[string]any{
					"type":        "integer",
					"description": "1 = quick scan, 2 = standard analysis, 3 = deep dive (default 2)",
				},
			},
			"required": []string{"idea"},
		},
		Handler: r.handleResearch,
	})
}

// requireUser pulls the merged user identity out of the arguments.
// Handlers re-check it even though Execute merges the trusted caller,
// because arguments cannot be trusted to carry one.
func requireUser(args map[string]any) (string, error) {
	uid, ok := stringArg(args, "user_id")
	if !ok {
		return "", &ValidationError{Field: "user_id", Reason: "caller identity missing"}
	}
	return uid, nil
}

func (r *Registry) handleListFiles(ctx context.Context, args map[string]any) (string, error) {
	userID, err := requireUser(args)
	if err != nil {
		return "", err
	}

	return r.computeOrFetch(ctx, cache.FileListKey(userID), r.ttls.FileList, func() (string, error) {
		infos, err := r.files.List(ctx, userID)
		if err != nil {
			return "", fmt.Errorf("listing files: %w", err)
		}
		names := make([]string, 0, len(infos))
		for _, fi := range infos {
			names = append(names, fi.Name)
		}
		return marshalResult(map[string]any{
			"status":      "success",
			"total_files": len(names),
			"files":       names,
		})
	})
}

func (r *Registry) handleAnalyzeFile(ctx context.Context, args map[string]any) (string, error) {
	userID, err := requireUser(args)
	if err != nil {
		return "", err
	}
	filename, ok := stringArg(args, "filename")
	if !ok {
		return "", &ValidationError{Field: "filename", Reason: "required"}
	}

	return r.analyticsReport(ctx, userID, filename)
}

func (r *Registry) handleQueryData(ctx context.Context, args map[string]any) (string, error) {
	userID, err := requireUser(args)
	if err != nil {
		return "", err
	}
	filename, ok := stringArg(args, "filename")
	if !ok {
		return "", &ValidationError{Field: "filename", Reason: "required"}
	}
	question, ok := stringArg(args, "question")
	if !ok {
		return "", &ValidationError{Field: "question", Reason: "required"}
	}

	summary, err := r.analyticsReport(ctx, userID, filename)
	if err != nil {
		return "", err
	}
	return marshalResult(map[string]any{
		"question":     question,
		"data_summary": json.RawMessage(summary),
		"instruction":  queryInstruction,
	})
}

func (r *Registry) handleForecast(ctx context.Context, args map[string]any) (string, error) {
	userID, err := requireUser(args)
	if err != nil {
		return "", err
	}
	filename, ok := stringArg(args, "filename")
	if !ok {
		return "", &ValidationError{Field: "filename", Reason: "required"}
	}

	periods := forecast.DefaultHorizon
	if p, ok := intArg(args, "periods"); ok {
		periods = p
	}
	// Key on the clamped horizon so 400 and 4000 share one entry.
	periods = forecast.ClampHorizon(periods)

	return r.computeOrFetch(ctx, cache.ForecastKey(userID, filename, periods), r.ttls.Forecast, func() (string, error) {
		table, err := r.loadTable(ctx, userID, filename)
		if err != nil {
			return "", err
		}
		rep, err := forecast.Demand(table, periods)
		if err != nil {
			return "", err
		}
		return marshalResult(rep)
	})
}

func (r *Registry) handleResearch(ctx context.Context, args map[string]any) (string, error) {
	if r.research == nil {
		return "", &UnavailableError{Capability: "market research", Reason: "no research engine configured"}
	}

	idea, ok := stringArg(args, "idea")
	if !ok {
		return "", &ValidationError{Field: "idea", Reason: "required"}
	}
	customer, _ := stringArg(args, "target_customer")
	geography, _ := stringArg(args, "geography")
	depth := research.DepthMedium
	if d, ok := intArg(args, "depth_level"); ok {
		depth = d
	}
	depth = research.ClampDepth(depth)

	// A cache hit costs nothing, so the quota check happens inside the
	// compute path, the same order as checking permits only when about
	// to spend.
	key := cache.ResearchKey(idea, customer, geography, depth)
	return r.computeOrFetch(ctx, key, r.ttls.Research, func() (string, error) {
		if r.quota != nil {
			if err := r.quota.Allow(ctx, quota.ScopeResearch, r.researchLimit); err != nil {
				return "", err
			}
		}

		rep, err := r.research.Run(ctx, research.Request{
			Idea:      idea,
			Customer:  customer,
			Geography: geography,
			Depth:     depth,
		})
		if err != nil {
			return "", fmt.Errorf("market research: %w", err)
		}

		if r.quota != nil {
			if _, err := r.quota.Record(ctx, quota.ScopeResearch); err != nil {
				r.logger.Warn("recording research usage", "error", err)
			}
		}
		return marshalResult(rep)
	})
}

// analyticsReport computes, or returns the cached, analytics summary
// for one dataset. Shared by analyze_sales_file and query_sales_data so
// both capabilities hit the same cache entry.
func (r *Registry) analyticsReport(ctx context.Context, userID, filename string) (string, error) {
	return r.computeOrFetch(ctx, cache.AnalyticsKey(userID, filename), r.ttls.Analytics, func() (string, error) {
		table, err := r.loadTable(ctx, userID, filename)
		if err != nil {
			return "", err
		}
		return marshalResult(analytics.Summarize(table))
	})
}

func (r *Registry) loadTable(ctx context.Context, userID, filename string) (*dataset.Table, error) {
	rc, err := r.files.Open(ctx, userID, filename)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	table, err := dataset.Parse(filename, rc)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", filename, err)
	}
	return table, nil
}

// InvalidateFile synchronously drops every cached result derived from
// one dataset, so a completed delete is never followed by a stale
// read. The file listing goes too since it names the file.
func (r *Registry) InvalidateFile(ctx context.Context, userID, filename string) {
	if r.cache == nil {
		return
	}
	r.cache.Delete(ctx, cache.AnalyticsKey(userID, filename))
	forecasts := r.cache.DeletePattern(ctx, cache.ForecastPattern(userID, filename))
	r.cache.Delete(ctx, cache.FileListKey(userID))
	r.logger.Debug("invalidated dataset caches",
		"user_id", userID, "filename", filename, "forecasts", forecasts)
}

// InvalidateFileList drops only the listing entry, for mutations that
// add a file without touching derived results.
func (r *Registry) InvalidateFileList(ctx context.Context, userID string) {
	if r.cache == nil {
		return
	}
	r.cache.Delete(ctx, cache.FileListKey(userID))
}
