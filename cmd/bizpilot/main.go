// BizPilot is a sales analytics backend with a conversational agent.
//
// Users upload tabular sales data, and the agent answers questions
// about it by invoking backend capabilities: file listing, analytics,
// demand forecasting, and market research. Expensive computations are
// memoized in a shared Redis cache; the metered research path runs
// under a daily quota. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	bizpilot serve             Start the API server
//	bizpilot init [dir]        Initialize a working directory with defaults
//	bizpilot ask <prompt>      Run one agent invocation (for testing)
//	bizpilot version           Print version and build information
//	bizpilot -o json version   Output version information as JSON
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/bizpilot/bizpilot/internal/agent"
	"github.com/bizpilot/bizpilot/internal/api"
	"github.com/bizpilot/bizpilot/internal/auth"
	"github.com/bizpilot/bizpilot/internal/buildinfo"
	"github.com/bizpilot/bizpilot/internal/cache"
	"github.com/bizpilot/bizpilot/internal/config"
	"github.com/bizpilot/bizpilot/internal/fetch"
	"github.com/bizpilot/bizpilot/internal/llm"
	"github.com/bizpilot/bizpilot/internal/quota"
	"github.com/bizpilot/bizpilot/internal/ratelimit"
	"github.com/bizpilot/bizpilot/internal/research"
	"github.com/bizpilot/bizpilot/internal/search"
	"github.com/bizpilot/bizpilot/internal/storage"
	"github.com/bizpilot/bizpilot/internal/tools"
	"github.com/bizpilot/bizpilot/internal/usage"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the bizpilot command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of the server and background goroutines.
//   - stdout and stderr receive all program output. Structured logs go
//     to stdout; fatal error messages go to stderr.
//   - args is os.Args[1:]. Arguments are parsed manually rather than
//     with the flag package, whose package-level globals interfere
//     with calling run() concurrently from tests.
//
// run returns nil on clean shutdown and a non-nil error for any failure.
// The caller (main) is responsible for printing the error and exiting.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var userID string    // for ask
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-user" && i+1 < len(args):
			userID = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-user="):
			userID = strings.TrimPrefix(args[i], "-user=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: bizpilot ask <prompt>")
		}
		return runAsk(ctx, stdout, configPath, userID, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when
// bizpilot is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "BizPilot - Sales Analytics Agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: bizpilot [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  ask          Run one agent invocation (for testing)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -user <id>        User identity for ask (default: cli)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./bizpilot.yaml, ~/.config/bizpilot/bizpilot.yaml, /etc/bizpilot/bizpilot.yaml")
	return nil
}

// runAsk handles the "bizpilot ask <prompt>" subcommand. It boots the
// core services without the HTTP surface and runs a single
// orchestration invocation, printing the answer to stdout. Useful for
// smoke tests and debugging without starting the server.
func runAsk(ctx context.Context, stdout io.Writer, configPath, userID string, args []string) error {
	logger := newLogger(stdout, slog.LevelWarn, "text")

	prompt := strings.Join(args, " ")
	if userID == "" {
		userID = "cli"
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	core, err := buildCore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer core.Close()

	result, err := core.Loop.Run(ctx, agent.Request{UserID: userID, Prompt: prompt})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	fmt.Fprintln(stdout, result.Content)
	return nil
}

// runServe handles the "bizpilot serve" subcommand. It is the primary
// operating mode: loads config, connects to Redis and SQLite, wires the
// capability registry and orchestration loop, starts the API server,
// and blocks until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The HTTP server drains in-flight requests
//  3. Database and cache connections are closed via defers
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting BizPilot", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Serving requires credentials that ask and init can do without.
	// Missing configuration is a startup failure, not a runtime one.
	if cfg.LLM.APIKey == "" {
		return fmt.Errorf("llm.api_key is required to serve")
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required to serve")
	}

	// Reconfigure the logger now that the desired level and format are
	// known. The initial Info-level text logger covers only the startup
	// banner and config load.
	{
		level := slog.LevelInfo
		if cfg.LogLevel != "" {
			// Already validated by config.Validate, so this error path
			// should be unreachable in practice.
			level, _ = config.ParseLogLevel(cfg.LogLevel)
		}
		logger = newLogger(stdout, level, cfg.LogFormat)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.LLM.Model,
		"cache_enabled", cfg.Cache.Enabled,
	)

	core, err := buildCore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer core.Close()

	if core.Cache.Enabled() {
		logger.Info("cache connected", "addr", cfg.Redis.Addr)
	} else {
		logger.Warn("cache unavailable - running without memoization")
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, core.Loop, core.Auth, core.Files, core.Registry, logger)
	server.SetCacheStore(core.Cache)
	server.SetUsageStore(core.Usage)
	server.SetQuotaTracker(core.Quota)
	server.SetRateLimiter(ratelimit.New(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst))
	server.SetMaxUploadMB(cfg.Storage.MaxUploadMB)

	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		_ = server.Shutdown(context.Background())
	}()

	// Start blocks until the server is shut down, via context
	// cancellation or fatal error.
	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("BizPilot stopped")
	return nil
}

// core bundles the services shared by serve and ask.
type core struct {
	Cache    *cache.Store
	Quota    *quota.Tracker
	Files    storage.Store
	Registry *tools.Registry
	Loop     *agent.Loop
	Auth     *auth.Service
	Usage    *usage.Store

	db *sql.DB
}

// Close releases the core's connections in reverse construction order.
func (c *core) Close() {
	if c.db != nil {
		_ = c.db.Close()
	}
	if c.Cache != nil {
		_ = c.Cache.Close()
	}
}

// buildCore wires the full service graph from configuration: cache,
// quota tracker, dataset storage, model client, capability registry,
// orchestration loop, and the SQLite-backed auth and usage stores.
// Everything is passed by handle; no component reaches for globals.
func buildCore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// All persistent state lives under the data directory: the SQLite
	// database, uploaded datasets, and the quota fallback file.
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// Cache first: the quota tracker and capability registry sit on it.
	// New never fails; an unreachable backend yields a disabled store
	// and the process runs without memoization.
	cacheStore := cache.New(ctx, cache.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Disabled: !cfg.Cache.Enabled,
	}, logger)

	tracker := quota.New(cacheStore, cfg.DataDir, logger)

	files, err := storage.NewLocal(filepath.Join(cfg.DataDir, "files"), cfg.Storage.MaxUploadMB, logger)
	if err != nil {
		cacheStore.Close()
		return nil, fmt.Errorf("open dataset storage: %w", err)
	}

	// Model client with fallback models tried in config order.
	openai := llm.NewOpenAIClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, logger)
	openai.SetGeneration(cfg.LLM.MaxTokens, cfg.LLM.Temperature)
	openai.SetSiteAttribution("https://github.com/bizpilot/bizpilot", "BizPilot")
	if cfg.LLM.TimeoutSec > 0 {
		openai.SetTimeout(time.Duration(cfg.LLM.TimeoutSec) * time.Second)
	}
	client := llm.NewMultiClient(openai, cfg.LLM.FallbackModels, logger)

	registry := tools.NewRegistry(files, cacheStore, tracker, logger)
	registry.SetTTLs(ttlsFromConfig(cfg.Cache.TTL))

	// Market research: always registered, web-grounded only when a
	// search provider is configured.
	engine := research.NewEngine(client, cfg.LLM.Model, logger)
	if mgr := buildSearch(cfg.Search); mgr.Configured() {
		engine.EnableWebGrounding(mgr, fetch.New(), cfg.Search.MaxResults)
		logger.Info("research web grounding enabled", "provider", cfg.Search.Provider)
	} else {
		logger.Info("research runs on model knowledge alone (no search provider)")
	}
	registry.EnableResearch(engine, int64(cfg.Quota.ResearchDailyLimit))

	// One SQLite database holds users and usage records.
	dbPath := filepath.Join(cfg.DataDir, "bizpilot.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		cacheStore.Close()
		return nil, fmt.Errorf("open database %s: %w", dbPath, err)
	}

	authStore, err := auth.NewStore(db)
	if err != nil {
		db.Close()
		cacheStore.Close()
		return nil, fmt.Errorf("init auth store: %w", err)
	}
	authSvc := auth.NewService(authStore, []byte(cfg.Auth.JWTSecret), logger)
	authSvc.SetCache(cacheStore)
	if cfg.Auth.TokenTTLHours > 0 {
		authSvc.SetTokenTTL(time.Duration(cfg.Auth.TokenTTLHours) * time.Hour)
	}

	usageStore, err := usage.NewStore(db)
	if err != nil {
		db.Close()
		cacheStore.Close()
		return nil, fmt.Errorf("init usage store: %w", err)
	}

	loop := agent.New(client, registry, cfg.LLM.Model, logger)
	loop.SetMaxIterations(cfg.Agent.MaxIterations)
	if cfg.Agent.ToolTimeoutSec > 0 {
		loop.SetToolTimeout(time.Duration(cfg.Agent.ToolTimeoutSec) * time.Second)
	}
	loop.SetStore(usageStore)

	return &core{
		Cache:    cacheStore,
		Quota:    tracker,
		Files:    files,
		Registry: registry,
		Loop:     loop,
		Auth:     authSvc,
		Usage:    usageStore,
		db:       db,
	}, nil
}

// buildSearch assembles the search manager from config. The returned
// manager reports Configured() == false when no provider is usable.
func buildSearch(cfg config.SearchConfig) *search.Manager {
	mgr := search.NewManager(cfg.Provider)
	switch cfg.Provider {
	case "brave":
		if cfg.APIKey != "" {
			mgr.Register(search.NewBrave(cfg.APIKey))
		}
	case "searxng":
		if cfg.URL != "" {
			mgr.Register(search.NewSearXNG(cfg.URL))
		}
	}
	return mgr
}

// ttlsFromConfig overlays config overrides (in seconds) onto the
// built-in per-class cache lifetimes.
func ttlsFromConfig(t config.TTLConfig) cache.TTLs {
	ttls := cache.DefaultTTLs()
	if t.Default > 0 {
		ttls.Default = time.Duration(t.Default) * time.Second
	}
	if t.Analytics > 0 {
		ttls.Analytics = time.Duration(t.Analytics) * time.Second
	}
	if t.FileList > 0 {
		ttls.FileList = time.Duration(t.FileList) * time.Second
	}
	if t.User > 0 {
		ttls.User = time.Duration(t.User) * time.Second
	}
	if t.Forecast > 0 {
		ttls.Forecast = time.Duration(t.Forecast) * time.Second
	}
	if t.Research > 0 {
		ttls.Research = time.Duration(t.Research) * time.Second
	}
	return ttls
}

// newLogger creates a structured logger that writes to w at the given
// level and format ("text", "json", or "pretty"). All log output goes
// through slog; this helper standardizes handler configuration across
// subcommands.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	return slog.New(config.NewLogHandler(w, format, level))
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used and must exist.
// Otherwise [config.FindConfig] searches the default locations.
// Returns the parsed config, the path that was loaded, and any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
