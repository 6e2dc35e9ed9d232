// Package config handles BizPilot configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./bizpilot.yaml, ~/.config/bizpilot/bizpilot.yaml, /etc/bizpilot/bizpilot.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"bizpilot.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "bizpilot", "bizpilot.yaml"))
	}

	paths = append(paths, "/etc/bizpilot/bizpilot.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all BizPilot configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	LLM       LLMConfig       `yaml:"llm"`
	Redis     RedisConfig     `yaml:"redis"`
	Cache     CacheConfig     `yaml:"cache"`
	Quota     QuotaConfig     `yaml:"quota"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Storage   StorageConfig   `yaml:"storage"`
	Auth      AuthConfig      `yaml:"auth"`
	Search    SearchConfig    `yaml:"search"`
	Agent     AgentConfig     `yaml:"agent"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text, json, or pretty
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// LLMConfig defines the model provider connection. The endpoint speaks
// the OpenAI chat-completions dialect, which covers OpenRouter and any
// compatible gateway.
type LLMConfig struct {
	BaseURL        string   `yaml:"base_url"`
	APIKey         string   `yaml:"api_key"`
	Model          string   `yaml:"model"`
	FallbackModels []string `yaml:"fallback_models"`
	MaxTokens      int      `yaml:"max_tokens"`
	Temperature    float64  `yaml:"temperature"`
	TimeoutSec     int      `yaml:"timeout_sec"`
}

// RedisConfig defines the cache backend connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// CacheConfig defines cache behavior. TTL overrides are in seconds;
// zero means the built-in default for that class.
type CacheConfig struct {
	Enabled bool      `yaml:"enabled"`
	TTL     TTLConfig `yaml:"ttl"`
}

// TTLConfig overrides per-class cache lifetimes, in seconds.
type TTLConfig struct {
	Default   int `yaml:"default"`
	Analytics int `yaml:"analytics"`
	FileList  int `yaml:"file_list"`
	User      int `yaml:"user"`
	Forecast  int `yaml:"forecast"`
	Research  int `yaml:"research"`
}

// QuotaConfig defines daily ceilings for metered external resources.
type QuotaConfig struct {
	ResearchDailyLimit int `yaml:"research_daily_limit"`
}

// RateLimitConfig defines the per-user request rate limit.
type RateLimitConfig struct {
	PerMinute int `yaml:"per_minute"`
	Burst     int `yaml:"burst"`
}

// StorageConfig defines dataset storage limits. Files live under
// <data_dir>/files.
type StorageConfig struct {
	MaxUploadMB int `yaml:"max_upload_mb"`
}

// AuthConfig defines credential issuance settings.
type AuthConfig struct {
	JWTSecret     string `yaml:"jwt_secret"`
	TokenTTLHours int    `yaml:"token_ttl_hours"`
}

// SearchConfig defines the web search provider used to ground market
// research. Research still works without one, on model knowledge alone.
type SearchConfig struct {
	Provider   string `yaml:"provider"` // "brave", "searxng", or "" to disable
	APIKey     string `yaml:"api_key"`  // brave only
	URL        string `yaml:"url"`      // searxng instance base URL
	MaxResults int    `yaml:"max_results"`
}

// AgentConfig bounds the orchestration loop.
type AgentConfig struct {
	MaxIterations  int `yaml:"max_iterations"`
	ToolTimeoutSec int `yaml:"tool_timeout_sec"`
}

// Load reads configuration from a YAML file. Values unmarshal over
// Default(), so omitted keys keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		LLM: LLMConfig{
			BaseURL:     "https://openrouter.ai/api/v1",
			Model:       "openai/gpt-oss-120b:free",
			MaxTokens:   2048,
			Temperature: 0.7,
			TimeoutSec:  120,
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Cache: CacheConfig{Enabled: true},
		Quota: QuotaConfig{ResearchDailyLimit: 100},
		RateLimit: RateLimitConfig{
			PerMinute: 60,
			Burst:     10,
		},
		Storage: StorageConfig{MaxUploadMB: 10},
		Auth:    AuthConfig{TokenTTLHours: 24},
		Search:  SearchConfig{MaxResults: 5},
		Agent: AgentConfig{
			MaxIterations:  5,
			ToolTimeoutSec: 60,
		},
		DataDir: "data",
	}
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures. Called once at startup; a non-nil error is fatal.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	if c.Agent.MaxIterations < 1 {
		return fmt.Errorf("agent.max_iterations must be at least 1")
	}
	if c.Storage.MaxUploadMB < 1 {
		return fmt.Errorf("storage.max_upload_mb must be at least 1")
	}
	if c.LLM.BaseURL == "" {
		return fmt.Errorf("llm.base_url is required")
	}
	switch c.Search.Provider {
	case "", "brave", "searxng":
	default:
		return fmt.Errorf("search.provider %q unknown (expected brave or searxng)", c.Search.Provider)
	}
	return nil
}
