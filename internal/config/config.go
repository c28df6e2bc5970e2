// Package config loads taskweave configuration from YAML with environment
// overrides. A missing config file yields defaults, not an error.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all taskweave configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Model gateway configuration
	Models ModelsConfig `yaml:"models"`

	// Code agent loop budgets
	Agent AgentConfig `yaml:"agent"`

	// Tool catalog configuration
	Tools ToolsConfig `yaml:"tools"`

	// Deep-search planner configuration
	DeepSearch DeepSearchConfig `yaml:"deep_search"`

	// Session store configuration
	Session SessionConfig `yaml:"session"`

	// Knowledge graph store configuration
	Graph GraphConfig `yaml:"graph"`

	// RL meta-selector configuration
	RL RLConfig `yaml:"rl"`

	// Retrieval configuration
	RAG RAGConfig `yaml:"rag"`

	// Web search configuration
	WebSearch WebSearchConfig `yaml:"web_search"`

	// Browser agent configuration
	Browser BrowserConfig `yaml:"browser"`

	// Static file directory for materialized answer assets
	StaticDir string `yaml:"static_dir"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ModelsConfig names the models used by each role and their endpoints.
// Model identifiers with a "local_" prefix route to the local endpoint.
type ModelsConfig struct {
	Provider     string `yaml:"provider"` // openai, gemini
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	LocalBaseURL string `yaml:"local_base_url"` // Ollama-compatible endpoint

	Chat      string `yaml:"chat"`      // planner/evaluator/repair model
	Vision    string `yaml:"vision"`    // browser agent model
	Small     string `yaml:"small"`     // cheap classifier model
	Embedding string `yaml:"embedding"` // embedding model

	Timeout    string `yaml:"timeout"`
	MaxRetries int    `yaml:"max_retries"` // parse/protocol failures
}

// AgentConfig bounds the plan/validate/execute/repair/evaluate loop.
type AgentConfig struct {
	MaxIterations     int `yaml:"max_iterations"`     // plan iterations before the ceiling warning
	ValidationRetries int `yaml:"validation_retries"` // V: repair attempts after static validation failure
	ExecutionRetries  int `yaml:"execution_retries"`  // E: repair attempts after runtime failure
	MemoryLogRecords  int `yaml:"memory_log_records"` // trim for the evaluator's log snapshot
	StepTimeout       string `yaml:"step_timeout"`
}

// ToolsConfig gates the built-in tool set and names the user tool file.
type ToolsConfig struct {
	BuiltinEnabled bool            `yaml:"builtin_enabled"`
	Activation     map[string]bool `yaml:"activation"` // per-name toggles for builtins
	UserToolsPath  string          `yaml:"user_tools_path"`

	// Variables substituted into tool descriptor placeholders
	// (model identifiers, credentials).
	Variables map[string]string `yaml:"variables"`
}

// DeepSearchConfig configures the DAG planner.
type DeepSearchConfig struct {
	Interactive bool     `yaml:"interactive"`  // allow user-question suspension
	DataSources []string `yaml:"data_sources"` // websearch, rag
	PurgeGraph  bool     `yaml:"purge_graph"`  // drop the session graph partition on completion
}

// SessionConfig configures the shared key-value session store.
type SessionConfig struct {
	Backend  string `yaml:"backend"` // redis, memory
	RedisURL string `yaml:"redis_url"`
	TTL      string `yaml:"ttl"`
}

// GraphConfig configures the knowledge graph store.
type GraphConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// RLConfig configures the retrieval meta-selector.
type RLConfig struct {
	Mode           string  `yaml:"mode"` // simple, neural
	Alpha          float64 `yaml:"alpha"`
	Gamma          float64 `yaml:"gamma"`
	Epsilon        float64 `yaml:"epsilon"`
	RecentErrors   int     `yaml:"recent_errors"`   // N: warm-up ring buffer size
	ErrorThreshold float64 `yaml:"error_threshold"` // theta: mean error gate
	StatePath      string  `yaml:"state_path"`      // Q table / weights + ring buffer
	HumanRating    bool    `yaml:"human_rating"`
}

// RAGConfig configures retrieval back-ends.
type RAGConfig struct {
	DatabasePath string `yaml:"database_path"` // corpus vector store
	TopK         int    `yaml:"top_k"`
}

// WebSearchConfig configures the search providers.
type WebSearchConfig struct {
	Provider     string `yaml:"provider"` // serpapi, serper
	SerpAPIKey   string `yaml:"serpapi_key"`
	SerperAPIKey string `yaml:"serper_key"`
}

// BrowserConfig configures the interactive browser agent.
type BrowserConfig struct {
	Headless        bool   `yaml:"headless"`
	CommandTimeout  string `yaml:"command_timeout"`  // per vision-model call
	FollowUpTimeout string `yaml:"followup_timeout"` // poll for out-of-band replies
	MaxTurns        int    `yaml:"max_turns"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	File  string `yaml:"file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "taskweave",
		Version: "0.4.0",

		Models: ModelsConfig{
			Provider:     "openai",
			BaseURL:      "https://api.openai.com/v1",
			LocalBaseURL: "http://localhost:11434",
			Chat:         "gpt-4o",
			Vision:       "gpt-4o",
			Small:        "gpt-4o-mini",
			Embedding:    "text-embedding-3-small",
			Timeout:      "120s",
			MaxRetries:   3,
		},

		Agent: AgentConfig{
			MaxIterations:     3,
			ValidationRetries: 3,
			ExecutionRetries:  3,
			MemoryLogRecords:  200,
			StepTimeout:       "60s",
		},

		Tools: ToolsConfig{
			BuiltinEnabled: true,
			Activation:     map[string]bool{},
			Variables:      map[string]string{},
		},

		DeepSearch: DeepSearchConfig{
			Interactive: false,
			DataSources: []string{"websearch"},
			PurgeGraph:  false,
		},

		Session: SessionConfig{
			Backend:  "memory",
			RedisURL: "redis://localhost:6379/0",
			TTL:      "24h",
		},

		Graph: GraphConfig{
			DatabasePath: "data/taskweave.db",
		},

		RL: RLConfig{
			Mode:           "simple",
			Alpha:          0.8,
			Gamma:          0.95,
			Epsilon:        0.1,
			RecentErrors:   50,
			ErrorThreshold: 0.5,
			StatePath:      "data/rl",
			HumanRating:    false,
		},

		RAG: RAGConfig{
			DatabasePath: "data/corpus.db",
			TopK:         4,
		},

		WebSearch: WebSearchConfig{
			Provider: "serper",
		},

		Browser: BrowserConfig{
			Headless:        false,
			CommandTimeout:  "5s",
			FollowUpTimeout: "60s",
			MaxTurns:        30,
		},

		StaticDir: "static",

		Logging: LoggingConfig{
			Level: "info",
			File:  "taskweave.log",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.Models.APIKey = key
		if c.Models.Provider == "" {
			c.Models.Provider = "openai"
		}
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" && c.Models.Provider == "gemini" {
		c.Models.APIKey = key
	}
	if url := os.Getenv("OLLAMA_URL"); url != "" {
		c.Models.LocalBaseURL = url
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		c.Session.RedisURL = url
		c.Session.Backend = "redis"
	}
	if key := os.Getenv("SERPAPI_KEY"); key != "" {
		c.WebSearch.SerpAPIKey = key
	}
	if key := os.Getenv("SERPER_API_KEY"); key != "" {
		c.WebSearch.SerperAPIKey = key
	}
	if path := os.Getenv("TASKWEAVE_DB"); path != "" {
		c.Graph.DatabasePath = path
	}
}

// GetModelTimeout returns the model call timeout as a duration.
func (c *Config) GetModelTimeout() time.Duration {
	d, err := time.ParseDuration(c.Models.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetStepTimeout returns the sandboxed step timeout as a duration.
func (c *Config) GetStepTimeout() time.Duration {
	d, err := time.ParseDuration(c.Agent.StepTimeout)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// GetSessionTTL returns the session TTL as a duration.
func (c *Config) GetSessionTTL() time.Duration {
	d, err := time.ParseDuration(c.Session.TTL)
	if err != nil {
		return 24 * time.Hour
	}
	return d
}

// GetCommandTimeout returns the browser command timeout as a duration.
func (c *Config) GetCommandTimeout() time.Duration {
	d, err := time.ParseDuration(c.Browser.CommandTimeout)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// GetFollowUpTimeout returns the follow-up poll timeout as a duration.
func (c *Config) GetFollowUpTimeout() time.Duration {
	d, err := time.ParseDuration(c.Browser.FollowUpTimeout)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// ValidProviders lists all supported model providers.
var ValidProviders = []string{"openai", "gemini"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validProvider := false
	for _, p := range ValidProviders {
		if c.Models.Provider == p {
			validProvider = true
			break
		}
	}
	if !validProvider {
		return fmt.Errorf("invalid model provider: %s (valid: %v)", c.Models.Provider, ValidProviders)
	}

	if c.Agent.MaxIterations < 1 {
		return fmt.Errorf("agent.max_iterations must be >= 1, got %d", c.Agent.MaxIterations)
	}
	if c.Agent.ValidationRetries < 0 || c.Agent.ExecutionRetries < 0 {
		return fmt.Errorf("repair budgets must be >= 0")
	}

	switch c.Session.Backend {
	case "redis", "memory":
	default:
		return fmt.Errorf("invalid session backend: %s (valid: redis, memory)", c.Session.Backend)
	}

	switch c.RL.Mode {
	case "simple", "neural":
	default:
		return fmt.Errorf("invalid rl mode: %s (valid: simple, neural)", c.RL.Mode)
	}

	return nil
}
