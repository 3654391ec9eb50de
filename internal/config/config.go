// Package config provides configuration loading for autodoc.
//
// Configuration is assembled once at startup from a YAML file and environment
// variables and then handed to the pipeline components as plain values. Nothing
// below cmd/ reads the environment or the filesystem for configuration.
package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Provider types understood by the provider registry.
const (
	ProviderOpenAI      = "openai"
	ProviderAnthropic   = "anthropic"
	ProviderGemini      = "gemini"
	ProviderHuggingFace = "huggingface"
	ProviderOllama      = "ollama"
)

// Store drivers.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// Config holds the complete autodoc configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Logging       LoggingConfig       `koanf:"logging"`
	Observability ObservabilityConfig `koanf:"observability"`
	GitHub        GitHubConfig        `koanf:"github"`
	Providers     []ProviderConfig    `koanf:"providers"`
	Snapshot      SnapshotConfig      `koanf:"snapshot"`
	Generator     GeneratorConfig     `koanf:"generator"`
	Deploy        DeployConfig        `koanf:"deploy"`
	Store         StoreConfig         `koanf:"store"`
	Events        EventsConfig        `koanf:"events"`
}

// ServerConfig holds MCP server and ops endpoint settings.
type ServerConfig struct {
	Name            string        `koanf:"name"`
	MetricsAddr     string        `koanf:"metrics_addr"` // empty disables the ops HTTP endpoint
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds the subset of logging settings exposed to users.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool    `koanf:"enable_telemetry"`
	ServiceName     string  `koanf:"service_name"`
	Endpoint        string  `koanf:"endpoint"`
	Protocol        string  `koanf:"protocol"` // grpc or http/protobuf
	Insecure        bool    `koanf:"insecure"`
	SampleRate      float64 `koanf:"sample_rate"`
}

// GitHubConfig holds hosting API settings.
type GitHubConfig struct {
	Token   Secret   `koanf:"token"`
	BaseURL string   `koanf:"base_url"` // GitHub Enterprise API root; empty for github.com
	Timeout Duration `koanf:"timeout"`
}

// ProviderConfig describes one language model backend.
type ProviderConfig struct {
	Name              string   `koanf:"name"`
	Type              string   `koanf:"type"`
	Model             string   `koanf:"model"`
	BaseURL           string   `koanf:"base_url"`
	APIKey            Secret   `koanf:"api_key"`
	APIKeyEnv         string   `koanf:"api_key_env"`
	Priority          int      `koanf:"priority"`
	Timeout           Duration `koanf:"timeout"`
	Cooldown          Duration `koanf:"cooldown"`
	MaxRetries        *int     `koanf:"max_retries"` // nil means DefaultProviderRetries
	MaxContextBytes   int      `koanf:"max_context_bytes"`
	Temperature       float64  `koanf:"temperature"`
	RequestsPerMinute float64  `koanf:"requests_per_minute"`
}

// Retries returns the retry budget for transient failures. An explicit 0
// disables retries.
func (p ProviderConfig) Retries() int {
	if p.MaxRetries == nil {
		return DefaultProviderRetries
	}
	return *p.MaxRetries
}

// NeedsCredential reports whether the provider type requires an API key.
func (p ProviderConfig) NeedsCredential() bool {
	return p.Type != ProviderOllama
}

// SnapshotConfig bounds repository snapshots.
type SnapshotConfig struct {
	MaxBytes     int      `koanf:"max_bytes"`
	MaxFileSize  int64    `koanf:"max_file_size"`
	SummaryLines int      `koanf:"summary_lines"`
	Exclude      []string `koanf:"exclude"`
	ScrubSecrets bool     `koanf:"scrub_secrets"`
}

// GeneratorConfig controls prompt construction and output validation.
type GeneratorConfig struct {
	Kind      string `koanf:"kind"`
	MaxTokens int    `koanf:"max_tokens"`
	MaxBytes  int    `koanf:"max_bytes"`
	CacheSize int    `koanf:"cache_size"`
}

// DeployConfig controls branch, commit and pull request creation.
type DeployConfig struct {
	BranchPrefix  string      `koanf:"branch_prefix"`
	TargetPath    string      `koanf:"target_path"`
	CommitMessage string      `koanf:"commit_message"`
	PRTitle       string      `koanf:"pr_title"`
	Draft         bool        `koanf:"draft"`
	Retry         RetryConfig `koanf:"retry"`
}

// RetryConfig configures bounded exponential backoff for idempotent calls.
type RetryConfig struct {
	MaxRetries        *int     `koanf:"max_retries"` // nil means DefaultRetries
	InitialBackoff    Duration `koanf:"initial_backoff"`
	MaxBackoff        Duration `koanf:"max_backoff"`
	BackoffMultiplier float64  `koanf:"backoff_multiplier"`
}

// Default retry budgets used when max_retries is left out.
const (
	DefaultProviderRetries = 2
	DefaultRetries         = 3
)

// Retries returns the retry budget. An explicit 0 disables retries.
func (c RetryConfig) Retries() int {
	if c.MaxRetries == nil {
		return DefaultRetries
	}
	return *c.MaxRetries
}

// Int returns a pointer to v, for optional integer settings.
func Int(v int) *int { return &v }

// StoreConfig selects the deployment record store.
type StoreConfig struct {
	Driver string `koanf:"driver"`
	Path   string `koanf:"path"`
}

// EventsConfig configures lifecycle event publishing.
type EventsConfig struct {
	NATSURL       string `koanf:"nats_url"` // empty disables publishing
	SubjectPrefix string `koanf:"subject_prefix"`
}

// Default returns a configuration with every default applied. The built-in
// providers carry no credentials.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// DefaultProviders returns the built-in provider set in fallback order.
// Credentials are resolved from the named environment variables at load time.
func DefaultProviders() []ProviderConfig {
	return []ProviderConfig{
		{Name: "openai", Type: ProviderOpenAI, Model: "gpt-3.5-turbo", APIKeyEnv: "OPENAI_API_KEY", Priority: 10},
		{Name: "anthropic", Type: ProviderAnthropic, Model: "claude-3-haiku-20240307", APIKeyEnv: "ANTHROPIC_API_KEY", Priority: 20},
		{Name: "gemini", Type: ProviderGemini, Model: "gemini-1.5-flash", APIKeyEnv: "GOOGLE_API_KEY", Priority: 30},
		{Name: "huggingface", Type: ProviderHuggingFace, Model: "mistralai/Mistral-7B-Instruct-v0.1", APIKeyEnv: "HUGGINGFACE_API_KEY", Priority: 40},
		{Name: "ollama", Type: ProviderOllama, Model: "codellama:7b-instruct", BaseURL: "http://localhost:11434", Priority: 50},
	}
}

// SortedProviders returns the providers ordered by ascending priority.
// Ties keep their configured order.
func (c *Config) SortedProviders() []ProviderConfig {
	out := make([]ProviderConfig, len(c.Providers))
	copy(out, c.Providers)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}
	if len(c.Providers) == 0 {
		return errors.New("at least one provider must be configured")
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("providers[%d]: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("providers[%d]: duplicate name %q", i, p.Name)
		}
		seen[p.Name] = true
		switch p.Type {
		case ProviderOpenAI, ProviderAnthropic, ProviderGemini, ProviderHuggingFace, ProviderOllama:
		default:
			return fmt.Errorf("provider %q: unknown type %q", p.Name, p.Type)
		}
		if p.NeedsCredential() && !p.APIKey.IsSet() {
			return fmt.Errorf("provider %q: api key is required", p.Name)
		}
		if p.Timeout.Duration() <= 0 {
			return fmt.Errorf("provider %q: timeout must be positive", p.Name)
		}
		if p.Retries() < 0 {
			return fmt.Errorf("provider %q: max_retries must be >= 0", p.Name)
		}
	}

	if c.Snapshot.MaxBytes <= 0 {
		return errors.New("snapshot.max_bytes must be positive")
	}
	if c.Generator.MaxBytes <= 0 || c.Generator.MaxTokens <= 0 {
		return errors.New("generator.max_bytes and generator.max_tokens must be positive")
	}
	if !strings.HasSuffix(c.Deploy.BranchPrefix, "/") {
		return fmt.Errorf("deploy.branch_prefix must end with '/', got %q", c.Deploy.BranchPrefix)
	}
	if c.Deploy.Retry.Retries() < 0 {
		return errors.New("deploy.retry.max_retries must be >= 0")
	}
	if c.Deploy.TargetPath == "" {
		return errors.New("deploy.target_path is required")
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.Path == "" {
			return errors.New("store.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	return nil
}
