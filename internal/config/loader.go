package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "AUTODOC_"
)

// LoadWithFile loads configuration from a YAML file, then overrides with
// environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (AUTODOC_SERVER_NAME, AUTODOC_GITHUB_TOKEN, etc.)
//  2. YAML config file (~/.config/autodoc/config.yaml)
//  3. Hardcoded defaults
//
// # Security Considerations
//
// The file MUST have 0600 or 0400 permissions, MUST live under
// ~/.config/autodoc/ or /etc/autodoc/, and MUST be smaller than 1MB.
//
// # Environment Variable Mapping
//
// The prefix is stripped and the remainder split on its first underscore:
//
//	AUTODOC_GITHUB_TOKEN        -> github.token
//	AUTODOC_SNAPSHOT_MAX_BYTES  -> snapshot.max_bytes
//	AUTODOC_STORE_DRIVER        -> store.driver
//
// Provider credentials are resolved from each provider's api_key_env
// variable when api_key is not given inline. When no providers are
// configured the built-in set is used and providers without a credential
// are left out.
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		dir, err := DefaultConfigDir()
		if err != nil {
			return nil, err
		}
		configPath = filepath.Join(dir, "config.yaml")
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}
	if _, err := os.Stat(configPath); err == nil {
		// Validate through the open descriptor to avoid a TOCTOU race.
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if err := validateConfigFileProperties(info); err != nil {
			return nil, fmt.Errorf("config file validation failed: %w", err)
		}

		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	defaulted := len(cfg.Providers) == 0
	applyDefaults(&cfg)
	resolveCredentials(&cfg, os.Getenv, defaulted)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// envKey maps AUTODOC_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// DefaultConfigDir returns ~/.config/autodoc.
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "autodoc"), nil
}

// EnsureConfigDir creates the autodoc config directory with 0700 permissions.
func EnsureConfigDir() error {
	dir, err := DefaultConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	return nil
}

// validateConfigPath checks if path is in allowed directories.
// This validation runs even if the file doesn't exist yet.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	// Follow symlinks so they cannot escape the allowed directories.
	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolvedPath = absPath
	}

	dir, err := DefaultConfigDir()
	if err != nil {
		return err
	}

	allowedDirs := []string{dir, "/etc/autodoc"}
	for _, allowed := range allowedDirs {
		if resolvedPath == allowed || strings.HasPrefix(resolvedPath, allowed+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ~/.config/autodoc/ or /etc/autodoc/")
}

// validateConfigFileProperties checks file permissions and size.
// Takes FileInfo from an already-opened file descriptor to avoid TOCTOU race.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Name == "" {
		cfg.Server.Name = "autodoc"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "autodoc"
	}
	if cfg.Observability.Endpoint == "" {
		cfg.Observability.Endpoint = "localhost:4317"
	}
	if cfg.Observability.SampleRate == 0 {
		cfg.Observability.SampleRate = 1.0
	}

	if cfg.GitHub.Timeout == 0 {
		cfg.GitHub.Timeout = Duration(30 * time.Second)
	}

	if len(cfg.Providers) == 0 {
		cfg.Providers = DefaultProviders()
	}
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.Type == "" {
			p.Type = p.Name
		}
		if p.Timeout == 0 {
			p.Timeout = Duration(60 * time.Second)
		}
		if p.Cooldown == 0 {
			p.Cooldown = Duration(time.Minute)
		}
		if p.MaxContextBytes == 0 {
			p.MaxContextBytes = 400 * 1024
		}
		if p.Temperature == 0 {
			p.Temperature = 0.7
		}
	}

	if cfg.Snapshot.MaxBytes == 0 {
		cfg.Snapshot.MaxBytes = 200 * 1024
	}
	if cfg.Snapshot.MaxFileSize == 0 {
		cfg.Snapshot.MaxFileSize = 5 * 1024 * 1024
	}
	if cfg.Snapshot.SummaryLines == 0 {
		cfg.Snapshot.SummaryLines = 8
	}

	if cfg.Generator.Kind == "" {
		cfg.Generator.Kind = "advanced"
	}
	if cfg.Generator.MaxTokens == 0 {
		cfg.Generator.MaxTokens = 2000
	}
	if cfg.Generator.MaxBytes == 0 {
		cfg.Generator.MaxBytes = 64 * 1024
	}
	if cfg.Generator.CacheSize == 0 {
		cfg.Generator.CacheSize = 128
	}

	if cfg.Deploy.BranchPrefix == "" {
		cfg.Deploy.BranchPrefix = "autodoc/"
	}
	if cfg.Deploy.TargetPath == "" {
		cfg.Deploy.TargetPath = "README.md"
	}
	if cfg.Deploy.CommitMessage == "" {
		cfg.Deploy.CommitMessage = "docs: update generated README"
	}
	if cfg.Deploy.PRTitle == "" {
		cfg.Deploy.PRTitle = "docs: update README"
	}
	if cfg.Deploy.Retry.InitialBackoff == 0 {
		cfg.Deploy.Retry.InitialBackoff = Duration(time.Second)
	}
	if cfg.Deploy.Retry.MaxBackoff == 0 {
		cfg.Deploy.Retry.MaxBackoff = Duration(30 * time.Second)
	}
	if cfg.Deploy.Retry.BackoffMultiplier == 0 {
		cfg.Deploy.Retry.BackoffMultiplier = 2.0
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = StoreMemory
	}

	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "autodoc"
	}
}

// resolveCredentials fills provider and hosting credentials from the
// environment. When the provider list came from defaults, providers that
// still lack a required credential are removed.
func resolveCredentials(cfg *Config, getenv func(string) string, defaulted bool) {
	if !cfg.GitHub.Token.IsSet() {
		cfg.GitHub.Token = Secret(getenv("GITHUB_TOKEN"))
	}

	kept := cfg.Providers[:0]
	for _, p := range cfg.Providers {
		if !p.APIKey.IsSet() && p.APIKeyEnv != "" {
			p.APIKey = Secret(getenv(p.APIKeyEnv))
		}
		if defaulted && p.NeedsCredential() && !p.APIKey.IsSet() {
			continue
		}
		kept = append(kept, p)
	}
	cfg.Providers = kept
}
