package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestHome points HOME at a temp dir and clears provider credentials.
func setupTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	for _, p := range DefaultProviders() {
		if p.APIKeyEnv != "" {
			t.Setenv(p.APIKeyEnv, "")
		}
	}
	t.Setenv("GITHUB_TOKEN", "")
	return home
}

func writeConfig(t *testing.T, home, content string, perm os.FileMode) string {
	t.Helper()
	dir := filepath.Join(home, ".config", "autodoc")
	require.NoError(t, os.MkdirAll(dir, 0700))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func TestLoadWithFile_ValidYAML(t *testing.T) {
	home := setupTestHome(t)
	path := writeConfig(t, home, `
server:
  name: autodoc-test
  shutdown_timeout: 5s
github:
  token: ghp_example
providers:
  - name: primary
    type: anthropic
    model: claude-3-haiku-20240307
    api_key: sk-ant-example
    priority: 1
    timeout: 45s
    cooldown: 2m
  - name: local
    type: ollama
    priority: 2
snapshot:
  max_bytes: 4096
store:
  driver: sqlite
  path: /tmp/autodoc.db
`, 0600)

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, "autodoc-test", cfg.Server.Name)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "ghp_example", cfg.GitHub.Token.Value())
	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, "primary", cfg.Providers[0].Name)
	assert.Equal(t, 45*time.Second, cfg.Providers[0].Timeout.Duration())
	assert.Equal(t, 2*time.Minute, cfg.Providers[0].Cooldown.Duration())
	assert.Equal(t, "sk-ant-example", cfg.Providers[0].APIKey.Value())
	assert.Equal(t, 60*time.Second, cfg.Providers[1].Timeout.Duration(), "defaults fill unset provider fields")
	assert.Equal(t, 4096, cfg.Snapshot.MaxBytes)
	assert.Equal(t, StoreSQLite, cfg.Store.Driver)
}

func TestLoadWithFile_EnvOverridesFile(t *testing.T) {
	home := setupTestHome(t)
	path := writeConfig(t, home, "server:\n  name: from-file\n", 0600)

	t.Setenv("AUTODOC_SERVER_NAME", "from-env")
	t.Setenv("AUTODOC_GITHUB_TOKEN", "ghp_env")
	t.Setenv("AUTODOC_SNAPSHOT_MAX_BYTES", "1024")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Server.Name)
	assert.Equal(t, "ghp_env", cfg.GitHub.Token.Value())
	assert.Equal(t, 1024, cfg.Snapshot.MaxBytes)
}

func TestLoadWithFile_MissingFileUsesDefaults(t *testing.T) {
	home := setupTestHome(t)
	t.Setenv("OPENAI_API_KEY", "sk-example")
	t.Setenv("GITHUB_TOKEN", "ghp_fallback")

	cfg, err := LoadWithFile(filepath.Join(home, ".config", "autodoc", "config.yaml"))
	require.NoError(t, err)

	names := make([]string, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"openai", "ollama"}, names, "providers without credentials are dropped from defaults")
	assert.Equal(t, "sk-example", cfg.Providers[0].APIKey.Value())
	assert.Equal(t, "ghp_fallback", cfg.GitHub.Token.Value())
	assert.Equal(t, StoreMemory, cfg.Store.Driver)
	assert.Equal(t, "autodoc/", cfg.Deploy.BranchPrefix)
	assert.Equal(t, "README.md", cfg.Deploy.TargetPath)
}

func TestLoadWithFile_ZeroRetriesHonoured(t *testing.T) {
	home := setupTestHome(t)
	path := writeConfig(t, home, `
providers:
  - name: once
    type: ollama
    priority: 1
    max_retries: 0
  - name: defaulted
    type: ollama
    priority: 2
deploy:
  retry:
    max_retries: 0
`, 0600)

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, 0, cfg.Providers[0].Retries())
	assert.Equal(t, DefaultProviderRetries, cfg.Providers[1].Retries())
	assert.Equal(t, 0, cfg.Deploy.Retry.Retries())

	cfg, err = LoadWithFile(writeConfig(t, home, "server:\n  name: x\n", 0600))
	require.NoError(t, err)
	assert.Equal(t, DefaultRetries, cfg.Deploy.Retry.Retries())
}

func TestLoadWithFile_NegativeRetriesRejected(t *testing.T) {
	home := setupTestHome(t)
	path := writeConfig(t, home, "providers:\n  - name: local\n    type: ollama\n    max_retries: -1\n", 0600)

	_, err := LoadWithFile(path)
	assert.ErrorContains(t, err, "max_retries")
}

func TestLoadWithFile_ExplicitProviderWithoutKeyFails(t *testing.T) {
	home := setupTestHome(t)
	path := writeConfig(t, home, `
providers:
  - name: openai
    type: openai
    api_key_env: OPENAI_API_KEY
`, 0600)

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api key is required")
}

func TestLoadWithFile_RejectsInsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission model differs on windows")
	}
	home := setupTestHome(t)
	path := writeConfig(t, home, "server:\n  name: x\n", 0644)

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestValidateConfigPath(t *testing.T) {
	home := setupTestHome(t)

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"user config dir", filepath.Join(home, ".config", "autodoc", "config.yaml"), false},
		{"nested user dir", filepath.Join(home, ".config", "autodoc", "prod", "config.yaml"), false},
		{"system dir", "/etc/autodoc/config.yaml", false},
		{"sibling prefix", "/etc/autodoc-evil/config.yaml", true},
		{"traversal", filepath.Join(home, ".config", "autodoc", "..", "..", "x.yaml"), true},
		{"elsewhere", "/tmp/config.yaml", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateConfigPath(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "github.token", envKey("AUTODOC_GITHUB_TOKEN"))
	assert.Equal(t, "snapshot.max_bytes", envKey("AUTODOC_SNAPSHOT_MAX_BYTES"))
	assert.Equal(t, "server", envKey("AUTODOC_SERVER"))
}
