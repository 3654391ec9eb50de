package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/fyrsmithlabs/autodoc/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func newBufferLogger(t *testing.T, mutate func(*Config)) (*Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	cfg := NewDefaultConfig()
	cfg.Output.Writer = &buf
	cfg.Sampling.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}
	logger, err := NewLogger(cfg, nil)
	require.NoError(t, err)
	return logger, &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestLogger_WritesContextFields(t *testing.T) {
	logger, buf := newBufferLogger(t, nil)

	ctx := WithRun(context.Background(), Run{ID: "r-1", Token: "tok", Repository: "acme/widgets"})
	ctx = WithStage(ctx, "generate")
	ctx = WithProvider(ctx, "openai")
	logger.Info(ctx, "attempt finished", zap.Int("retries", 1))

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	line := lines[0]
	assert.Equal(t, "attempt finished", line["msg"])
	assert.Equal(t, "r-1", line["run.id"])
	assert.Equal(t, "tok", line["run.token"])
	assert.Equal(t, "acme/widgets", line["repository"])
	assert.Equal(t, "generate", line["stage"])
	assert.Equal(t, "openai", line["provider"])
	assert.Equal(t, "autodoc", line["service"])
}

func TestLogger_Redaction(t *testing.T) {
	logger, buf := newBufferLogger(t, nil)

	logger.Info(context.Background(), "configured",
		zap.String("api_key", "sk-plain"),
		zap.String("header", "Bearer abc.def"),
		zap.String("note", "uses ghp_abcdefghijklmnopqrstuvwxyz"),
		Secret("github", config.Secret("ghp_123")),
	)

	line := decodeLines(t, buf)[0]
	assert.Equal(t, "[REDACTED]", line["api_key"])
	assert.Equal(t, "[REDACTED:pattern]", line["header"])
	assert.Equal(t, "[REDACTED:pattern]", line["note"])
	assert.Equal(t, "[REDACTED:7]", line["github"])
}

func TestLogger_TraceLevelName(t *testing.T) {
	logger, buf := newBufferLogger(t, func(c *Config) { c.Level = TraceLevel })

	logger.Trace(context.Background(), "prompt built")

	line := decodeLines(t, buf)[0]
	assert.Equal(t, "trace", line["level"])
}

func TestLogger_LevelFiltering(t *testing.T) {
	logger, buf := newBufferLogger(t, func(c *Config) { c.Level = zapcore.WarnLevel })

	logger.Info(context.Background(), "hidden")
	logger.Warn(context.Background(), "shown")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "shown", lines[0]["msg"])
}

func TestConfigFrom(t *testing.T) {
	cfg, err := ConfigFrom(config.LoggingConfig{Level: "trace", Format: "console"})
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, cfg.Level)
	assert.Equal(t, "console", cfg.Format)

	_, err = ConfigFrom(config.LoggingConfig{Level: "loud"})
	assert.Error(t, err)

	_, err = ConfigFrom(config.LoggingConfig{Format: "xml"})
	assert.Error(t, err)
}

func TestFromContext_DefaultsToNop(t *testing.T) {
	logger := FromContext(context.Background())
	require.NotNil(t, logger)
	logger.Info(context.Background(), "discarded")

	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	FromContext(ctx).Warn(ctx, "routed")
	tl.AssertLogged(t, zapcore.WarnLevel, "routed")
}

func TestSampling_NeverDropsErrors(t *testing.T) {
	logger, buf := newBufferLogger(t, func(c *Config) {
		c.Sampling.Enabled = true
		c.Sampling.Initial = 1
		c.Sampling.Thereafter = 0
	})

	for i := 0; i < 5; i++ {
		logger.Info(context.Background(), "repeated")
		logger.Error(context.Background(), "failure")
	}

	var infos, errs int
	for _, line := range decodeLines(t, buf) {
		switch line["msg"] {
		case "repeated":
			infos++
		case "failure":
			errs++
		}
	}
	assert.Equal(t, 1, infos)
	assert.Equal(t, 5, errs)
}
