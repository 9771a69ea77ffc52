package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invoqio/invoq/runtime/fn"
	"github.com/invoqio/invoq/runtime/ratelimit"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownGrace.Duration())
	assert.Equal(t, ProviderNone, cfg.Model.Provider)
	assert.Equal(t, LimitsMemory, cfg.Limits.Backend)
	assert.Equal(t, ratelimit.DefaultIPConfig.Window, cfg.Limits.PerIP.Window.Duration())
	assert.Equal(t, ratelimit.DefaultIPConfig.MaxRequests, cfg.Limits.PerIP.MaxRequests)
	assert.Equal(t, ratelimit.DefaultFunctionConfig.MaxRequests, cfg.Limits.PerFunction.MaxRequests)
	assert.Equal(t, ExporterConsole, cfg.Tracing.Exporter)
	assert.False(t, cfg.Tracing.Enabled)
	assert.Equal(t, 256, cfg.Executor.CacheCapacity)
	assert.False(t, cfg.Events.Enabled)
	assert.Empty(t, cfg.Functions)
}

func TestLoadConfigFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("testdata", "config.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownGrace.Duration())
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	assert.Equal(t, "invoq", cfg.Mongo.Database)

	assert.Equal(t, ProviderAnthropic, cfg.Model.Provider)
	assert.Equal(t, "claude-sonnet-4-5", cfg.Model.Model)
	assert.Equal(t, "ANTHROPIC_API_KEY", cfg.Model.APIKeyEnv, "provider default env var")
	assert.Equal(t, 2048, cfg.Model.MaxTokens)
	assert.Equal(t, 120000.0, cfg.Model.TPMLimit)

	assert.Equal(t, LimitsRedis, cfg.Limits.Backend)
	assert.Equal(t, 30*time.Second, cfg.Limits.PerIP.Window.Duration())
	assert.Equal(t, 50, cfg.Limits.PerIP.MaxRequests)
	assert.Equal(t, time.Minute, cfg.Limits.PerFunction.Window.Duration())

	require.NotNil(t, cfg.Tracing.SampleRate)
	assert.Equal(t, 0.25, *cfg.Tracing.SampleRate)
	assert.Equal(t, ExporterHTTP, cfg.Tracing.Exporter)
	assert.Equal(t, 2*time.Second, cfg.Tracing.FlushInterval.Duration())

	assert.Equal(t, 64, cfg.Executor.CacheCapacity)
	assert.Equal(t, 15*time.Minute, cfg.Executor.CacheTTL.Duration())

	assert.True(t, cfg.Events.Enabled)
	assert.Equal(t, 500, cfg.Events.StreamMaxLen)

	require.Len(t, cfg.Functions, 2)
	add := cfg.Functions[0]
	assert.Equal(t, "tenant/add", add.ID)
	assert.Equal(t, fn.KindCode, add.Kind)
	require.NotNil(t, add.Code)
	assert.Equal(t, fn.LangJavaScript, add.Code.Language)
	assert.Contains(t, add.Code.Source.Inline, "input.a + input.b")
	require.NotNil(t, add.Config)
	require.NotNil(t, add.Config.Timeout)
	assert.Equal(t, 5*time.Second, add.Config.Timeout.Duration())

	helper := cfg.Functions[1]
	assert.Equal(t, fn.KindAgentic, helper.Kind)
	require.NotNil(t, helper.Agentic)
	assert.Equal(t, 4, helper.Agentic.MaxIterations)
	assert.Equal(t, 90*time.Second, helper.Agentic.Timeout.Duration())
	require.Len(t, helper.Agentic.Tools, 1)
	assert.Equal(t, "add", helper.Agentic.Tools[0].Name)
	assert.Equal(t, "tenant/add", helper.Agentic.Tools[0].Implementation.Function)
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "sever:\n  addr: \":1\"\n")
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sever")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadConfigEmptyFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestLoadConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unknown provider",
			yaml: "model:\n  provider: groq\n  model: m\n",
			want: "unknown model provider",
		},
		{
			name: "provider without model",
			yaml: "model:\n  provider: openai\n",
			want: "model.model is required",
		},
		{
			name: "redis limits without redis",
			yaml: "limits:\n  backend: redis\n",
			want: "requires redis.url",
		},
		{
			name: "unknown limits backend",
			yaml: "limits:\n  backend: dynamo\n",
			want: "unknown limits backend",
		},
		{
			name: "mongo without database",
			yaml: "mongo:\n  uri: mongodb://localhost:27017\n",
			want: "requires mongo.database",
		},
		{
			name: "events without redis",
			yaml: "events:\n  enabled: true\n",
			want: "requires redis.url",
		},
		{
			name: "http exporter without endpoint",
			yaml: "tracing:\n  enabled: true\n  exporter: http\n",
			want: "requires tracing.endpoint",
		},
		{
			name: "unknown exporter",
			yaml: "tracing:\n  exporter: jaeger\n",
			want: "unknown tracing exporter",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestAPIKeyReadsEnvironment(t *testing.T) {
	t.Setenv("INVOQ_TEST_KEY", "sk-test")
	c := ModelConfig{APIKeyEnv: "INVOQ_TEST_KEY"}
	assert.Equal(t, "sk-test", c.APIKey())
	assert.Empty(t, ModelConfig{}.APIKey())
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}
