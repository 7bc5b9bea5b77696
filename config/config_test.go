package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	config, err := Parse("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", config.Addr())
	assert.Equal(t, []string{LocalFast, LocalHeavy}, config.BackendIDs())
	assert.Equal(t, 20, config.Conversations.MaxPerUser)
	assert.Equal(t, LocalFast, config.Conversations.DefaultBackend)
	assert.Equal(t, 1000, config.Database.MaxRequests)
	assert.Equal(t, 5, config.Database.CleanupInterval)
	assert.Equal(t, 0.7, config.Conversations.DefaultTemperature)
	assert.Equal(t, 5.0, config.RateLimit.RequestsPerSecond)

	fast := config.Backends[LocalFast]
	assert.Equal(t, "http://localhost:11434", fast.Endpoint)
	assert.Equal(t, "phi3", fast.Model)
	assert.Equal(t, 4096, fast.MaxContextTokens)
	assert.Equal(t, 120*time.Second, fast.RequestTimeoutDuration())
	assert.Equal(t, 5*time.Second, fast.ProbeTimeoutDuration())
	assert.Empty(t, fast.Suffix())
	assert.False(t, fast.Strip())

	heavy := config.Backends[LocalHeavy]
	assert.Equal(t, "llamacpp", heavy.Driver)
	assert.Equal(t, "Qwen/Qwen3-1.7B", heavy.Model)
	assert.Equal(t, 28672, heavy.MaxContextTokens)
	assert.Equal(t, 600*time.Second, heavy.RequestTimeoutDuration())
	assert.Equal(t, " /no_think", heavy.Suffix())
	assert.True(t, heavy.Strip())
	assert.Equal(t, []string{"direct", "offload"}, heavy.Strategies)
}

func TestParseExplicitZeroes(t *testing.T) {
	config, err := Parse(`
[database]
max_requests = 0
cleanup_interval = 0

[conversations]
default_temperature = 0.0

[rate_limit]
requests_per_second = 0
`)
	require.NoError(t, err)

	assert.Zero(t, config.Database.MaxRequests)
	assert.Zero(t, config.Database.CleanupInterval)
	assert.Zero(t, config.Conversations.DefaultTemperature)
	assert.Zero(t, config.RateLimit.RequestsPerSecond)
}

func TestParseFile(t *testing.T) {
	config, err := Parse(`
[server]
port = 9000
verbose = true

[conversations]
max_per_user = 3
default_backend = "openai_compat"

[backends.openai_compat]
endpoint = "http://127.0.0.1:8081/v1"
model = "qwen3"

[backends.local_heavy]
model_path = "/models/qwen.gguf"
system_suffix = ""
strip_reasoning = false
strategies = ["offload"]
options = { threads = "4" }
`)
	require.NoError(t, err)

	assert.Equal(t, 9000, config.Server.Port)
	assert.True(t, config.Server.Verbose)
	assert.Equal(t, []string{LocalHeavy, OpenAICompat}, config.BackendIDs())

	heavy := config.Backends[LocalHeavy]
	assert.Empty(t, heavy.Model)
	assert.Empty(t, heavy.Suffix())
	assert.False(t, heavy.Strip())
	assert.Equal(t, []string{"offload"}, heavy.Strategies)
	assert.Equal(t, map[string]string{"threads": "4"}, heavy.Options)

	assert.Equal(t, 8192, config.Backends[OpenAICompat].MaxContextTokens)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		toml string
	}{
		{"unknown key", "[server]\nprot = 1\n"},
		{"unknown backend", "[backends.cloud_giant]\nendpoint = \"http://x\"\n"},
		{"bad strategy", "[backends.local_heavy]\nstrategies = [\"teleport\"]\n"},
		{"openai without model", "[backends.openai_compat]\nendpoint = \"http://x/v1\"\n"},
		{"default backend not configured", "[conversations]\ndefault_backend = \"local_heavy\"\n[backends.local_fast]\n"},
		{"temperature out of range", "[conversations]\ndefault_temperature = 1.5\n"},
		{"invalid toml", "[server\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.toml)
			assert.Error(t, err)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GATEWAY_PORT", "9999")
	t.Setenv("GATEWAY_DATABASE_PATH", "/tmp/gw.db")
	t.Setenv("GATEWAY_LOCAL_FAST_URL", "http://ollama:11434")
	t.Setenv("GATEWAY_LOCAL_FAST_MAX_CONTEXT_TOKENS", "2048")
	t.Setenv("GATEWAY_LOCAL_HEAVY_REQUEST_TIMEOUT", "30")
	t.Setenv("GATEWAY_OPENAI_COMPAT_URL", "http://vllm:8000/v1")
	t.Setenv("GATEWAY_OPENAI_COMPAT_MODEL", "mistral")

	config, err := Parse("")
	require.NoError(t, err)

	assert.Equal(t, 9999, config.Server.Port)
	assert.Equal(t, "/tmp/gw.db", config.Database.Path)
	assert.Equal(t, "http://ollama:11434", config.Backends[LocalFast].Endpoint)
	assert.Equal(t, 2048, config.Backends[LocalFast].MaxContextTokens)
	assert.Equal(t, 30*time.Second, config.Backends[LocalHeavy].RequestTimeoutDuration())
	assert.Equal(t, []string{LocalFast, LocalHeavy, OpenAICompat}, config.BackendIDs())
	assert.Equal(t, "mistral", config.Backends[OpenAICompat].Model)
}

func TestEnvOverrideParseError(t *testing.T) {
	t.Setenv("GATEWAY_LOCAL_FAST_MAX_CONTEXT_TOKENS", "lots")

	_, err := Parse("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GATEWAY_LOCAL_FAST_MAX_CONTEXT_TOKENS")
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server]\nport = 7000\n"), 0o644))

	config, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7000, config.Server.Port)

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
