package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm_gateway/backend"
	"llm_gateway/config"
)

func TestBuildRegistryDefaults(t *testing.T) {
	cfg, err := config.Parse("")
	require.NoError(t, err)

	registry, preload, err := buildRegistry(cfg)
	require.NoError(t, err)

	fast, err := registry.Resolve("local_fast")
	require.NoError(t, err)
	assert.Equal(t, backend.KindOllama, fast.Kind())
	assert.Equal(t, 4096, fast.Limits().MaxContextTokens)

	heavy, err := registry.Resolve("local_heavy")
	require.NoError(t, err)
	assert.Equal(t, backend.KindInProcess, heavy.Kind())
	assert.Equal(t, " /no_think", heavy.Limits().SystemSuffix)
	assert.True(t, heavy.Limits().StripReasoning)

	_, err = registry.Resolve("openai_compat")
	assert.Equal(t, backend.KindUnknownBackend, backend.KindOf(err))

	// the in-process model only loads on first use unless preload is set
	require.Len(t, preload, 1)
	assert.Equal(t, backend.LocalFast, preload[0].ID())
}

func TestBuildRegistryUnknownDriver(t *testing.T) {
	cfg, err := config.Parse("[backends.local_heavy]\ndriver = \"tensorflow\"\n")
	require.NoError(t, err)

	_, _, err = buildRegistry(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tensorflow")
}

func TestCheckCommand(t *testing.T) {
	ollama := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"models":[]}`))
	}))
	defer ollama.Close()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[backends.local_fast]\nendpoint = \""+ollama.URL+"\"\n"), 0o644))

	configPath = path
	defer func() { configPath = "" }()

	var out bytes.Buffer
	checkCmd.SetOut(&out)
	defer checkCmd.SetOut(nil)

	require.NoError(t, runCheck(checkCmd, nil))
	assert.Contains(t, out.String(), "local_fast")
	assert.Contains(t, out.String(), "ready")
}
