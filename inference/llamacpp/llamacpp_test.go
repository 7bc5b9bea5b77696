package llamacpp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm_gateway/inference"
	"llm_gateway/models"
)

func TestArgs(t *testing.T) {
	tests := []struct {
		name string
		spec inference.LoadSpec
		want []string
	}{
		{
			name: "hub model direct",
			spec: inference.LoadSpec{Model: "Qwen/Qwen3-1.7B", Strategy: inference.StrategyDirect, ContextTokens: 28672},
			want: []string{"--hf-repo", "Qwen/Qwen3-1.7B", "--ctx-size", "28672", "--n-gpu-layers", "999",
				"--host", "127.0.0.1", "--port", "8081", "--parallel", "1"},
		},
		{
			name: "local file offload",
			spec: inference.LoadSpec{Model: "ignored", Path: "/models/q.gguf", Strategy: inference.StrategyOffload,
				Options: map[string]string{OptionThreads: "4"}},
			want: []string{"--model", "/models/q.gguf", "--n-gpu-layers", "0", "--threads", "4",
				"--host", "127.0.0.1", "--port", "8081", "--parallel", "1"},
		},
		{
			name: "gpu layer override",
			spec: inference.LoadSpec{Model: "m", Strategy: inference.StrategyDirect, Options: map[string]string{OptionGPULayers: "20"}},
			want: []string{"--hf-repo", "m", "--n-gpu-layers", "20", "--host", "127.0.0.1", "--port", "8081", "--parallel", "1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args, err := Args(tt.spec, 8081)
			require.NoError(t, err)
			assert.Equal(t, tt.want, args)
		})
	}
}

func TestArgsErrors(t *testing.T) {
	_, err := Args(inference.LoadSpec{Strategy: inference.StrategyDirect}, 1)
	assert.Error(t, err)

	_, err = Args(inference.LoadSpec{Model: "m", Strategy: "quantum"}, 1)
	assert.Error(t, err)
}

func TestDriverRegistered(t *testing.T) {
	driver, err := inference.Lookup(Name)
	require.NoError(t, err)
	assert.IsType(t, Driver{}, driver)
}

func TestLoadMissingBinary(t *testing.T) {
	_, err := Driver{}.Load(context.Background(), inference.LoadSpec{
		Model:   "m",
		Options: map[string]string{OptionBinary: "definitely-not-a-llama-server"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestModelAgainstServer(t *testing.T) {
	var erased atomic.Int32
	var received struct {
		Model    string           `json:"model"`
		Messages []models.Message `json:"messages"`
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("POST /slots/0", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("action") == "erase" {
			erased.Add(1)
		}
		w.Write([]byte(`{"id_slot":0}`))
	})
	mux.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&received)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"hi there"},"finish_reason":"stop"}]}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	m := newModel(server.URL, "qwen")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.waitHealthy(ctx))

	text, err := m.Generate(ctx, []models.Message{{Role: "user", Content: "hello"}}, inference.Params{MaxTokens: 16})
	require.NoError(t, err)
	assert.Equal(t, "hi there", text)
	assert.Equal(t, "qwen", received.Model)
	assert.Equal(t, []models.Message{{Role: "user", Content: "hello"}}, received.Messages)

	m.ReleaseScratch()
	assert.Equal(t, int32(1), erased.Load())
	assert.NoError(t, m.Close())
}

func TestWaitHealthyTimesOut(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	m := newModel(server.URL, "qwen")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := m.waitHealthy(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
}

// fakeServerBinary writes a llama-server stand-in that exits immediately
func fakeServerBinary(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script binaries are not supported on windows")
	}
	path := filepath.Join(t.TempDir(), "llama-server")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexit 1\n"), 0o755))
	return path
}

func TestLoadServerExitsDuringLoad(t *testing.T) {
	binary := fakeServerBinary(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := Driver{}.Load(ctx, inference.LoadSpec{
			Model:    "m",
			Strategy: inference.StrategyDirect,
			Options:  map[string]string{OptionBinary: binary},
		})
		done <- err
	}()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exited during load")
	case <-time.After(10 * time.Second):
		t.Fatal("Load did not return after the server exited")
	}
}

func TestCloseAfterExit(t *testing.T) {
	binary := fakeServerBinary(t)

	m := newModel("http://127.0.0.1:1", "m")
	cmd := exec.Command(binary)
	require.NoError(t, cmd.Start())
	m.watch(cmd)

	select {
	case <-m.exited:
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	assert.Error(t, m.waitErr)

	closed := make(chan error, 1)
	go func() { closed <- m.Close() }()
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Close blocked on an exited process")
	}
	// repeated Close is a no-op
	assert.NoError(t, m.Close())
}
