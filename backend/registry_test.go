package backend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm_gateway/budget"
	"llm_gateway/inference"
)

func TestRegistryResolve(t *testing.T) {
	fast := NewOllamaBackend(LocalFast, "http://127.0.0.1:1", testLimits(), budget.CharEstimator{}, "")
	heavy, _ := newHeavy(&fakeDriver{model: &fakeModel{reply: "ok"}}, heavyLimits())

	registry, err := NewRegistry(fast, heavy)
	require.NoError(t, err)

	b, err := registry.Resolve("local_heavy")
	require.NoError(t, err)
	assert.Same(t, heavy, b)

	_, err = registry.Resolve("cloud_giant")
	require.Error(t, err)
	assert.Equal(t, KindUnknownBackend, KindOf(err))
	assert.Contains(t, err.Error(), "cloud_giant")

	// known but unregistered
	_, err = registry.Resolve(string(OpenAICompat))
	assert.Equal(t, KindUnknownBackend, KindOf(err))
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	a := NewOllamaBackend(LocalFast, "http://127.0.0.1:1", testLimits(), budget.CharEstimator{}, "")
	b := NewOllamaBackend(LocalFast, "http://127.0.0.1:2", testLimits(), budget.CharEstimator{}, "")

	_, err := NewRegistry(a, b)
	assert.Error(t, err)
}

func TestRegistryRejectsUnknownIDs(t *testing.T) {
	b := NewOllamaBackend(ID("mystery"), "http://127.0.0.1:1", testLimits(), budget.CharEstimator{}, "")

	_, err := NewRegistry(b)
	assert.Error(t, err)
}

func TestRegistryInfoAndConnectAll(t *testing.T) {
	limits := testLimits()
	limits.ProbeTimeout = 200 * time.Millisecond
	fast := NewOllamaBackend(LocalFast, "http://127.0.0.1:1", limits, budget.CharEstimator{}, "")
	heavy := NewInProcessBackend(LocalHeavy, &fakeDriver{model: &fakeModel{reply: "ok"}},
		inference.LoadSpec{}, nil, heavyLimits(), budget.CharEstimator{}, "")

	registry, err := NewRegistry(fast, heavy)
	require.NoError(t, err)

	failures := registry.ConnectAll(context.Background())
	require.Len(t, failures, 1)
	assert.Equal(t, KindConnectionUnavailable, KindOf(failures[LocalFast]))

	infos := registry.Info()
	require.Len(t, infos, 2)
	assert.Equal(t, "local_fast", infos[0].ID)
	assert.Equal(t, "ollama", infos[0].Kind)
	assert.False(t, infos[0].Connected)
	assert.Equal(t, "local_heavy", infos[1].ID)
	assert.Equal(t, "inprocess", infos[1].Kind)
	assert.Equal(t, 28672, infos[1].MaxContextTokens)
	assert.True(t, infos[1].Connected)

	assert.NoError(t, registry.Close())
}
