package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync/atomic"

	"llm_gateway/budget"
	"llm_gateway/models"
)

// OllamaBackend implements the Backend interface for an Ollama server
type OllamaBackend struct {
	base
	endpoint    string
	client      *http.Client
	probeClient *http.Client
	connected   atomic.Bool
}

// NewOllamaBackend creates a new Ollama backend
func NewOllamaBackend(id ID, endpoint string, limits Limits, estimator budget.Estimator, systemPrompt string) *OllamaBackend {
	return &OllamaBackend{
		base:     newBase(id, KindOllama, limits, estimator, systemPrompt),
		endpoint: endpoint,
		client: &http.Client{
			Timeout: limits.RequestTimeout,
		},
		probeClient: &http.Client{
			Timeout: limits.ProbeTimeout,
		},
	}
}

// Connect probes /api/tags to check that the server is up
func (o *OllamaBackend) Connect(ctx context.Context) error {
	if o.connected.Load() {
		return nil
	}

	url := o.endpoint + "/api/tags"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return o.fail(newError(KindUnexpected, o.id, "failed to create probe request", err))
	}

	resp, err := o.probeClient.Do(httpReq)
	if err != nil {
		cause := classifyTransport(o.id, err, fmt.Sprintf("backend %s did not answer the probe within %s", o.id, o.limits.ProbeTimeout))
		if cause.Kind == KindTimeout || cause.Kind == KindUnexpected {
			cause = newError(KindConnectionUnavailable, o.id, fmt.Sprintf("backend %s is unreachable at %s", o.id, o.endpoint), err)
		}
		return o.fail(cause)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return o.fail(newError(KindConnectionUnavailable, o.id,
			fmt.Sprintf("backend %s probe returned status %d", o.id, resp.StatusCode), nil))
	}

	o.connected.Store(true)
	log.Printf("[%s] connected to Ollama at %s", o.id, o.endpoint)
	return nil
}

// Connected reports whether the last probe succeeded
func (o *OllamaBackend) Connected() bool {
	return o.connected.Load()
}

// Generate sends a non-streaming chat request to Ollama
func (o *OllamaBackend) Generate(ctx context.Context, req models.GenerationRequest) (string, *BackendMetadata, error) {
	metadata := &BackendMetadata{
		URL:   o.endpoint + "/api/chat",
		Model: o.model(req.BackendVariant),
	}

	if err := o.Connect(ctx); err != nil {
		return "", metadata, err
	}

	prepared := o.prepare(req, metadata)
	log.Printf("[%s] request to Ollama/%s (temperature=%g, max_tokens=%d, history %d/%d turns)",
		o.id, metadata.Model, req.Temperature, req.MaxTokens, prepared.KeptTurns, prepared.HistoryTurns)

	payload := models.ChatRequest{
		Model:    metadata.Model,
		Messages: prepared.Messages,
		Stream:   false,
		Options: map[string]interface{}{
			"temperature": req.Temperature,
			"num_predict": req.MaxTokens,
		},
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", metadata, o.fail(newError(KindUnexpected, o.id, "failed to marshal request", err))
	}
	metadata.RawRequest = string(data)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, metadata.URL, bytes.NewReader(data))
	if err != nil {
		return "", metadata, o.fail(newError(KindUnexpected, o.id, "failed to create request", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		engineErr := classifyTransport(o.id, err, fmt.Sprintf("backend %s did not respond within %s", o.id, o.limits.RequestTimeout))
		if engineErr.Kind == KindConnectionUnavailable {
			o.connected.Store(false)
		}
		return "", metadata, o.fail(engineErr)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", metadata, o.fail(classifyTransport(o.id, err, fmt.Sprintf("backend %s did not respond within %s", o.id, o.limits.RequestTimeout)))
	}
	metadata.RawResponse = string(body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", metadata, o.fail(newError(KindInvalidResponse, o.id,
			fmt.Sprintf("backend %s returned status %d", o.id, resp.StatusCode), nil))
	}

	var chatResp models.ChatResponseOllama
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return "", metadata, o.fail(newError(KindInvalidResponse, o.id, "backend returned a malformed response", err))
	}
	if chatResp.Message == nil {
		return "", metadata, o.fail(newError(KindInvalidResponse, o.id, "backend response has no message", nil))
	}

	text, err := o.finish(chatResp.Message.Content)
	if err != nil {
		return "", metadata, err
	}

	log.Printf("[%s] response received (%d characters)", o.id, len(text))
	return text, metadata, nil
}

// ListModels returns available models from Ollama
func (o *OllamaBackend) ListModels(ctx context.Context) (models.ModelsResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, o.endpoint+"/api/tags", nil)
	if err != nil {
		return models.ModelsResponse{}, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := o.probeClient.Do(httpReq)
	if err != nil {
		return models.ModelsResponse{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return models.ModelsResponse{}, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body))
	}

	var modelsResp models.ModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&modelsResp); err != nil {
		return models.ModelsResponse{}, fmt.Errorf("failed to decode response: %w", err)
	}

	return modelsResp, nil
}

// Close releases idle connections
func (o *OllamaBackend) Close() error {
	o.client.CloseIdleConnections()
	o.probeClient.CloseIdleConnections()
	return nil
}
