package backend

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sashabaranov/go-openai"

	"llm_gateway/budget"
	"llm_gateway/models"
)

// OpenAIBackend implements the Backend interface for OpenAI-compatible APIs
type OpenAIBackend struct {
	base
	endpoint  string
	client    *openai.Client
	connected atomic.Bool
}

// NewOpenAIBackend creates a new OpenAI-compatible backend. The endpoint is the
// API base URL including the version prefix, e.g. http://localhost:8080/v1.
func NewOpenAIBackend(id ID, endpoint, apiKey string, limits Limits, estimator budget.Estimator, systemPrompt string) *OpenAIBackend {
	clientConfig := openai.DefaultConfig(apiKey)
	clientConfig.BaseURL = strings.TrimRight(endpoint, "/")
	clientConfig.HTTPClient = &http.Client{
		Timeout: limits.RequestTimeout,
	}

	return &OpenAIBackend{
		base:     newBase(id, KindOpenAI, limits, estimator, systemPrompt),
		endpoint: clientConfig.BaseURL,
		client:   openai.NewClientWithConfig(clientConfig),
	}
}

// Connect lists models as a reachability probe
func (o *OpenAIBackend) Connect(ctx context.Context) error {
	if o.connected.Load() {
		return nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, o.limits.ProbeTimeout)
	defer cancel()

	if _, err := o.client.ListModels(probeCtx); err != nil {
		return o.fail(newError(KindConnectionUnavailable, o.id,
			fmt.Sprintf("backend %s is unreachable at %s", o.id, o.endpoint), err))
	}

	o.connected.Store(true)
	log.Printf("[%s] connected to OpenAI-compatible API at %s", o.id, o.endpoint)
	return nil
}

// Connected reports whether the last probe succeeded
func (o *OpenAIBackend) Connected() bool {
	return o.connected.Load()
}

// Generate sends a chat completion request
func (o *OpenAIBackend) Generate(ctx context.Context, req models.GenerationRequest) (string, *BackendMetadata, error) {
	metadata := &BackendMetadata{
		URL:   o.endpoint + "/chat/completions",
		Model: o.model(req.BackendVariant),
	}

	if err := o.Connect(ctx); err != nil {
		return "", metadata, err
	}

	prepared := o.prepare(req, metadata)
	log.Printf("[%s] request to %s (temperature=%g, max_tokens=%d, history %d/%d turns)",
		o.id, metadata.Model, req.Temperature, req.MaxTokens, prepared.KeptTurns, prepared.HistoryTurns)

	messages := make([]openai.ChatCompletionMessage, 0, len(prepared.Messages))
	for _, msg := range prepared.Messages {
		messages = append(messages, openai.ChatCompletionMessage{Role: msg.Role, Content: msg.Content})
	}

	start := time.Now()
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       metadata.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
	})
	if err != nil {
		return "", metadata, o.fail(o.classify(err))
	}

	if len(resp.Choices) == 0 {
		return "", metadata, o.fail(newError(KindInvalidResponse, o.id, "backend response has no choices", nil))
	}
	metadata.RawResponse = resp.Choices[0].Message.Content

	text, err := o.finish(resp.Choices[0].Message.Content)
	if err != nil {
		return "", metadata, err
	}

	log.Printf("[%s] response received in %v (%d characters, %d completion tokens)",
		o.id, time.Since(start), len(text), resp.Usage.CompletionTokens)
	return text, metadata, nil
}

func (o *OpenAIBackend) classify(err error) *EngineError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return newError(KindInvalidResponse, o.id,
			fmt.Sprintf("backend %s returned status %d", o.id, apiErr.HTTPStatusCode), err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return newError(KindInvalidResponse, o.id,
			fmt.Sprintf("backend %s returned status %d", o.id, reqErr.HTTPStatusCode), err)
	}

	engineErr := classifyTransport(o.id, err, fmt.Sprintf("backend %s did not respond within %s", o.id, o.limits.RequestTimeout))
	if engineErr.Kind == KindConnectionUnavailable {
		o.connected.Store(false)
	}
	return engineErr
}

// ListModels returns available models in the Ollama listing format
func (o *OpenAIBackend) ListModels(ctx context.Context) (models.ModelsResponse, error) {
	list, err := o.client.ListModels(ctx)
	if err != nil {
		return models.ModelsResponse{}, fmt.Errorf("failed to list models: %w", err)
	}

	modelInfos := make([]models.ModelInfo, 0, len(list.Models))
	for _, m := range list.Models {
		modelInfos = append(modelInfos, models.ModelInfo{
			Name:       m.ID,
			Model:      m.ID,
			ModifiedAt: time.Unix(m.CreatedAt, 0),
		})
	}

	return models.ModelsResponse{Models: modelInfos}, nil
}

// Close is a no-op; the HTTP client holds no resources that need releasing
func (o *OpenAIBackend) Close() error {
	return nil
}
