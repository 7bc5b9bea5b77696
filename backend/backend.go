package backend

import (
	"context"
	"log"
	"strings"
	"time"

	"llm_gateway/budget"
	"llm_gateway/models"
)

// ID identifies one of the backends known to the gateway
type ID string

const (
	LocalFast    ID = "local_fast"    // Ollama server
	LocalHeavy   ID = "local_heavy"   // in-process runtime
	OpenAICompat ID = "openai_compat" // OpenAI-compatible server
)

// KnownIDs lists every backend identifier the gateway can register
func KnownIDs() []ID {
	return []ID{LocalFast, LocalHeavy, OpenAICompat}
}

// ParseID validates a backend identifier against the closed set
func ParseID(s string) (ID, bool) {
	for _, id := range KnownIDs() {
		if string(id) == s {
			return id, true
		}
	}
	return "", false
}

// Kind names the implementation behind a backend
type Kind string

const (
	KindOllama    Kind = "ollama"
	KindOpenAI    Kind = "openai"
	KindInProcess Kind = "inprocess"
)

// KindFor returns the implementation used for a backend identifier
func KindFor(id ID) Kind {
	switch id {
	case LocalHeavy:
		return KindInProcess
	case OpenAICompat:
		return KindOpenAI
	default:
		return KindOllama
	}
}

// Limits are the fixed per-backend settings
type Limits struct {
	MaxContextTokens int
	DefaultModel     string
	RequestTimeout   time.Duration // generation calls
	ProbeTimeout     time.Duration // reachability checks
	SystemSuffix     string        // appended to the system prompt, e.g. a reasoning-suppression directive
	StripReasoning   bool          // remove reasoning blocks from the output
}

// BackendMetadata contains raw request/response data and budgeting figures from a backend call
type BackendMetadata struct {
	URL          string // Backend URL that was called, empty for in-process calls
	Model        string
	RawRequest   string // Raw JSON sent to backend
	RawResponse  string // Raw response data received from backend
	HistoryTurns int
	KeptTurns    int
	PromptTokens int
}

// Backend defines the interface for text-generation backends
type Backend interface {
	ID() ID
	Kind() Kind
	Limits() Limits

	// Connect establishes readiness. Calling it on a ready backend is a no-op.
	Connect(ctx context.Context) error

	// Connected reports whether the last Connect succeeded
	Connected() bool

	// Generate truncates the history to the backend's context window, performs
	// the call and returns the cleaned text. Errors are always *EngineError.
	// The returned metadata is never nil.
	Generate(ctx context.Context, req models.GenerationRequest) (string, *BackendMetadata, error)

	// Close releases the connection or model handle
	Close() error
}

// ModelLister is implemented by backends that can enumerate their models
type ModelLister interface {
	ListModels(ctx context.Context) (models.ModelsResponse, error)
}

// base holds the state and steps shared by every backend implementation
type base struct {
	id        ID
	kind      Kind
	limits    Limits
	estimator budget.Estimator
	system    string
}

func newBase(id ID, kind Kind, limits Limits, estimator budget.Estimator, systemPrompt string) base {
	if estimator == nil {
		estimator = budget.CharEstimator{}
	}
	return base{
		id:        id,
		kind:      kind,
		limits:    limits,
		estimator: estimator,
		system:    budget.SystemPrompt(systemPrompt, limits.SystemSuffix),
	}
}

func (b *base) ID() ID         { return b.id }
func (b *base) Kind() Kind     { return b.kind }
func (b *base) Limits() Limits { return b.limits }

// model picks the requested variant or the backend default
func (b *base) model(variant string) string {
	if variant != "" {
		return variant
	}
	return b.limits.DefaultModel
}

// prepare runs truncation and message building against this backend's window,
// reserving the requested response length.
func (b *base) prepare(req models.GenerationRequest, meta *BackendMetadata) budget.Prepared {
	prepared := budget.Prepare(b.estimator, b.system, req.History, req.Prompt, b.limits.MaxContextTokens, req.MaxTokens)
	if prepared.Overflow {
		log.Printf("[%s] prompt (%d tokens) plus max_tokens %d exceeds context window %d, history dropped",
			b.id, prepared.PromptTokens, req.MaxTokens, b.limits.MaxContextTokens)
	}

	meta.HistoryTurns = prepared.HistoryTurns
	meta.KeptTurns = prepared.KeptTurns
	meta.PromptTokens = prepared.PromptTokens
	return prepared
}

// finish cleans the raw output; nothing usable left is an EmptyResponse
func (b *base) finish(raw string) (string, error) {
	text := strings.TrimSpace(raw)
	if b.limits.StripReasoning {
		text = budget.StripReasoning(text)
	}
	if text == "" {
		return "", b.fail(newError(KindEmptyResponse, b.id, "backend returned an empty response", nil))
	}
	return text, nil
}

// fail logs the error once with its kind and returns it
func (b *base) fail(err *EngineError) error {
	log.Printf("[%s] %s: %v", b.id, err.Kind, err)
	return err
}
