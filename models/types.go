package models

import (
	"fmt"
	"time"
)

// Gateway types

// Role tags a conversation turn
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message of a stored conversation. Only user and assistant turns exist in history.
type Turn struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Message is a single entry of the payload sent to a backend
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Limits for generation parameters accepted by the gateway
const (
	MinMaxTokens     = 1
	MaxMaxTokens     = 4096
	DefaultMaxTokens = 512
)

// GenerationRequest is the unit of work submitted to a backend
type GenerationRequest struct {
	Prompt         string  `json:"prompt"`
	History        []Turn  `json:"history"`
	BackendID      string  `json:"backend_id"`
	BackendVariant string  `json:"backend_variant,omitempty"`
	Temperature    float64 `json:"temperature"`
	MaxTokens      int     `json:"max_tokens"`
}

// Normalize fills defaults for omitted generation parameters
func (r *GenerationRequest) Normalize() {
	if r.MaxTokens == 0 {
		r.MaxTokens = DefaultMaxTokens
	}
}

// Validate checks the generation parameters and history roles
func (r GenerationRequest) Validate() error {
	if r.Temperature < 0 || r.Temperature > 1 {
		return fmt.Errorf("temperature must be between 0.0 and 1.0, got %g", r.Temperature)
	}
	if r.MaxTokens < MinMaxTokens || r.MaxTokens > MaxMaxTokens {
		return fmt.Errorf("max_tokens must be between %d and %d, got %d", MinMaxTokens, MaxMaxTokens, r.MaxTokens)
	}
	for i, turn := range r.History {
		if turn.Role != RoleUser && turn.Role != RoleAssistant {
			return fmt.Errorf("history[%d]: role must be 'user' or 'assistant', got %q", i, turn.Role)
		}
	}
	return nil
}

// ChatResponse is the response envelope of the chat endpoints.
// Error non-nil implies Response is empty.
type ChatResponse struct {
	Response string  `json:"response"`
	Error    *string `json:"error"`
}

// NewChatResponse creates a successful envelope
func NewChatResponse(text string) ChatResponse {
	return ChatResponse{Response: text}
}

// NewErrorResponse creates a failed envelope
func NewErrorResponse(msg string) ChatResponse {
	return ChatResponse{Error: &msg}
}

// Settings holds per-conversation generation settings
type Settings struct {
	BackendID      string  `json:"backend_id"`
	BackendVariant string  `json:"backend_variant,omitempty"`
	Temperature    float64 `json:"temperature"`
	MaxTokens      int     `json:"max_tokens"`
}

// Validate checks settings ranges
func (s Settings) Validate() error {
	if s.BackendID == "" {
		return fmt.Errorf("backend_id is required")
	}
	req := GenerationRequest{Temperature: s.Temperature, MaxTokens: s.MaxTokens}
	return req.Validate()
}

// Conversation is a named ordered sequence of turns plus its settings
type Conversation struct {
	Messages  []Turn    `json:"messages"`
	Meta      Settings  `json:"meta"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Conversations maps conversation name to conversation
type Conversations map[string]Conversation

// BackendInfo describes a registered backend
type BackendInfo struct {
	ID               string `json:"id"`
	Kind             string `json:"kind"`
	Model            string `json:"model"`
	MaxContextTokens int    `json:"max_context_tokens"`
	Connected        bool   `json:"connected"`
}

// Ollama API types

// ChatRequest represents an Ollama chat request
type ChatRequest struct {
	Model    string                 `json:"model"`
	Messages []Message              `json:"messages"`
	Stream   bool                   `json:"stream"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

// ChatResponseOllama represents an Ollama chat response
type ChatResponseOllama struct {
	Model              string    `json:"model"`
	CreatedAt          time.Time `json:"created_at"`
	Message            *Message  `json:"message"`
	Done               bool      `json:"done"`
	DoneReason         string    `json:"done_reason,omitempty"`
	TotalDuration      int64     `json:"total_duration,omitempty"`
	LoadDuration       int64     `json:"load_duration,omitempty"`
	PromptEvalCount    int       `json:"prompt_eval_count,omitempty"`
	PromptEvalDuration int64     `json:"prompt_eval_duration,omitempty"`
	EvalCount          int       `json:"eval_count,omitempty"`
	EvalDuration       int64     `json:"eval_duration,omitempty"`
}

// ModelsResponse represents the response for listing models
type ModelsResponse struct {
	Models []ModelInfo `json:"models"`
}

// ModelInfo represents information about a model
type ModelInfo struct {
	Name       string       `json:"name"`
	Model      string       `json:"model"` // Duplicate of Name for compatibility
	ModifiedAt time.Time    `json:"modified_at"`
	Size       int64        `json:"size"`
	Digest     string       `json:"digest"`
	Details    ModelDetails `json:"details,omitempty"`
}

// ModelDetails contains detailed model information
type ModelDetails struct {
	Format            string   `json:"format"`
	Family            string   `json:"family"`
	Families          []string `json:"families"`
	ParameterSize     string   `json:"parameter_size"`
	QuantizationLevel string   `json:"quantization_level"`
}
