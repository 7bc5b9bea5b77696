package config

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Backend identifiers accepted in [backends.<id>]
const (
	LocalFast    = "local_fast"
	LocalHeavy   = "local_heavy"
	OpenAICompat = "openai_compat"
)

var knownBackends = []string{LocalFast, LocalHeavy, OpenAICompat}

// Config represents the application configuration
type Config struct {
	Server        ServerConfig             `toml:"server"`
	Database      DatabaseConfig           `toml:"database"`
	Conversations ConversationsConfig      `toml:"conversations"`
	Prompt        PromptConfig             `toml:"prompt"`
	RateLimit     RateLimitConfig          `toml:"rate_limit"`
	Backends      map[string]BackendConfig `toml:"backends"`
}

// ServerConfig holds the server settings
type ServerConfig struct {
	Host            string `toml:"host"`
	Port            int    `toml:"port"`
	EnableCORS      bool   `toml:"enable_cors"`
	LogMessages     bool   `toml:"log_messages"`
	LogRawRequests  bool   `toml:"log_raw_requests"`
	LogRawResponses bool   `toml:"log_raw_responses"`
	Verbose         bool   `toml:"verbose"`
}

// DatabaseConfig holds the database settings
type DatabaseConfig struct {
	Path            string `toml:"path"`
	MaxRequests     int    `toml:"max_requests"`     // Maximum number of requests to keep (0 = unlimited, default 1000)
	CleanupInterval int    `toml:"cleanup_interval"` // Cleanup interval in minutes (0 = disabled, default 5)
}

// ConversationsConfig holds the stored conversation settings
type ConversationsConfig struct {
	MaxPerUser         int     `toml:"max_per_user"` // oldest conversations are evicted beyond this
	DefaultBackend     string  `toml:"default_backend"`
	DefaultTemperature float64 `toml:"default_temperature"` // 0.7 when absent, an explicit 0 is kept
	DefaultMaxTokens   int     `toml:"default_max_tokens"`
}

// PromptConfig holds the system instruction sent with every request
type PromptConfig struct {
	System string `toml:"system"`
}

// RateLimitConfig holds the per-user request limits (requests_per_second <= 0 disables limiting)
type RateLimitConfig struct {
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
}

// BackendConfig holds the settings of one backend
type BackendConfig struct {
	Endpoint         string `toml:"endpoint"`
	Model            string `toml:"model"`
	MaxContextTokens int    `toml:"max_context_tokens"`
	RequestTimeout   int    `toml:"request_timeout"` // in seconds
	ProbeTimeout     int    `toml:"probe_timeout"`   // in seconds

	// Appended to the system prompt. nil means the backend default, "" disables it.
	SystemSuffix   *string `toml:"system_suffix"`
	StripReasoning *bool   `toml:"strip_reasoning"`

	// OpenAI-compatible backends
	APIKey string `toml:"api_key"`

	// In-process backends
	Driver     string            `toml:"driver"`
	ModelPath  string            `toml:"model_path"`
	Preload    bool              `toml:"preload"`
	Strategies []string          `toml:"strategies"`
	Options    map[string]string `toml:"options"`
}

// RequestTimeoutDuration returns the generation timeout
func (b BackendConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(b.RequestTimeout) * time.Second
}

// ProbeTimeoutDuration returns the reachability probe timeout
func (b BackendConfig) ProbeTimeoutDuration() time.Duration {
	return time.Duration(b.ProbeTimeout) * time.Second
}

// Suffix returns the configured system prompt suffix
func (b BackendConfig) Suffix() string {
	if b.SystemSuffix == nil {
		return ""
	}
	return *b.SystemSuffix
}

// Strip reports whether reasoning blocks are removed from the output
func (b BackendConfig) Strip() bool {
	return b.StripReasoning != nil && *b.StripReasoning
}

// Load reads a .env file if present, then parses the configuration file and
// applies environment overrides. An empty path uses defaults only.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	if path == "" {
		return Parse("")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(string(data))
}

// Parse decodes a TOML document, applies environment overrides and defaults
// and validates the result.
func Parse(data string) (*Config, error) {
	var config Config

	metadata, err := toml.Decode(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Fail on unknown keys
	if len(metadata.Undecoded()) > 0 {
		return nil, fmt.Errorf("unknown keys in config file: %v", metadata.Undecoded())
	}

	for id := range config.Backends {
		if !isKnownBackend(id) {
			return nil, fmt.Errorf("unknown backend %q in config (must be one of %s)", id, strings.Join(knownBackends, ", "))
		}
	}

	if len(config.Backends) == 0 {
		config.Backends = map[string]BackendConfig{
			LocalFast:  {},
			LocalHeavy: {},
		}
	}

	if err := applyEnv(&config); err != nil {
		return nil, err
	}

	setDefaults(&config, metadata)

	if err := validate(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// BackendIDs returns the configured backend identifiers in a stable order
func (c *Config) BackendIDs() []string {
	var ids []string
	for _, id := range knownBackends {
		if _, ok := c.Backends[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func isKnownBackend(id string) bool {
	for _, known := range knownBackends {
		if id == known {
			return true
		}
	}
	return false
}

func envPrefix(id string) string {
	return "GATEWAY_" + strings.ToUpper(id) + "_"
}

// applyEnv overrides file settings from GATEWAY_* variables. Setting the URL
// of an unconfigured backend enables it.
func applyEnv(config *Config) error {
	if err := parseOptionalFromEnv(&config.Server.Port, "GATEWAY_PORT", strconv.Atoi); err != nil {
		return err
	}
	loadOptionalFromEnv(&config.Database.Path, "GATEWAY_DATABASE_PATH")
	loadOptionalFromEnv(&config.Prompt.System, "GATEWAY_SYSTEM_PROMPT")

	for _, id := range knownBackends {
		prefix := envPrefix(id)
		backend, configured := config.Backends[id]
		if !configured && os.Getenv(prefix+"URL") == "" {
			continue
		}

		loadOptionalFromEnv(&backend.Endpoint, prefix+"URL")
		loadOptionalFromEnv(&backend.Model, prefix+"MODEL")
		loadOptionalFromEnv(&backend.APIKey, prefix+"API_KEY")
		if err := parseOptionalFromEnv(&backend.MaxContextTokens, prefix+"MAX_CONTEXT_TOKENS", strconv.Atoi); err != nil {
			return err
		}
		if err := parseOptionalFromEnv(&backend.RequestTimeout, prefix+"REQUEST_TIMEOUT", strconv.Atoi); err != nil {
			return err
		}
		if err := parseOptionalFromEnv(&backend.ProbeTimeout, prefix+"PROBE_TIMEOUT", strconv.Atoi); err != nil {
			return err
		}
		config.Backends[id] = backend
	}
	return nil
}

func loadOptionalFromEnv(dest *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dest = v
	}
}

func parseOptionalFromEnv[T any](dest *T, key string, parseFn func(string) (T, error)) error {
	str := os.Getenv(key)
	if str == "" {
		return nil // Leave current value
	}
	v, err := parseFn(str)
	if err != nil {
		return fmt.Errorf("failed to parse environment variable '%s' value '%s' as '%T': %w", key, str, *dest, err)
	}
	*dest = v
	return nil
}

// setDefaults fills unset values. Keys where zero is meaningful are only
// defaulted when absent from the file.
func setDefaults(config *Config, metadata toml.MetaData) {
	if config.Server.Host == "" {
		config.Server.Host = "0.0.0.0"
	}
	if config.Server.Port == 0 {
		config.Server.Port = 8080
	}
	if config.Database.Path == "" {
		config.Database.Path = "./llm_gateway.db"
	}
	if !metadata.IsDefined("database", "max_requests") {
		config.Database.MaxRequests = 1000
	}
	if !metadata.IsDefined("database", "cleanup_interval") {
		config.Database.CleanupInterval = 5
	}
	if config.Conversations.MaxPerUser == 0 {
		config.Conversations.MaxPerUser = 20
	}
	if config.Conversations.DefaultBackend == "" {
		config.Conversations.DefaultBackend = LocalFast
		if _, ok := config.Backends[LocalFast]; !ok {
			config.Conversations.DefaultBackend = config.BackendIDs()[0]
		}
	}
	if !metadata.IsDefined("conversations", "default_temperature") {
		config.Conversations.DefaultTemperature = 0.7
	}
	if config.Conversations.DefaultMaxTokens == 0 {
		config.Conversations.DefaultMaxTokens = 512
	}
	if config.Prompt.System == "" {
		config.Prompt.System = "You are a helpful assistant."
	}
	if !metadata.IsDefined("rate_limit", "requests_per_second") {
		config.RateLimit.RequestsPerSecond = 5
	}
	if config.RateLimit.Burst == 0 {
		config.RateLimit.Burst = 10
	}

	for id, backend := range config.Backends {
		setBackendDefaults(id, &backend)
		config.Backends[id] = backend
	}
}

func setBackendDefaults(id string, backend *BackendConfig) {
	if backend.ProbeTimeout == 0 {
		backend.ProbeTimeout = 5
	}

	switch id {
	case LocalFast:
		if backend.Endpoint == "" {
			backend.Endpoint = "http://localhost:11434"
		}
		if backend.Model == "" {
			backend.Model = "phi3"
		}
		if backend.MaxContextTokens == 0 {
			backend.MaxContextTokens = 4096
		}
		if backend.RequestTimeout == 0 {
			backend.RequestTimeout = 120
		}
	case LocalHeavy:
		if backend.Driver == "" {
			backend.Driver = "llamacpp"
		}
		if backend.Model == "" && backend.ModelPath == "" {
			backend.Model = "Qwen/Qwen3-1.7B"
		}
		if backend.MaxContextTokens == 0 {
			backend.MaxContextTokens = 28672
		}
		if backend.RequestTimeout == 0 {
			backend.RequestTimeout = 600
		}
		if backend.SystemSuffix == nil {
			suffix := " /no_think"
			backend.SystemSuffix = &suffix
		}
		if backend.StripReasoning == nil {
			strip := true
			backend.StripReasoning = &strip
		}
		if len(backend.Strategies) == 0 {
			backend.Strategies = []string{"direct", "offload"}
		}
	case OpenAICompat:
		if backend.MaxContextTokens == 0 {
			backend.MaxContextTokens = 8192
		}
		if backend.RequestTimeout == 0 {
			backend.RequestTimeout = 300
		}
	}
}

func validate(config *Config) error {
	if config.Server.Port < 1 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d", config.Server.Port)
	}
	if config.Conversations.MaxPerUser < 1 {
		return fmt.Errorf("conversations.max_per_user must be positive, got %d", config.Conversations.MaxPerUser)
	}
	if _, ok := config.Backends[config.Conversations.DefaultBackend]; !ok {
		return fmt.Errorf("conversations.default_backend %q is not configured", config.Conversations.DefaultBackend)
	}
	if t := config.Conversations.DefaultTemperature; t < 0 || t > 1 {
		return fmt.Errorf("conversations.default_temperature must be between 0.0 and 1.0, got %g", t)
	}
	if n := config.Conversations.DefaultMaxTokens; n < 1 || n > 4096 {
		return fmt.Errorf("conversations.default_max_tokens must be between 1 and 4096, got %d", n)
	}

	ids := make([]string, 0, len(config.Backends))
	for id := range config.Backends {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		backend := config.Backends[id]
		if backend.MaxContextTokens < 1 {
			return fmt.Errorf("backends.%s.max_context_tokens must be positive", id)
		}
		if backend.RequestTimeout < 1 || backend.ProbeTimeout < 1 {
			return fmt.Errorf("backends.%s timeouts must be positive", id)
		}

		switch id {
		case LocalFast, OpenAICompat:
			if backend.Endpoint == "" {
				return fmt.Errorf("backends.%s.endpoint is required", id)
			}
			if backend.Model == "" && id == OpenAICompat {
				return fmt.Errorf("backends.%s.model is required", id)
			}
		case LocalHeavy:
			for _, strategy := range backend.Strategies {
				if strategy != "direct" && strategy != "offload" {
					return fmt.Errorf("invalid backends.%s.strategies entry: %s (must be 'direct' or 'offload')", id, strategy)
				}
			}
		}
	}
	return nil
}
