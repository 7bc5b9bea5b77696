// Package llamacpp is an inference driver that runs models with a llama.cpp
// server owned by the gateway process. The server binds to loopback only and
// dies with the model handle.
package llamacpp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"

	"llm_gateway/inference"
	"llm_gateway/models"
)

// Name is the name the driver registers under
const Name = "llamacpp"

// Recognized LoadSpec options
const (
	OptionBinary      = "binary"       // llama-server executable, default looked up in PATH
	OptionLoadTimeout = "load_timeout" // Go duration, default 5m
	OptionThreads     = "threads"
	OptionGPULayers   = "gpu_layers" // overrides the strategy default for direct loads
)

const defaultLoadTimeout = 5 * time.Minute

func init() {
	inference.Register(Name, Driver{})
}

// Driver starts one llama-server process per loaded model
type Driver struct{}

// Load starts the server and waits until it reports healthy
func (Driver) Load(ctx context.Context, spec inference.LoadSpec) (inference.Model, error) {
	binary, err := findBinary(spec.Options[OptionBinary])
	if err != nil {
		return nil, err
	}

	loadTimeout := defaultLoadTimeout
	if raw := spec.Options[OptionLoadTimeout]; raw != "" {
		loadTimeout, err = time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s option %q: %w", OptionLoadTimeout, raw, err)
		}
	}

	port, err := freePort()
	if err != nil {
		return nil, fmt.Errorf("failed to reserve a port: %w", err)
	}

	args, err := Args(spec, port)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(binary, args...)
	cmd.Env = os.Environ()
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard

	log.Printf("[llamacpp] starting %s %s", binary, strings.Join(args, " "))
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", binary, err)
	}

	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	m := newModel(baseURL, spec.Model)
	m.watch(cmd)

	loadCtx, cancel := context.WithTimeout(ctx, loadTimeout)
	defer cancel()

	if err := m.waitHealthy(loadCtx); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

// Args builds the llama-server command line for a load
func Args(spec inference.LoadSpec, port int) ([]string, error) {
	var args []string
	switch {
	case spec.Path != "":
		args = append(args, "--model", spec.Path)
	case spec.Model != "":
		args = append(args, "--hf-repo", spec.Model)
	default:
		return nil, errors.New("either a model path or a model name is required")
	}

	if spec.ContextTokens > 0 {
		args = append(args, "--ctx-size", strconv.Itoa(spec.ContextTokens))
	}

	switch spec.Strategy {
	case inference.StrategyDirect, "":
		layers := "999"
		if v := spec.Options[OptionGPULayers]; v != "" {
			layers = v
		}
		args = append(args, "--n-gpu-layers", layers)
	case inference.StrategyOffload:
		args = append(args, "--n-gpu-layers", "0")
	default:
		return nil, fmt.Errorf("unsupported load strategy %q", spec.Strategy)
	}

	if v := spec.Options[OptionThreads]; v != "" {
		args = append(args, "--threads", v)
	}

	args = append(args,
		"--host", "127.0.0.1",
		"--port", strconv.Itoa(port),
		"--parallel", "1",
	)
	return args, nil
}

func findBinary(configured string) (string, error) {
	name := configured
	if name == "" {
		name = "llama-server"
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("llama.cpp server %q not found: %w", name, err)
	}
	return path, nil
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// Model is a model served by a llama-server process
type Model struct {
	baseURL    string
	name       string
	client     *openai.Client
	httpClient *http.Client

	cmd *exec.Cmd
	// exited is closed once the process has been reaped; waitErr is valid after that
	exited    chan struct{}
	waitErr   error
	closeOnce sync.Once
}

func newModel(baseURL, name string) *Model {
	clientConfig := openai.DefaultConfig("")
	clientConfig.BaseURL = baseURL + "/v1"

	return &Model{
		baseURL:    baseURL,
		name:       name,
		client:     openai.NewClientWithConfig(clientConfig),
		httpClient: &http.Client{Timeout: 5 * time.Second},
		exited:     make(chan struct{}),
	}
}

// watch reaps the started process in the background
func (m *Model) watch(cmd *exec.Cmd) {
	m.cmd = cmd
	go func() {
		m.waitErr = cmd.Wait()
		close(m.exited)
	}()
}

func (m *Model) waitHealthy(ctx context.Context) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	var lastErr error
	for {
		if lastErr = m.health(ctx); lastErr == nil {
			return nil
		}

		select {
		case <-m.exited:
			return fmt.Errorf("llama-server exited during load: %v", m.waitErr)
		case <-ctx.Done():
			return fmt.Errorf("llama-server not healthy: %w (last probe: %v)", ctx.Err(), lastErr)
		case <-ticker.C:
		}
	}
}

// health returns nil once the server has finished loading weights
func (m *Model) health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health returned status %d", resp.StatusCode)
	}
	return nil
}

// Generate runs a chat completion on the server
func (m *Model) Generate(ctx context.Context, messages []models.Message, params inference.Params) (string, error) {
	chat := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		chat = append(chat, openai.ChatCompletionMessage{Role: msg.Role, Content: msg.Content})
	}

	name := m.name
	if params.Variant != "" {
		name = params.Variant
	}

	resp, err := m.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       name,
		Messages:    chat,
		MaxTokens:   params.MaxTokens,
		Temperature: float32(params.Temperature),
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// ReleaseScratch erases the KV cache of the server's only slot
func (m *Model) ReleaseScratch() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/slots/0?action=erase", nil)
	if err != nil {
		return
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		log.Printf("[llamacpp] slot erase failed: %v", err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
}

// Close stops the server process
func (m *Model) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.httpClient.CloseIdleConnections()
		if m.cmd == nil || m.cmd.Process == nil {
			return
		}
		select {
		case <-m.exited:
			return
		default:
		}
		if killErr := m.cmd.Process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
			err = fmt.Errorf("failed to stop llama-server: %w", killErr)
			return
		}
		<-m.exited
	})
	return err
}
