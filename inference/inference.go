// Package inference defines the contract between the gateway and an
// in-process model runtime. Runtimes are provided by drivers that register
// themselves by name, the same way database/sql drivers do.
package inference

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"llm_gateway/models"
)

// Strategy selects how model weights are loaded
type Strategy string

const (
	// StrategyDirect loads the whole model onto the fastest available device
	StrategyDirect Strategy = "direct"
	// StrategyOffload keeps weights in host memory; slower but loads on constrained hardware
	StrategyOffload Strategy = "offload"
)

// DefaultStrategies is the load order used when none is configured
var DefaultStrategies = []Strategy{StrategyDirect, StrategyOffload}

// LoadSpec describes the model to load
type LoadSpec struct {
	Model         string // model name, e.g. a hub repository
	Path          string // local weights file, takes precedence over Model
	Strategy      Strategy
	ContextTokens int
	Options       map[string]string // driver specific
}

// Params are the generation parameters of one call
type Params struct {
	Temperature float64
	MaxTokens   int
	Variant     string
}

// Model is a loaded model handle. Implementations need not be safe for
// concurrent Generate calls; callers serialize access.
type Model interface {
	Generate(ctx context.Context, messages []models.Message, params Params) (string, error)

	// ReleaseScratch frees caches built up by the last generation
	ReleaseScratch()

	Close() error
}

// Driver loads models
type Driver interface {
	Load(ctx context.Context, spec LoadSpec) (Model, error)
}

// DriverFunc adapts a function to the Driver interface
type DriverFunc func(ctx context.Context, spec LoadSpec) (Model, error)

// Load implements Driver
func (f DriverFunc) Load(ctx context.Context, spec LoadSpec) (Model, error) {
	return f(ctx, spec)
}

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Driver)
)

// Register makes a driver available by name. It panics if the name is taken.
func Register(name string, driver Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()

	if driver == nil {
		panic("inference: Register driver is nil")
	}
	if _, dup := drivers[name]; dup {
		panic("inference: Register called twice for driver " + name)
	}
	drivers[name] = driver
}

// Lookup returns a registered driver
func Lookup(name string) (Driver, error) {
	driversMu.RLock()
	defer driversMu.RUnlock()

	driver, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("unknown inference driver %q (registered: %v)", name, driverNames())
	}
	return driver, nil
}

func driverNames() []string {
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
