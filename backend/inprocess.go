package backend

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"llm_gateway/budget"
	"llm_gateway/inference"
	"llm_gateway/models"
)

// InProcessBackend runs generation on a model owned by the gateway process.
// The model is loaded once; concurrent loads are collapsed into a single
// attempt and generations are serialized on the shared handle.
type InProcessBackend struct {
	base
	driver     inference.Driver
	spec       inference.LoadSpec
	strategies []inference.Strategy

	loads  singleflight.Group
	mu     sync.RWMutex
	handle inference.Model

	// slot serializes access to the model
	slot chan struct{}

	// freeMemory returns scratch memory to the OS after each generation
	freeMemory func()
}

// NewInProcessBackend creates an in-process backend. Strategies are tried in order on Connect.
func NewInProcessBackend(id ID, driver inference.Driver, spec inference.LoadSpec, strategies []inference.Strategy, limits Limits, estimator budget.Estimator, systemPrompt string) *InProcessBackend {
	if len(strategies) == 0 {
		strategies = inference.DefaultStrategies
	}
	if spec.ContextTokens == 0 {
		spec.ContextTokens = limits.MaxContextTokens
	}
	if spec.Model == "" {
		spec.Model = limits.DefaultModel
	}

	return &InProcessBackend{
		base:       newBase(id, KindInProcess, limits, estimator, systemPrompt),
		driver:     driver,
		spec:       spec,
		strategies: strategies,
		slot:       make(chan struct{}, 1),
		freeMemory: debug.FreeOSMemory,
	}
}

func (b *InProcessBackend) current() inference.Model {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.handle
}

// Connect loads the model. Callers arriving while a load is running wait for
// that load instead of starting another one.
func (b *InProcessBackend) Connect(ctx context.Context) error {
	if b.current() != nil {
		return nil
	}

	ch := b.loads.DoChan("load", func() (interface{}, error) {
		if m := b.current(); m != nil {
			return m, nil
		}
		// the load outlives any single caller
		return b.load(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return b.fail(newError(KindTimeout, b.id,
			fmt.Sprintf("backend %s is still loading", b.id), ctx.Err()))
	}
}

func (b *InProcessBackend) load(ctx context.Context) (inference.Model, error) {
	log.Printf("[%s] loading model %s", b.id, b.modelName())
	start := time.Now()

	var errs []error
	for _, strategy := range b.strategies {
		spec := b.spec
		spec.Strategy = strategy

		model, err := b.driver.Load(ctx, spec)
		if err != nil {
			log.Printf("[%s] %s load failed: %v", b.id, strategy, err)
			errs = append(errs, fmt.Errorf("%s: %w", strategy, err))
			continue
		}

		b.mu.Lock()
		b.handle = model
		b.mu.Unlock()

		log.Printf("[%s] model %s loaded with %s strategy in %v", b.id, b.modelName(), strategy, time.Since(start))
		return model, nil
	}

	return nil, b.fail(newError(KindConnectionUnavailable, b.id,
		fmt.Sprintf("backend %s failed to load model %s", b.id, b.modelName()), errors.Join(errs...)))
}

func (b *InProcessBackend) modelName() string {
	if b.spec.Path != "" {
		return b.spec.Path
	}
	return b.spec.Model
}

// Connected reports whether the model is loaded
func (b *InProcessBackend) Connected() bool {
	return b.current() != nil
}

type generation struct {
	text string
	err  error
}

// Generate runs inference on the loaded model. The call is bounded by the
// backend's request timeout; scratch memory is released after every call.
func (b *InProcessBackend) Generate(ctx context.Context, req models.GenerationRequest) (string, *BackendMetadata, error) {
	metadata := &BackendMetadata{Model: b.model(req.BackendVariant)}
	timeoutMsg := fmt.Sprintf("backend %s did not respond within %s", b.id, b.limits.RequestTimeout)

	ctx, cancel := context.WithTimeout(ctx, b.limits.RequestTimeout)
	defer cancel()

	if err := b.Connect(ctx); err != nil {
		return "", metadata, err
	}
	model := b.current()

	prepared := b.prepare(req, metadata)
	log.Printf("[%s] request (temperature=%g, max_tokens=%d, history %d/%d turns)",
		b.id, req.Temperature, req.MaxTokens, prepared.KeptTurns, prepared.HistoryTurns)

	select {
	case b.slot <- struct{}{}:
	case <-ctx.Done():
		return "", metadata, b.fail(newError(KindTimeout, b.id, timeoutMsg, ctx.Err()))
	}

	params := inference.Params{
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Variant:     req.BackendVariant,
	}

	done := make(chan generation, 1)
	go func() {
		defer func() { <-b.slot }()
		defer b.release(model)
		defer func() {
			if p := recover(); p != nil {
				done <- generation{err: fmt.Errorf("inference panicked: %v", p)}
			}
		}()

		text, err := model.Generate(ctx, prepared.Messages, params)
		done <- generation{text: text, err: err}
	}()

	var result generation
	select {
	case result = <-done:
	case <-ctx.Done():
		return "", metadata, b.fail(newError(KindTimeout, b.id, timeoutMsg, ctx.Err()))
	}

	if result.err != nil {
		engineErr := classifyTransport(b.id, result.err, timeoutMsg)
		if engineErr.Kind == KindConnectionUnavailable {
			b.discard(model)
		}
		return "", metadata, b.fail(engineErr)
	}
	metadata.RawResponse = result.text

	text, err := b.finish(result.text)
	if err != nil {
		return "", metadata, err
	}

	log.Printf("[%s] response received (%d characters)", b.id, len(text))
	return text, metadata, nil
}

func (b *InProcessBackend) release(model inference.Model) {
	model.ReleaseScratch()
	if b.freeMemory != nil {
		b.freeMemory()
	}
}

// discard drops a handle whose runtime is gone so the next Connect reloads it
func (b *InProcessBackend) discard(model inference.Model) {
	b.mu.Lock()
	if b.handle != model {
		b.mu.Unlock()
		return
	}
	b.handle = nil
	b.mu.Unlock()

	log.Printf("[%s] model runtime is unavailable, it will be reloaded on the next request", b.id)
	if err := model.Close(); err != nil {
		log.Printf("[%s] failed to close model: %v", b.id, err)
	}
}

// Close unloads the model, waiting for a running generation to finish
func (b *InProcessBackend) Close() error {
	b.slot <- struct{}{}
	defer func() { <-b.slot }()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handle == nil {
		return nil
	}
	err := b.handle.Close()
	b.handle = nil
	return err
}
