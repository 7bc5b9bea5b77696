package main

import (
	"context"
	"fmt"
	"log"

	"llm_gateway/backend"
	"llm_gateway/budget"
	"llm_gateway/config"
	"llm_gateway/inference"
	_ "llm_gateway/inference/llamacpp"
)

// buildRegistry creates one backend per configured id. It also returns the
// backends to connect at startup.
func buildRegistry(cfg *config.Config) (*backend.Registry, []backend.Backend, error) {
	estimator := budget.NewTiktokenEstimator(budget.DefaultEncoding)
	// load the encoding now rather than on the first request
	estimator.Exact()

	var backends, preload []backend.Backend
	for _, id := range cfg.BackendIDs() {
		bc := cfg.Backends[id]
		limits := backend.Limits{
			MaxContextTokens: bc.MaxContextTokens,
			DefaultModel:     bc.Model,
			RequestTimeout:   bc.RequestTimeoutDuration(),
			ProbeTimeout:     bc.ProbeTimeoutDuration(),
			SystemSuffix:     bc.Suffix(),
			StripReasoning:   bc.Strip(),
		}

		var b backend.Backend
		switch backend.ID(id) {
		case backend.LocalFast:
			b = backend.NewOllamaBackend(backend.LocalFast, bc.Endpoint, limits, estimator, cfg.Prompt.System)
			preload = append(preload, b)
		case backend.OpenAICompat:
			b = backend.NewOpenAIBackend(backend.OpenAICompat, bc.Endpoint, bc.APIKey, limits, estimator, cfg.Prompt.System)
			preload = append(preload, b)
		case backend.LocalHeavy:
			driver, err := inference.Lookup(bc.Driver)
			if err != nil {
				return nil, nil, fmt.Errorf("backends.%s: %w", id, err)
			}
			if limits.DefaultModel == "" {
				limits.DefaultModel = bc.ModelPath
			}

			strategies := make([]inference.Strategy, 0, len(bc.Strategies))
			for _, s := range bc.Strategies {
				strategies = append(strategies, inference.Strategy(s))
			}
			spec := inference.LoadSpec{
				Model:         bc.Model,
				Path:          bc.ModelPath,
				ContextTokens: bc.MaxContextTokens,
				Options:       bc.Options,
			}

			b = backend.NewInProcessBackend(backend.LocalHeavy, driver, spec, strategies, limits, estimator, cfg.Prompt.System)
			if bc.Preload {
				preload = append(preload, b)
			}
		default:
			return nil, nil, fmt.Errorf("unsupported backend %q", id)
		}

		backends = append(backends, b)
	}

	registry, err := backend.NewRegistry(backends...)
	if err != nil {
		return nil, nil, err
	}
	return registry, preload, nil
}

// warmUp connects backends in the background. Failures are warnings; the
// backend connects again on first use.
func warmUp(ctx context.Context, registry *backend.Registry, backends []backend.Backend) {
	for _, b := range backends {
		go func(b backend.Backend) {
			if err := b.Connect(ctx); err != nil {
				log.Printf("Warning: backend %s not ready at startup: %v", b.ID(), err)
				return
			}
			log.Printf("Backend %s ready", b.ID())
		}(b)
	}
	log.Printf("%d of %d backends warming up", len(backends), len(registry.List()))
}
