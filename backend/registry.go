package backend

import (
	"context"
	"errors"
	"fmt"

	"llm_gateway/models"
)

// Registry maps backend identifiers to live backends. It is populated once at
// startup and only read afterwards, so lookups need no locking.
type Registry struct {
	backends map[ID]Backend
	order    []ID
}

// NewRegistry creates a registry from the given backends
func NewRegistry(backends ...Backend) (*Registry, error) {
	r := &Registry{backends: make(map[ID]Backend, len(backends))}
	for _, b := range backends {
		if _, ok := ParseID(string(b.ID())); !ok {
			return nil, fmt.Errorf("backend id %q is not a known backend", b.ID())
		}
		if _, dup := r.backends[b.ID()]; dup {
			return nil, fmt.Errorf("backend %q registered twice", b.ID())
		}
		r.backends[b.ID()] = b
		r.order = append(r.order, b.ID())
	}
	return r, nil
}

// Resolve returns the backend registered under id
func (r *Registry) Resolve(id string) (Backend, error) {
	b, ok := r.backends[ID(id)]
	if !ok {
		return nil, UnknownBackendError(id)
	}
	return b, nil
}

// List returns the registered backends in registration order
func (r *Registry) List() []Backend {
	list := make([]Backend, 0, len(r.order))
	for _, id := range r.order {
		list = append(list, r.backends[id])
	}
	return list
}

// Info describes every registered backend
func (r *Registry) Info() []models.BackendInfo {
	infos := make([]models.BackendInfo, 0, len(r.order))
	for _, b := range r.List() {
		limits := b.Limits()
		infos = append(infos, models.BackendInfo{
			ID:               string(b.ID()),
			Kind:             string(b.Kind()),
			Model:            limits.DefaultModel,
			MaxContextTokens: limits.MaxContextTokens,
			Connected:        b.Connected(),
		})
	}
	return infos
}

// ConnectAll connects every backend and returns the failures keyed by id
func (r *Registry) ConnectAll(ctx context.Context) map[ID]error {
	failures := make(map[ID]error)
	for _, b := range r.List() {
		if err := b.Connect(ctx); err != nil {
			failures[b.ID()] = err
		}
	}
	return failures
}

// Close closes every backend
func (r *Registry) Close() error {
	var errs []error
	for _, b := range r.List() {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.ID(), err))
		}
	}
	return errors.Join(errs...)
}
