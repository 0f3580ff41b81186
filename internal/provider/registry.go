package provider

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownModel indicates the requested model reference cannot be routed.
var ErrUnknownModel = errors.New("unknown model")

// ErrDuplicateProvider indicates an attempt to register the same provider twice.
var ErrDuplicateProvider = errors.New("provider already registered")

// ErrUnsupportedOperation indicates the provider cannot fulfill the requested action.
var ErrUnsupportedOperation = errors.New("unsupported provider operation")

// ModelRef addresses a model as "provider/model".
type ModelRef string

// NewModelRef joins a provider key and a model name.
func NewModelRef(key Key, model string) ModelRef {
	return ModelRef(string(key) + "/" + model)
}

// Provider returns the provider part, empty when the ref has no slash.
func (r ModelRef) Provider() string {
	p, _, ok := strings.Cut(string(r), "/")
	if !ok {
		return ""
	}
	return p
}

// Model returns the model part.
func (r ModelRef) Model() string {
	_, m, ok := strings.Cut(string(r), "/")
	if !ok {
		return string(r)
	}
	return m
}

// Registry maps provider keys to ready clients and aliases to model refs.
type Registry struct {
	mu      sync.RWMutex
	clients map[Key]*Client
	aliases map[string]ModelRef
}

// NewRegistry constructs an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[Key]*Client),
		aliases: make(map[string]ModelRef),
	}
}

// Register adds a provider and its aliases (alias name to model name).
func (r *Registry) Register(p ChatProvider, aliases map[string]string) error {
	if p == nil {
		return errors.New("provider must not be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := p.Name()
	if _, exists := r.clients[key]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateProvider, key)
	}

	for alias, target := range aliases {
		if strings.TrimSpace(alias) == "" || strings.TrimSpace(target) == "" {
			return fmt.Errorf("provider %s: alias and target must not be empty", key)
		}
		if _, exists := r.aliases[alias]; exists {
			return fmt.Errorf("alias %q conflicts with an existing alias", alias)
		}
	}

	r.clients[key] = NewClient(p)
	for alias, target := range aliases {
		r.aliases[alias] = NewModelRef(key, target)
	}
	return nil
}

// Lookup returns the client registered for key.
func (r *Registry) Lookup(key Key) (*Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[key]
	if !ok {
		return nil, fmt.Errorf("%w: provider %s is not configured", ErrUnknownModel, key)
	}
	return c, nil
}

// Resolve routes a model reference: an alias, or "provider/model".
func (r *Registry) Resolve(model string) (*Client, string, error) {
	r.mu.RLock()
	ref, ok := r.aliases[model]
	r.mu.RUnlock()
	if !ok {
		ref = ModelRef(model)
	}

	if ref.Provider() == "" || ref.Model() == "" {
		return nil, "", fmt.Errorf("%w: %q must be an alias or provider/model", ErrUnknownModel, model)
	}
	key, err := ParseKey(ref.Provider())
	if err != nil {
		return nil, "", err
	}
	c, err := r.Lookup(key)
	if err != nil {
		return nil, "", err
	}
	return c, ref.Model(), nil
}

// Keys lists the registered providers in sorted order.
func (r *Registry) Keys() []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Key, 0, len(r.clients))
	for k := range r.clients {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
