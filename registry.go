package bigtalk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bigtalk-run/bigtalk/provider"
	"github.com/bigtalk-run/bigtalk/provider/anthropic"
	"github.com/bigtalk-run/bigtalk/provider/openai"
)

// providerFactory builds a Provider on first use. Engine caches the
// result (or the failure) and never invokes factory again for the same
// slot, satisfying the "first-use instantiation MUST be serialized per
// provider name" requirement with a per-slot sync.Once rather than
// locking the whole registry for the duration of a (possibly slow)
// construction.
type providerFactory func() (provider.Provider, error)

type providerSlot struct {
	factory providerFactory

	once     sync.Once
	instance provider.Provider
	err      error
	ready    atomic.Bool
}

func (s *providerSlot) get() (provider.Provider, error) {
	s.once.Do(func() {
		s.instance, s.err = s.factory()
		s.ready.Store(true)
	})
	return s.instance, s.err
}

// AddProvider registers factory under name. Without override, a name
// already present fails with ErrDuplicateProvider. With override, the
// factory is replaced and any cached instance for that name is evicted,
// so the next call re-instantiates from the new factory.
func (e *Engine) AddProvider(name string, factory func() (provider.Provider, error), override bool) error {
	if name == "" {
		return fmt.Errorf("%w: provider name must not be empty", ErrInvalidModelID)
	}
	if factory == nil {
		return fmt.Errorf("bigtalk: factory for provider %q must not be nil", name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.providers[name]; exists && !override {
		return fmt.Errorf("%w: %q", ErrDuplicateProvider, name)
	}

	e.providers[name] = &providerSlot{factory: factory}
	return nil
}

// resolve implements streamiteration.Resolver: it splits a composite
// "<provider>/<model>" identifier on the first "/" and returns the
// cached-or-lazily-instantiated Provider for the provider segment.
func (e *Engine) resolve(modelID string) (provider.Provider, string, error) {
	name, model, err := parseModelID(modelID)
	if err != nil {
		return nil, "", err
	}

	e.mu.Lock()
	slot, ok := e.providers[name]
	e.mu.Unlock()
	if !ok {
		return nil, "", fmt.Errorf("%w: %q", ErrProviderNotFound, name)
	}

	p, err := slot.get()
	if err != nil {
		e.logger.Error(context.Background(), "provider instantiation failed", "provider", name, "error", err)
		return nil, "", &ProviderError{Provider: name, Err: err}
	}
	return p, model, nil
}

// Close invokes Close on every provider instantiated so far, concurrently,
// and returns a combined error if any failed. Providers whose factory was
// registered but never exercised are never constructed, so they are never
// closed.
func (e *Engine) Close() error {
	e.mu.Lock()
	slots := make(map[string]*providerSlot, len(e.providers))
	for name, slot := range e.providers {
		slots[name] = slot
	}
	e.mu.Unlock()

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		errs []error
	)
	for name, slot := range slots {
		if !slot.ready.Load() || slot.instance == nil {
			continue
		}
		wg.Add(1)
		go func(name string, p provider.Provider) {
			defer wg.Done()
			if err := p.Close(); err != nil {
				e.logger.Warn(context.Background(), "provider close failed", "provider", name, "error", err)
				mu.Lock()
				errs = append(errs, &ProviderError{Provider: name, Err: err})
				mu.Unlock()
			}
		}(name, slot.instance)
	}
	wg.Wait()

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("bigtalk: closing providers: %w", errors.Join(errs...))
}

// registerDefaultProviders pre-registers factories for "anthropic" and
// "openai" backed by ANTHROPIC_API_KEY / OPENAI_API_KEY, matching
// spec.md §4.1's "default factories ... pre-registered but remain
// un-instantiated until first use." A missing API key is not a
// registration-time failure; it surfaces as a ProviderError the first
// time the provider is actually resolved.
func (e *Engine) registerDefaultProviders() {
	e.providers["anthropic"] = &providerSlot{factory: func() (provider.Provider, error) {
		apiKey := e.env("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("anthropic: ANTHROPIC_API_KEY is not set")
		}
		return anthropic.NewFromAPIKey(apiKey, e.defaultAnthropicModel)
	}}
	e.providers["openai"] = &providerSlot{factory: func() (provider.Provider, error) {
		apiKey := e.env("OPENAI_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("openai: OPENAI_API_KEY is not set")
		}
		return openai.NewFromAPIKey(apiKey, e.defaultOpenAIModel)
	}}
}
