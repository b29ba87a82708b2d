package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rshade/flowbatch/internal/failure"
	"github.com/rshade/flowbatch/internal/logging"
)

// ErrFactoryExists is returned when registering a language twice.
var ErrFactoryExists = errors.New("executor factory already registered")

// Factory builds a proxy for one batch run.
type Factory func(ctx context.Context, req CreateRequest) (Proxy, error)

// Registry maps languages to factories. It is built once at startup and
// handed to the engine.
type Registry struct {
	mu        sync.RWMutex
	factories map[Language]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[Language]Factory{}}
}

// Register adds the factory of lang.
func (r *Registry) Register(lang Language, factory Factory) error {
	if _, err := ParseLanguage(string(lang)); err != nil {
		return err
	}
	if factory == nil {
		return fmt.Errorf("nil factory for %s", lang)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[lang]; ok {
		return fmt.Errorf("%w: %s", ErrFactoryExists, lang)
	}
	r.factories[lang] = factory
	return nil
}

// Languages lists the registered languages in sorted order.
func (r *Registry) Languages() []Language {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Language, 0, len(r.factories))
	for lang := range r.factories {
		out = append(out, lang)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Create builds the proxy for the request's flow language. Factory errors
// that are not already classified become ExecutorInitError.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (Proxy, error) {
	lang, err := req.Language()
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	factory, ok := r.factories[lang]
	r.mu.RUnlock()
	if !ok {
		return nil, unsupportedLanguage(lang)
	}

	logging.FromContext(ctx).Debug().Ctx(ctx).
		Str("component", "executor").
		Str("language", string(lang)).
		Str("flow", req.Flow.Name).
		Msg("creating executor proxy")

	proxy, err := factory(ctx, req)
	if err != nil {
		if _, classified := failure.As(err); classified {
			return nil, err
		}
		return nil, failure.Wrap(failure.CategorySystem, failure.TargetExecutor, failure.CodeExecutorInit, err,
			"Failed to create the %s executor: %s", lang, failure.TypeAndMessage(err))
	}
	return proxy, nil
}
