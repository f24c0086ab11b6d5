package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tandemdental/dentascribe/pkg/provider/asr"
	"github.com/tandemdental/dentascribe/pkg/provider/asr/azure"
	"github.com/tandemdental/dentascribe/pkg/provider/asr/mock"
	"github.com/tandemdental/dentascribe/pkg/provider/asr/openai"
	"github.com/tandemdental/dentascribe/pkg/provider/asr/openairt"
	"github.com/tandemdental/dentascribe/pkg/provider/asr/whisperlocal"
)

// ErrProviderNotRegistered is returned by [Registry.CreateASR] when no
// factory has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps ASR provider names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	asr map[string]func(ProviderEntry) (asr.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		asr: make(map[string]func(ProviderEntry) (asr.Provider, error)),
	}
}

// RegisterASR registers an ASR provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterASR(name string, factory func(ProviderEntry) (asr.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.asr[name] = factory
}

// CreateASR instantiates an ASR provider using the factory registered under
// entry.Name. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateASR(entry ProviderEntry) (asr.Provider, error) {
	r.mu.RLock()
	factory, ok := r.asr[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: asr/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// DefaultRegistry returns a [Registry] with all built-in ASR providers
// registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.RegisterASR("openai", func(e ProviderEntry) (asr.Provider, error) {
		var opts []openai.Option
		if e.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(e.BaseURL))
		}
		if e.Model != "" {
			opts = append(opts, openai.WithModel(e.Model))
		}
		return openai.New(e.APIKey, opts...)
	})

	r.RegisterASR("openai-realtime", func(e ProviderEntry) (asr.Provider, error) {
		var opts []openairt.Option
		if e.BaseURL != "" {
			opts = append(opts, openairt.WithBaseURL(e.BaseURL))
		}
		if e.Model != "" {
			opts = append(opts, openairt.WithModel(e.Model))
		}
		if e.Language != "" {
			opts = append(opts, openairt.WithLanguage(e.Language))
		}
		return openairt.New(e.APIKey, opts...)
	})

	r.RegisterASR("azure", func(e ProviderEntry) (asr.Provider, error) {
		var opts []azure.Option
		if e.BaseURL != "" {
			opts = append(opts, azure.WithEndpoint(e.BaseURL))
		}
		if e.Language != "" {
			opts = append(opts, azure.WithLanguage(e.Language))
		}
		return azure.New(e.APIKey, e.Region, opts...)
	})

	r.RegisterASR("whisper-local", func(e ProviderEntry) (asr.Provider, error) {
		var opts []whisperlocal.Option
		if e.Model != "" {
			opts = append(opts, whisperlocal.WithModel(e.Model))
		}
		return whisperlocal.New(e.BaseURL, opts...)
	})

	r.RegisterASR("mock", func(e ProviderEntry) (asr.Provider, error) {
		return &mock.Provider{FixedText: "mock transcript"}, nil
	})

	return r
}
