// Package models resolves model identifiers to descriptors with pricing and
// owns the lazily-initialized provider client. The registry is an explicit
// struct created by the composition root and injected into collaborators;
// nothing here is ambient mutable state.
package models

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/maximhar/oh-my-pi/internal/config"
	"github.com/maximhar/oh-my-pi/internal/wire"
)

// Model describes one model the platform can drive.
type Model struct {
	ID            string       `json:"id"`
	ContextWindow int          `json:"context_window"`
	MaxTokens     int          `json:"max_tokens"`
	Pricing       wire.Pricing `json:"pricing"`
}

// catalog lists the models the engine knows pricing for. Rates are dollars
// per million tokens.
var catalog = []Model{
	{
		ID:            "claude-opus-4-1",
		ContextWindow: 200000,
		MaxTokens:     32000,
		Pricing:       wire.Pricing{InputPerMTok: 15, OutputPerMTok: 75, CacheReadPerMTok: 1.5, CacheWritePerMTok: 18.75},
	},
	{
		ID:            "claude-sonnet-4-6",
		ContextWindow: 200000,
		MaxTokens:     64000,
		Pricing:       wire.Pricing{InputPerMTok: 3, OutputPerMTok: 15, CacheReadPerMTok: 0.3, CacheWritePerMTok: 3.75},
	},
	{
		ID:            "claude-sonnet-4-5",
		ContextWindow: 200000,
		MaxTokens:     64000,
		Pricing:       wire.Pricing{InputPerMTok: 3, OutputPerMTok: 15, CacheReadPerMTok: 0.3, CacheWritePerMTok: 3.75},
	},
	{
		ID:            "claude-haiku-4-5",
		ContextWindow: 200000,
		MaxTokens:     64000,
		Pricing:       wire.Pricing{InputPerMTok: 1, OutputPerMTok: 5, CacheReadPerMTok: 0.1, CacheWritePerMTok: 1.25},
	},
}

// Registry resolves model identifiers and hands out the provider client.
type Registry struct {
	models      []Model
	defaultName string
	baseURL     string
	maxTokens   int
	auth        *AuthStorage

	clientOnce sync.Once
	client     anthropic.Client
	clientErr  error
}

// NewRegistry creates a registry from config and auth storage.
func NewRegistry(cfg config.ModelsConfig, auth *AuthStorage) *Registry {
	return &Registry{
		models:      catalog,
		defaultName: cfg.Default,
		baseURL:     cfg.BaseURL,
		maxTokens:   cfg.MaxTokens,
		auth:        auth,
	}
}

// Resolve maps an exact model id or a fuzzy pattern to a descriptor.
// Resolution order: exact id, id prefix, case-insensitive substring.
func (r *Registry) Resolve(pattern string) (Model, error) {
	if pattern == "" {
		pattern = r.defaultName
	}

	for _, m := range r.models {
		if m.ID == pattern {
			return m, nil
		}
	}
	for _, m := range r.models {
		if strings.HasPrefix(m.ID, pattern) {
			return m, nil
		}
	}
	lower := strings.ToLower(pattern)
	for _, m := range r.models {
		if strings.Contains(strings.ToLower(m.ID), lower) {
			return m, nil
		}
	}

	return Model{}, fmt.Errorf("no model matches %q (known: %s)", pattern, strings.Join(r.Names(), ", "))
}

// Default returns the configured default model.
func (r *Registry) Default() (Model, error) {
	return r.Resolve(r.defaultName)
}

// Names returns the known model ids, sorted.
func (r *Registry) Names() []string {
	names := make([]string, len(r.models))
	for i, m := range r.models {
		names[i] = m.ID
	}
	sort.Strings(names)
	return names
}

// List returns the full catalog.
func (r *Registry) List() []Model {
	out := make([]Model, len(r.models))
	copy(out, r.models)
	return out
}

// MaxTokensFor returns the per-response cap for a model, honoring the
// configured override.
func (r *Registry) MaxTokensFor(m Model) int {
	if r.maxTokens > 0 && r.maxTokens < m.MaxTokens {
		return r.maxTokens
	}
	return m.MaxTokens
}

// Client returns the provider client, initializing it on first use.
func (r *Registry) Client() (anthropic.Client, error) {
	r.clientOnce.Do(func() {
		key, err := r.auth.APIKey("anthropic")
		if err != nil {
			r.clientErr = fmt.Errorf("resolve provider credentials: %w", err)
			return
		}

		opts := []option.RequestOption{option.WithAPIKey(key)}
		if r.baseURL != "" {
			opts = append(opts, option.WithBaseURL(r.baseURL))
		}
		r.client = anthropic.NewClient(opts...)
	})
	return r.client, r.clientErr
}
