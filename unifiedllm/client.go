package unifiedllm

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// Middleware wraps a provider call. It receives the request and a next function
// that calls the downstream handler, and returns the response.
type Middleware func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error)

// Client holds registered provider adapters, routes requests by provider
// identifier, and applies middleware.
type Client struct {
	providers       map[string]ProviderAdapter
	defaultProvider string
	middleware      []Middleware
	mu              sync.RWMutex
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithProvider registers a provider adapter.
func WithProvider(name string, adapter ProviderAdapter) ClientOption {
	return func(c *Client) {
		c.providers[name] = adapter
	}
}

// WithDefaultProvider sets the default provider name.
func WithDefaultProvider(name string) ClientOption {
	return func(c *Client) {
		c.defaultProvider = name
	}
}

// WithMiddleware adds middleware to the client.
func WithMiddleware(mw ...Middleware) ClientOption {
	return func(c *Client) {
		c.middleware = append(c.middleware, mw...)
	}
}

// NewClient creates a new Client with the given options.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		providers: make(map[string]ProviderAdapter),
	}
	for _, opt := range opts {
		opt(c)
	}
	// If no default and exactly one provider, use it.
	if c.defaultProvider == "" && len(c.providers) == 1 {
		for name := range c.providers {
			c.defaultProvider = name
		}
	}
	return c
}

// RegisterProvider adds a provider adapter to the client.
func (c *Client) RegisterProvider(name string, adapter ProviderAdapter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers[name] = adapter
	if c.defaultProvider == "" {
		c.defaultProvider = name
	}
}

// Providers returns the registered provider names, sorted.
func (c *Client) Providers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.providers))
	for name := range c.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// resolveProvider determines which provider adapter to use for a request.
func (c *Client) resolveProvider(req Request) (ProviderAdapter, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	name := req.Provider
	if name == "" {
		name = c.defaultProvider
	}
	if name == "" {
		if info := GetModelInfo(req.Model); info != nil {
			name = info.Provider
		}
	}
	if name == "" {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: "no provider specified and no default provider configured",
		}}
	}

	adapter, ok := c.providers[name]
	if !ok {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: fmt.Sprintf("provider %q is not registered", name),
		}}
	}
	return adapter, nil
}

// Complete sends a blocking request through middleware to the resolved provider.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	adapter, err := c.resolveProvider(req)
	if err != nil {
		return nil, err
	}

	if req.Provider == "" {
		req.Provider = adapter.Name()
	}

	handler := func(ctx context.Context, r Request) (*Response, error) {
		return adapter.Complete(ctx, r)
	}

	// Apply middleware in reverse order so first registered runs first.
	for i := len(c.middleware) - 1; i >= 0; i-- {
		mw := c.middleware[i]
		next := handler
		handler = func(ctx context.Context, r Request) (*Response, error) {
			return mw(ctx, r, next)
		}
	}

	return handler(ctx, req)
}

// Close releases resources held by all registered providers.
func (c *Client) Close() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var firstErr error
	for _, adapter := range c.providers {
		if closer, ok := adapter.(Closer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// ProviderKeyEnv lists, per provider, the environment variables holding its
// API key in lookup order.
var ProviderKeyEnv = map[string][]string{
	"gemini":    {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	"openai":    {"OPENAI_API_KEY"},
	"anthropic": {"ANTHROPIC_API_KEY"},
}

// EnvConfig selects the default provider for NewClientFromEnv and tunes its
// adapter. Other providers get adapter defaults.
type EnvConfig struct {
	DefaultProvider string
	Model           string
	Temperature     *float64
}

// NewClientFromEnv registers an adapter for every provider whose API key is
// set. A named DefaultProvider must be known and have a key; other providers
// that cannot be set up are skipped.
func NewClientFromEnv(ctx context.Context, cfg EnvConfig, opts ...ClientOption) (*Client, error) {
	if cfg.DefaultProvider != "" {
		vars, ok := ProviderKeyEnv[cfg.DefaultProvider]
		if !ok {
			return nil, &ConfigurationError{SDKError: SDKError{
				Message: fmt.Sprintf("unsupported provider %q", cfg.DefaultProvider),
			}}
		}
		if firstEnv(vars...) == "" {
			return nil, &ConfigurationError{SDKError: SDKError{
				Message: strings.Join(vars, " or ") + " must be set",
			}}
		}
	}

	c := NewClient(opts...)
	names := make([]string, 0, len(ProviderKeyEnv))
	for name := range ProviderKeyEnv {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		key := firstEnv(ProviderKeyEnv[name]...)
		if key == "" {
			continue
		}
		var model string
		var temperature *float64
		if name == cfg.DefaultProvider {
			model, temperature = cfg.Model, cfg.Temperature
		}
		adapter, err := newEnvAdapter(ctx, name, key, model, temperature)
		if err != nil {
			if name == cfg.DefaultProvider {
				_ = c.Close()
				return nil, err
			}
			continue
		}
		c.RegisterProvider(name, adapter)
	}

	if cfg.DefaultProvider != "" {
		c.mu.Lock()
		c.defaultProvider = cfg.DefaultProvider
		c.mu.Unlock()
	}
	return c, nil
}

func newEnvAdapter(ctx context.Context, provider, key, model string, temperature *float64) (ProviderAdapter, error) {
	if provider == "gemini" {
		var opts []GenAIAdapterOption
		if model != "" {
			opts = append(opts, WithGenAIModel(model))
		}
		a, err := NewGenAIAdapter(ctx, key, opts...)
		if err != nil {
			return nil, err
		}
		return a, nil
	}
	var opts []GollmAdapterOption
	if model != "" {
		opts = append(opts, WithModel(model))
	}
	if temperature != nil {
		opts = append(opts, WithTemperature(*temperature))
	}
	a, err := NewGollmAdapter(provider, key, opts...)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}
