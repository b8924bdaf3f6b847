package provider

import (
	"context"
	"fmt"
	"os"
	"time"

	"modelgate/internal/config"
	"modelgate/internal/domain"
)

// TransportError marks a backend as unreachable or misbehaving at the
// protocol level. The retry manager treats it as retriable.
type TransportError struct {
	Provider string
	Err      error
}

func (e TransportError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e TransportError) Unwrap() error { return e.Err }

// ProgressFunc receives incremental output, e.g. one chunk of a streamed
// or line-buffered subprocess response.
type ProgressFunc func(note string)

// Client performs a single model invocation against one backend.
type Client interface {
	Generate(ctx context.Context, req domain.BackendRequest, onProgress ProgressFunc) (*domain.BackendResponse, error)
}

// Invoker resolves a provider id to a client and passes the request
// through. It holds no per-request state.
type Invoker struct {
	backends map[string]Client
}

// NewInvoker builds clients for every configured backend.
func NewInvoker(cfg config.ProvidersConfig) (*Invoker, error) {
	backends := make(map[string]Client, len(cfg.Backends))
	for id, b := range cfg.Backends {
		client, err := newClient(id, b)
		if err != nil {
			return nil, err
		}
		backends[id] = client
	}
	return &Invoker{backends: backends}, nil
}

func newClient(id string, b config.BackendConfig) (Client, error) {
	timeout := time.Duration(b.TimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	switch b.Kind {
	case "anthropic":
		return &AnthropicClient{
			APIKey:  os.Getenv(keyEnv(b, "ANTHROPIC_API_KEY")),
			Model:   b.Model,
			BaseURL: b.BaseURL,
			Timeout: timeout,
		}, nil
	case "openai":
		return &OpenAIClient{
			APIKey:  os.Getenv(keyEnv(b, "OPENAI_API_KEY")),
			Model:   b.Model,
			BaseURL: b.BaseURL,
			Timeout: timeout,
		}, nil
	case "gemini":
		return &GeminiClient{
			APIKey: os.Getenv(keyEnv(b, "GOOGLE_API_KEY")),
			Model:  b.Model,
		}, nil
	case "subprocess":
		return &SubprocessClient{Command: b.Command, Timeout: timeout}, nil
	case "mock":
		return &MockClient{}, nil
	}
	return nil, config.ConfigurationError{Field: "providers.backends." + id, Msg: fmt.Sprintf("unknown kind %q", b.Kind)}
}

func keyEnv(b config.BackendConfig, def string) string {
	if b.APIKeyEnv != "" {
		return b.APIKeyEnv
	}
	return def
}

// Invoke dispatches to the named backend.
func (i *Invoker) Invoke(ctx context.Context, providerID string, req domain.BackendRequest, onProgress ProgressFunc) (*domain.BackendResponse, error) {
	client, ok := i.backends[providerID]
	if !ok {
		return nil, TransportError{Provider: providerID, Err: fmt.Errorf("unknown provider")}
	}
	if onProgress == nil {
		onProgress = func(string) {}
	}
	return client.Generate(ctx, req, onProgress)
}

// Known reports whether the provider id is configured.
func (i *Invoker) Known(providerID string) bool {
	_, ok := i.backends[providerID]
	return ok
}

// Names lists the configured provider ids in no particular order.
func (i *Invoker) Names() []string {
	names := make([]string, 0, len(i.backends))
	for id := range i.backends {
		names = append(names, id)
	}
	return names
}
