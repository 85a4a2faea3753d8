package modelhandler

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/capitalize-ai/gembot/internal/llm"
	"github.com/capitalize-ai/gembot/internal/model"
	"github.com/capitalize-ai/gembot/internal/resilience"
	"github.com/capitalize-ai/gembot/pkg/logger"
)

// Registry lazily builds one handler per model name and shares it across requests.
type Registry struct {
	primary string
	configs map[string]model.ModelConfig
	clients map[string]llm.Client
	retry   resilience.RetryPolicy
	logger  *logger.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	builds   int
}

// Option customises a Registry.
type Option func(*Registry)

// WithRetryPolicy sets the retry policy every handler applies.
func WithRetryPolicy(p resilience.RetryPolicy) Option {
	return func(r *Registry) { r.retry = p }
}

// WithLogger sets the registry logger.
func WithLogger(l *logger.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates a registry. clients maps model names to the API client
// serving them; a configured model without a client fails resolution.
func NewRegistry(primary string, configs []model.ModelConfig, clients map[string]llm.Client, opts ...Option) *Registry {
	r := &Registry{
		primary:  primary,
		configs:  make(map[string]model.ModelConfig, len(configs)),
		clients:  make(map[string]llm.Client, len(clients)),
		retry:    resilience.DefaultRetryPolicy(),
		logger:   logger.NewNop(),
		handlers: make(map[string]Handler),
	}
	for _, c := range configs {
		r.configs[c.Name] = c
	}
	for name, c := range clients {
		if c != nil {
			r.clients[name] = c
		}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Primary returns the default model name.
func (r *Registry) Primary() string { return r.primary }

// Get returns the handler for name, building it on first use.
func (r *Registry) Get(name string) (Handler, error) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if ok {
		return h, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handlers[name]; ok {
		return h, nil
	}

	cfg, ok := r.configs[name]
	if !ok {
		return nil, &model.ConfigurationError{Model: name, Reason: "unknown model"}
	}
	client, ok := r.clients[name]
	if !ok {
		return nil, &model.ConfigurationError{Model: name, Reason: "no API client configured"}
	}

	h = newChatHandler(cfg, client, r.retry, r.logger)
	r.handlers[name] = h
	r.builds++
	return h, nil
}

// Resolve returns the handler for a stored preference, falling back to the
// primary model when the preference is empty, unknown or unavailable.
// fellBack reports whether the fallback was used.
func (r *Registry) Resolve(preferred string) (h Handler, fellBack bool, err error) {
	if preferred != "" && preferred != r.primary {
		h, err := r.Get(preferred)
		if err == nil {
			return h, false, nil
		}
		r.logger.Warn("preferred model unavailable, using primary",
			zap.String("model", preferred),
			zap.Error(err),
		)
		fellBack = true
	}
	h, err = r.Get(r.primary)
	return h, fellBack, err
}

// Available reports whether name can be resolved to a handler.
func (r *Registry) Available(name string) bool {
	_, known := r.configs[name]
	_, hasClient := r.clients[name]
	return known && hasClient
}

// Configs returns the descriptors of every available model, primary first.
func (r *Registry) Configs() []model.ModelConfig {
	out := make([]model.ModelConfig, 0, len(r.configs))
	for name, c := range r.configs {
		if r.Available(name) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if (out[i].Name == r.primary) != (out[j].Name == r.primary) {
			return out[i].Name == r.primary
		}
		return out[i].Name < out[j].Name
	})
	return out
}
