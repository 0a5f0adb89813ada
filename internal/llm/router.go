// Package llm provides the generation and embedding capabilities using langchaingo.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"

	"exam-paper-orchestrator/internal/config"
	"exam-paper-orchestrator/internal/telemetry"
)

// Generator is the capability every content agent calls.
type Generator interface {
	Generate(ctx context.Context, role, system, user string) (string, error)
	ModelName(role string) string
}

type route struct {
	model       llms.Model
	name        string
	temperature float64
}

// Router sends each role to the backend resolved for it.
type Router struct {
	routes   map[string]route
	fallback string
}

// PersonaRole is the routing key of one solver persona.
func PersonaRole(label string) string {
	return config.RoleSolve + "/" + label
}

// NewRouter builds one model per distinct backend and maps every role and persona onto it.
func NewRouter(cfg config.Config, personas []config.Persona) (*Router, error) {
	r := &Router{routes: make(map[string]route), fallback: config.RoleQuestion}
	cache := make(map[config.Backend]llms.Model)

	build := func(b config.Backend) (llms.Model, error) {
		if m, ok := cache[b]; ok {
			return m, nil
		}
		m, err := NewModel(b)
		if err != nil {
			return nil, err
		}
		cache[b] = m
		return m, nil
	}

	for _, role := range config.Roles {
		b := cfg.ResolveBackend(role)
		m, err := build(b)
		if err != nil {
			return nil, fmt.Errorf("backend for role %s: %w", role, err)
		}
		r.Register(role, m, b.Model, 0)
	}

	solve := cfg.ResolveBackend(config.RoleSolve)
	for _, p := range personas {
		b := p.Backend(solve)
		m, err := build(b)
		if err != nil {
			return nil, fmt.Errorf("backend for persona %s: %w", p.Label, err)
		}
		r.Register(PersonaRole(p.Label), m, b.Model, p.Temperature)
	}
	return r, nil
}

// NewModel creates a langchaingo model for a backend.
func NewModel(b config.Backend) (llms.Model, error) {
	switch b.Provider {
	case config.ProviderOllama:
		opts := []ollama.Option{ollama.WithModel(b.Model)}
		if b.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(b.BaseURL))
		}
		m, err := ollama.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}
		return m, nil

	case config.ProviderOpenAI:
		if b.APIKey == "" {
			return nil, fmt.Errorf("OpenAI API key required")
		}
		opts := []openai.Option{openai.WithToken(b.APIKey), openai.WithModel(b.Model)}
		if b.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(b.BaseURL))
		}
		m, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}
		return m, nil

	case config.ProviderAnthropic:
		if b.APIKey == "" {
			return nil, fmt.Errorf("Anthropic API key required")
		}
		opts := []anthropic.Option{anthropic.WithToken(b.APIKey), anthropic.WithModel(b.Model)}
		if b.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(b.BaseURL))
		}
		m, err := anthropic.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create anthropic model: %w", err)
		}
		return m, nil

	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", b.Provider)
	}
}

// Register binds a role to a model. A zero temperature leaves the provider default.
func (r *Router) Register(role string, model llms.Model, name string, temperature float64) {
	r.routes[role] = route{model: model, name: name, temperature: temperature}
}

func (r *Router) lookup(role string) (route, bool) {
	if rt, ok := r.routes[role]; ok {
		return rt, true
	}
	// persona roles fall back to the plain solve route
	if base, _, found := strings.Cut(role, "/"); found {
		if rt, ok := r.routes[base]; ok {
			return rt, true
		}
	}
	rt, ok := r.routes[r.fallback]
	return rt, ok
}

// ModelName returns the model identifier a role is routed to.
func (r *Router) ModelName(role string) string {
	rt, ok := r.lookup(role)
	if !ok {
		return ""
	}
	return rt.name
}

// Generate sends a system and user message to the role's model and returns the first choice.
func (r *Router) Generate(ctx context.Context, role, system, user string) (string, error) {
	rt, ok := r.lookup(role)
	if !ok {
		return "", fmt.Errorf("no model routed for role %q", role)
	}
	metricRole, _, _ := strings.Cut(role, "/")

	messages := []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, system),
		llms.TextParts(schema.ChatMessageTypeHuman, user),
	}
	var opts []llms.CallOption
	if rt.temperature > 0 {
		opts = append(opts, llms.WithTemperature(rt.temperature))
	}

	start := time.Now()
	resp, err := rt.model.GenerateContent(ctx, messages, opts...)
	telemetry.AgentLatency.WithLabelValues(metricRole).Observe(time.Since(start).Seconds())
	if err != nil {
		telemetry.AgentCalls.WithLabelValues(metricRole, "error").Inc()
		return "", fmt.Errorf("generate %s: %w", role, err)
	}
	if len(resp.Choices) == 0 {
		telemetry.AgentCalls.WithLabelValues(metricRole, "error").Inc()
		return "", fmt.Errorf("generate %s: no response choices", role)
	}
	telemetry.AgentCalls.WithLabelValues(metricRole, "ok").Inc()
	return resp.Choices[0].Content, nil
}
