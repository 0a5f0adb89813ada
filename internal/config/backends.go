package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Supported generation providers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
)

// Agent roles that can carry their own backend override.
const (
	RoleQuestion = "question"
	RoleQuality  = "quality"
	RoleSolve    = "solve"
	RoleGrade    = "grade"
	RoleDispatch = "dispatch"
)

// Roles lists every role with an override slot.
var Roles = []string{RoleQuestion, RoleQuality, RoleSolve, RoleGrade, RoleDispatch}

// Backend describes which model endpoint a role talks to.
type Backend struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
}

// Backends is the default backend plus sparse per-role overrides.
type Backends struct {
	Default   Backend
	Overrides map[string]Backend
}

func loadBackends() Backends {
	b := Backends{
		Default: Backend{
			Provider: getEnv("LLM_PROVIDER", ProviderOpenAI),
			Model:    getEnv("LLM_MODEL", "gpt-4o-mini"),
			APIKey:   getEnv("LLM_API_KEY", ""),
			BaseURL:  getEnv("LLM_BASE_URL", ""),
		},
		Overrides: make(map[string]Backend),
	}
	for _, role := range Roles {
		prefix := "AGENT_" + strings.ToUpper(role) + "_"
		o := Backend{
			Provider: os.Getenv(prefix + "PROVIDER"),
			Model:    os.Getenv(prefix + "MODEL"),
			APIKey:   os.Getenv(prefix + "API_KEY"),
			BaseURL:  os.Getenv(prefix + "BASE_URL"),
		}
		if o != (Backend{}) {
			b.Overrides[role] = o
		}
	}
	return b
}

// ResolveBackend returns the backend for role: each empty override field falls back to the default.
func (b Backends) ResolveBackend(role string) Backend {
	out := b.Default
	o, ok := b.Overrides[role]
	if !ok {
		return out
	}
	if o.Provider != "" {
		out.Provider = o.Provider
	}
	if o.Model != "" {
		out.Model = o.Model
	}
	if o.APIKey != "" {
		out.APIKey = o.APIKey
	}
	if o.BaseURL != "" {
		out.BaseURL = o.BaseURL
	}
	return out
}

// ResolveBackend is a shortcut for c.Backends.ResolveBackend.
func (c Config) ResolveBackend(role string) Backend {
	return c.Backends.ResolveBackend(role)
}

// Persona is one simulated exam taker. Stronger or weaker models give the
// solve step a spread of behaviour.
type Persona struct {
	Label       string  `yaml:"label"`
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Temperature float64 `yaml:"temperature"`
}

// Backend returns the persona's backend with blanks filled from fallback.
func (p Persona) Backend(fallback Backend) Backend {
	out := fallback
	if p.Provider != "" {
		out.Provider = p.Provider
	}
	if p.Model != "" {
		out.Model = p.Model
	}
	if p.APIKey != "" {
		out.APIKey = p.APIKey
	}
	if p.BaseURL != "" {
		out.BaseURL = p.BaseURL
	}
	return out
}

type personaFile struct {
	Personas []Persona `yaml:"personas"`
}

// LoadPersonas reads the solver persona pool. An empty path yields the single default persona.
func (c Config) LoadPersonas() ([]Persona, error) {
	if c.SolverPersonasFile == "" {
		return []Persona{DefaultPersona()}, nil
	}
	data, err := os.ReadFile(c.SolverPersonasFile)
	if err != nil {
		return nil, fmt.Errorf("read personas file: %w", err)
	}
	return ParsePersonas(data)
}

// ParsePersonas decodes a persona YAML document, dropping entries without a model.
func ParsePersonas(data []byte) ([]Persona, error) {
	var pf personaFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("decode personas: %w", err)
	}
	out := make([]Persona, 0, len(pf.Personas))
	for _, p := range pf.Personas {
		if strings.TrimSpace(p.Model) == "" {
			continue
		}
		if p.Label == "" {
			p.Label = p.Model
		}
		if p.Temperature == 0 {
			p.Temperature = 0.9
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return []Persona{DefaultPersona()}, nil
	}
	return out, nil
}

// DefaultPersona is used when no persona pool is configured.
func DefaultPersona() Persona {
	return Persona{Label: "default", Temperature: 0.9}
}
