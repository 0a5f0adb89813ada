package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"exam-paper-orchestrator/internal/config"
)

type fakeModel struct {
	mu           sync.Mutex
	reply        string
	err          error
	lastUser     string
	temperatures []float64
}

func (f *fakeModel) GenerateContent(_ context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var opts llms.CallOptions
	for _, o := range options {
		o(&opts)
	}
	f.temperatures = append(f.temperatures, opts.Temperature)
	if len(messages) > 1 {
		if tc, ok := messages[1].Parts[0].(llms.TextContent); ok {
			f.lastUser = tc.Text
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.reply}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func TestRouterRoutesRolesAndPersonas(t *testing.T) {
	question := &fakeModel{reply: "question"}
	solve := &fakeModel{reply: "solve"}
	weak := &fakeModel{reply: "weak"}

	r := &Router{routes: map[string]route{}, fallback: config.RoleQuestion}
	r.Register(config.RoleQuestion, question, "q-model", 0)
	r.Register(config.RoleSolve, solve, "s-model", 0)
	r.Register(PersonaRole("weak"), weak, "w-model", 1.1)

	ctx := context.Background()
	out, err := r.Generate(ctx, config.RoleQuestion, "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, "question", out)

	out, err = r.Generate(ctx, PersonaRole("weak"), "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, "weak", out)
	assert.Equal(t, []float64{1.1}, weak.temperatures)

	out, err = r.Generate(ctx, PersonaRole("unknown"), "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, "solve", out, "unknown persona falls back to the solve route")

	out, err = r.Generate(ctx, config.RoleGrade, "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, "question", out, "unregistered role uses the fallback route")

	assert.Equal(t, "w-model", r.ModelName(PersonaRole("weak")))
}

func TestRouterSurfacesTransportErrors(t *testing.T) {
	r := &Router{routes: map[string]route{}, fallback: config.RoleQuestion}
	r.Register(config.RoleQuestion, &fakeModel{err: errors.New("connection reset")}, "m", 0)

	_, err := r.Generate(context.Background(), config.RoleQuestion, "sys", "user")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestNewModelRejectsUnknownProvider(t *testing.T) {
	_, err := NewModel(config.Backend{Provider: "carrier-pigeon"})
	require.Error(t, err)

	_, err = NewModel(config.Backend{Provider: config.ProviderOpenAI, Model: "gpt"})
	require.Error(t, err, "missing api key")
}

type scriptedGenerator struct {
	replies []string
	prompts []string
}

func (s *scriptedGenerator) Generate(_ context.Context, _, _, user string) (string, error) {
	s.prompts = append(s.prompts, user)
	reply := s.replies[0]
	if len(s.replies) > 1 {
		s.replies = s.replies[1:]
	}
	return reply, nil
}

func (s *scriptedGenerator) ModelName(string) string { return "scripted" }

type verdict struct {
	Passed bool `json:"passed"`
}

func TestStructuredSelfCorrects(t *testing.T) {
	gen := &scriptedGenerator{replies: []string{"not json at all", "```json\n{\"passed\": true}\n```"}}

	out, err := Structured(context.Background(), gen, "quality", "sys", "check this", DecodeJSON[verdict], 2)
	require.NoError(t, err)
	assert.True(t, out.Passed)
	require.Len(t, gen.prompts, 2)
	assert.Equal(t, "check this", gen.prompts[0])
	assert.True(t, strings.HasPrefix(gen.prompts[1], "check this"))
	assert.Contains(t, gen.prompts[1], "not json at all")
	assert.Contains(t, gen.prompts[1], "no JSON object found")
}

func TestStructuredGivesUp(t *testing.T) {
	gen := &scriptedGenerator{replies: []string{"still prose"}}

	_, err := Structured(context.Background(), gen, "quality", "sys", "check", DecodeJSON[verdict], 3)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedOutput))
	assert.Len(t, gen.prompts, 3)
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		err  bool
	}{
		{"bare", `{"a":1}`, `{"a":1}`, false},
		{"prose around", `Sure! {"a":{"b":2}} hope this helps`, `{"a":{"b":2}}`, false},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`, false},
		{"fence without language", "```\n{\"a\":1}\n```", `{"a":1}`, false},
		{"none", "no braces here", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.in)
			if tt.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
