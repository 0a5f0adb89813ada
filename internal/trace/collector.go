// Package trace records every content-agent call for audit and visualisation.
// Nothing in the control path reads it back.
package trace

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	maxInputRunes  = 3000
	maxOutputRunes = 2000
)

// Span statuses.
const (
	StatusRunning = "running"
	StatusOK      = "ok"
	StatusError   = "error"
)

// Span is one recorded agent call.
type Span struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Model     string    `json:"model"`
	Position  int       `json:"position"`
	Attempt   int       `json:"attempt"`
	Input     string    `json:"input"`
	Output    string    `json:"output,omitempty"`
	Error     string    `json:"error,omitempty"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	LatencyMs int64     `json:"latency_ms"`
}

// EmitFunc receives span lifecycle events.
type EmitFunc func(eventType string, payload map[string]any)

// Collector is safe for concurrent use by all pipelines of one job.
type Collector struct {
	mu    sync.Mutex
	spans []*Span
	index map[string]*Span
	emit  EmitFunc
	now   func() time.Time
}

// NewCollector returns an empty collector. emit may be nil.
func NewCollector(emit EmitFunc) *Collector {
	return &Collector{index: make(map[string]*Span), emit: emit, now: time.Now}
}

// Start opens a span and returns its id.
func (c *Collector) Start(role, model, system, user string, position, attempt int) string {
	if c == nil {
		return ""
	}
	s := &Span{
		ID:        uuid.New().String(),
		Role:      role,
		Model:     model,
		Position:  position,
		Attempt:   attempt,
		Input:     truncate("[system]\n"+system+"\n[user]\n"+user, maxInputRunes),
		Status:    StatusRunning,
		StartedAt: c.now(),
	}
	c.mu.Lock()
	c.spans = append(c.spans, s)
	c.index[s.ID] = s
	c.mu.Unlock()

	if c.emit != nil {
		c.emit("trace_span_start", map[string]any{
			"span_id":  s.ID,
			"role":     role,
			"model":    model,
			"position": position,
			"attempt":  attempt,
		})
	}
	return s.ID
}

// End closes a span with its output or error.
func (c *Collector) End(id, output string, err error) {
	if c == nil || id == "" {
		return
	}
	c.mu.Lock()
	s, ok := c.index[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	s.LatencyMs = c.now().Sub(s.StartedAt).Milliseconds()
	s.Output = truncate(output, maxOutputRunes)
	s.Status = StatusOK
	if err != nil {
		s.Status = StatusError
		s.Error = truncate(err.Error(), maxOutputRunes)
	}
	payload := map[string]any{
		"span_id":    s.ID,
		"role":       s.Role,
		"position":   s.Position,
		"status":     s.Status,
		"latency_ms": s.LatencyMs,
	}
	c.mu.Unlock()

	if c.emit != nil {
		c.emit("trace_span_end", payload)
	}
}

// Spans returns a copy of the recorded spans in start order.
func (c *Collector) Spans() []Span {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Span, len(c.spans))
	for i, s := range c.spans {
		out[i] = *s
	}
	return out
}

// JSON serialises the spans for the job's trace log column.
func (c *Collector) JSON() ([]byte, error) {
	spans := c.Spans()
	if spans == nil {
		spans = []Span{}
	}
	return json.Marshal(spans)
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}
