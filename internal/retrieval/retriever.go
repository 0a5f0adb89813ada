// Package retrieval finds reference examples for a position in three tiers:
// exact match, region relaxed, then semantic nearest neighbours.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"exam-paper-orchestrator/internal/models"
	"exam-paper-orchestrator/internal/store"
)

// Bank is the example storage the retriever reads and indexes into.
type Bank interface {
	ExactExamples(ctx context.Context, subject, qType string, position int, region string, limit int) ([]models.Example, error)
	RelaxedExamples(ctx context.Context, subject, qType string, position int, limit int, exclude []string) ([]models.Example, error)
	EmbeddedExamples(ctx context.Context, subject, qType string, exclude []string) ([]store.EmbeddedExample, error)
	InsertExample(ctx context.Context, e store.NewExample) (string, error)
	Subjects(ctx context.Context) ([]string, error)
	Regions(ctx context.Context, subject string) ([]string, error)
}

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Retriever implements the tiered lookup. A nil embedder disables the semantic tier.
type Retriever struct {
	bank     Bank
	embedder Embedder
	logger   *slog.Logger
}

func New(bank Bank, embedder Embedder, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{bank: bank, embedder: embedder, logger: logger}
}

// FindExamples returns up to k examples. Each tier runs only while the result is
// short of k, and tier order is the ranking. Only an exact tier failure is returned;
// later tier failures keep what was already found.
func (r *Retriever) FindExamples(ctx context.Context, subject, qType string, position int, region string, k int) ([]models.Example, error) {
	if k <= 0 {
		return nil, nil
	}

	out, err := r.bank.ExactExamples(ctx, subject, qType, position, region, k)
	if err != nil {
		return nil, fmt.Errorf("exact examples: %w", err)
	}
	if len(out) >= k {
		return out[:k], nil
	}

	relaxed, err := r.bank.RelaxedExamples(ctx, subject, qType, position, k-len(out), ids(out))
	if err != nil {
		r.logger.Warn("relaxed retrieval unavailable", "subject", subject, "type", qType, "position", position, "error", err)
	}
	out = append(out, relaxed...)
	if len(out) >= k {
		return out[:k], nil
	}

	out = append(out, r.semantic(ctx, subject, qType, position, k-len(out), ids(out))...)
	return out, nil
}

func (r *Retriever) semantic(ctx context.Context, subject, qType string, position, need int, exclude []string) []models.Example {
	if r.embedder == nil {
		return nil
	}
	query := fmt.Sprintf("%s position %d %s", subject, position, qType)
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		r.logger.Warn("semantic retrieval unavailable", "subject", subject, "type", qType, "position", position, "error", err)
		return nil
	}
	candidates, err := r.bank.EmbeddedExamples(ctx, subject, qType, exclude)
	if err != nil {
		r.logger.Warn("semantic candidates unavailable", "subject", subject, "type", qType, "error", err)
		return nil
	}

	type scored struct {
		ex    models.Example
		score float64
	}
	ranked := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		if len(c.Embedding) != len(vec) {
			continue
		}
		ranked = append(ranked, scored{ex: c.Example, score: Cosine(vec, c.Embedding)})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if len(ranked) > need {
		ranked = ranked[:need]
	}
	out := make([]models.Example, len(ranked))
	for i, s := range ranked {
		out[i] = s.ex
	}
	return out
}

// Index embeds an example's content and stores it in the bank.
// The example is stored without a vector when embedding fails.
func (r *Retriever) Index(ctx context.Context, e store.NewExample) (string, error) {
	if r.embedder != nil && len(e.Embedding) == 0 {
		vec, err := r.embedder.Embed(ctx, e.Content)
		if err != nil {
			r.logger.Warn("indexing example without embedding", "subject", e.Subject, "error", err)
		} else {
			e.Embedding = vec
		}
	}
	return r.bank.InsertExample(ctx, e)
}

// Subjects lists subjects that have examples.
func (r *Retriever) Subjects(ctx context.Context) ([]string, error) {
	return r.bank.Subjects(ctx)
}

// Regions lists regions with examples for subject.
func (r *Retriever) Regions(ctx context.Context, subject string) ([]string, error) {
	return r.bank.Regions(ctx, subject)
}

// Cosine is the cosine similarity of two equal-length vectors, 0 when either is zero.
func Cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func ids(examples []models.Example) []string {
	out := make([]string, 0, len(examples))
	for _, e := range examples {
		out = append(out, e.ID)
	}
	return out
}
