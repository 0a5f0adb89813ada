package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"exam-paper-orchestrator/internal/models"
)

// EmbeddedExample is a bank example carrying its stored vector.
type EmbeddedExample struct {
	models.Example
	Embedding []float32
}

// NewExample is the input for indexing a bank question.
type NewExample struct {
	Subject   string
	Type      string
	Position  int
	Region    string
	Year      int
	Content   string
	Answer    string
	Embedding []float32
}

// ExactExamples matches subject, type, position and region, newest year first.
func (s *Store) ExactExamples(ctx context.Context, subject, qType string, position int, region string, limit int) ([]models.Example, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, year, region, content, answer, position FROM exam_examples
		WHERE subject = $1 AND question_type = $2 AND position = $3 AND region = $4
		ORDER BY year DESC, created_at DESC
		LIMIT $5
	`, subject, qType, position, region, limit)
	if err != nil {
		return nil, fmt.Errorf("query exact examples: %w", err)
	}
	return collectExamples(rows)
}

// RelaxedExamples drops the region constraint and skips ids in exclude.
func (s *Store) RelaxedExamples(ctx context.Context, subject, qType string, position int, limit int, exclude []string) ([]models.Example, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, year, region, content, answer, position FROM exam_examples
		WHERE subject = $1 AND question_type = $2 AND position = $3 AND NOT (id = ANY($4))
		ORDER BY year DESC, created_at DESC
		LIMIT $5
	`, subject, qType, position, nonNil(exclude), limit)
	if err != nil {
		return nil, fmt.Errorf("query relaxed examples: %w", err)
	}
	return collectExamples(rows)
}

// EmbeddedExamples loads every vectorised example for subject and type, skipping ids in exclude.
func (s *Store) EmbeddedExamples(ctx context.Context, subject, qType string, exclude []string) ([]EmbeddedExample, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, year, region, content, answer, position, embedding FROM exam_examples
		WHERE subject = $1 AND question_type = $2 AND embedding IS NOT NULL AND NOT (id = ANY($3))
	`, subject, qType, nonNil(exclude))
	if err != nil {
		return nil, fmt.Errorf("query embedded examples: %w", err)
	}
	defer rows.Close()

	var out []EmbeddedExample
	for rows.Next() {
		var e EmbeddedExample
		if err := rows.Scan(&e.ID, &e.Year, &e.Region, &e.Content, &e.Answer, &e.Position, &e.Embedding); err != nil {
			return nil, fmt.Errorf("scan embedded example: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// InsertExample adds a question to the example bank.
func (s *Store) InsertExample(ctx context.Context, e NewExample) (string, error) {
	id := uuid.New().String()
	var embedding any
	if len(e.Embedding) > 0 {
		embedding = e.Embedding
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO exam_examples (id, subject, question_type, position, region, year, content, answer, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, id, e.Subject, e.Type, e.Position, e.Region, e.Year, e.Content, e.Answer, embedding, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("insert example: %w", err)
	}
	return id, nil
}

// Subjects lists subjects present in the example bank.
func (s *Store) Subjects(ctx context.Context) ([]string, error) {
	return s.distinct(ctx, `SELECT DISTINCT subject FROM exam_examples ORDER BY subject`)
}

// Regions lists regions with examples for subject.
func (s *Store) Regions(ctx context.Context, subject string) ([]string, error) {
	return s.distinct(ctx, `SELECT DISTINCT region FROM exam_examples WHERE subject = $1 AND region <> '' ORDER BY region`, subject)
}

// Materials returns thematic material for subject, matching type or untyped rows.
func (s *Store) Materials(ctx context.Context, subject, qType string, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT topic || ': ' || summary FROM exam_materials
		WHERE subject = $1 AND (question_type = $2 OR question_type = '')
		ORDER BY created_at DESC
		LIMIT $3
	`, subject, qType, limit)
	if err != nil {
		return nil, fmt.Errorf("query materials: %w", err)
	}
	return collectStrings(rows)
}

// InsertMaterial stores a thematic material snippet.
func (s *Store) InsertMaterial(ctx context.Context, subject, qType, topic, summary string) (string, error) {
	id := uuid.New().String()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO exam_materials (id, subject, question_type, topic, summary, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, id, subject, qType, topic, summary)
	if err != nil {
		return "", fmt.Errorf("insert material: %w", err)
	}
	return id, nil
}

func (s *Store) distinct(ctx context.Context, sql string, args ...any) ([]string, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query distinct: %w", err)
	}
	return collectStrings(rows)
}

func collectExamples(rows pgx.Rows) ([]models.Example, error) {
	defer rows.Close()
	var out []models.Example
	for rows.Next() {
		var e models.Example
		if err := rows.Scan(&e.ID, &e.Year, &e.Region, &e.Content, &e.Answer, &e.Position); err != nil {
			return nil, fmt.Errorf("scan example: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func collectStrings(rows pgx.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan value: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
