package store

import (
	"context"
	"encoding/json"
	"fmt"

	"exam-paper-orchestrator/internal/models"
)

// UpsertDraft writes the audit row for one position, replacing any earlier one.
func (s *Store) UpsertDraft(ctx context.Context, d models.DraftLog) error {
	history, err := json.Marshal(nonNil(d.RetryHistory))
	if err != nil {
		return fmt.Errorf("marshal retry history: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO paper_drafts (job_id, position, question_type, knowledge_point, status, content, coefficient, retry_history, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (job_id, position) DO UPDATE
		SET question_type = EXCLUDED.question_type,
		    knowledge_point = EXCLUDED.knowledge_point,
		    status = EXCLUDED.status,
		    content = EXCLUDED.content,
		    coefficient = EXCLUDED.coefficient,
		    retry_history = EXCLUDED.retry_history,
		    recorded_at = NOW()
	`, d.JobID, d.Position, d.Type, d.KnowledgePoint, d.Status, d.Content, d.Coefficient, history)
	if err != nil {
		return fmt.Errorf("upsert draft: %w", err)
	}
	return nil
}

// ListDrafts returns the draft log of a job ordered by position.
func (s *Store) ListDrafts(ctx context.Context, jobID string) ([]models.DraftLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, position, question_type, knowledge_point, status, content, coefficient, retry_history, recorded_at
		FROM paper_drafts WHERE job_id = $1 ORDER BY position
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query drafts: %w", err)
	}
	defer rows.Close()

	var out []models.DraftLog
	for rows.Next() {
		var d models.DraftLog
		var history []byte
		if err := rows.Scan(&d.JobID, &d.Position, &d.Type, &d.KnowledgePoint, &d.Status, &d.Content, &d.Coefficient, &history, &d.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan draft: %w", err)
		}
		if err := json.Unmarshal(history, &d.RetryHistory); err != nil {
			return nil, fmt.Errorf("unmarshal retry history: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
