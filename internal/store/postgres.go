package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/pgtype"

	"exam-paper-orchestrator/internal/models"
)

// ErrNotFound is returned when a row addressed by id does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity for health probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const jobColumns = `id, owner_id, status, requirement, progress, completed_questions, warnings,
	tokens_consumed, resume_count, error_message, artifact_id, trace_log, created_at, updated_at, completed_at`

// CreateJob inserts a pending job for owner.
func (s *Store) CreateJob(ctx context.Context, ownerID string, req models.PaperRequirement) (models.JobRecord, error) {
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return models.JobRecord{}, fmt.Errorf("marshal requirement: %w", err)
	}
	progress := models.Progress{Total: req.TotalQuestions()}
	progressJSON, err := json.Marshal(progress)
	if err != nil {
		return models.JobRecord{}, fmt.Errorf("marshal progress: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO paper_jobs (id, owner_id, status, requirement, progress, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, id, ownerID, models.StatusPending, reqJSON, progressJSON, now)
	if err != nil {
		return models.JobRecord{}, fmt.Errorf("insert job: %w", err)
	}

	return models.JobRecord{
		ID:                 id,
		OwnerID:            ownerID,
		Status:             models.StatusPending,
		Requirement:        req,
		Progress:           progress,
		CompletedQuestions: map[int]models.CandidateQuestion{},
		Warnings:           []string{},
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.JobRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM paper_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.JobRecord{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, err
}

// ListJobs returns the owner's newest jobs first.
func (s *Store) ListJobs(ctx context.Context, ownerID string, limit int) ([]models.JobRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM paper_jobs WHERE owner_id = $1 ORDER BY created_at DESC LIMIT $2
	`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var out []models.JobRecord
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// ListJobIDsByStatus returns ids of jobs in any of the given statuses.
func (s *Store) ListJobIDsByStatus(ctx context.Context, statuses ...string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM paper_jobs WHERE status = ANY($1) ORDER BY created_at`, statuses)
	if err != nil {
		return nil, fmt.Errorf("query job ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkRunning transitions a job to running and resets its progress snapshot.
func (s *Store) MarkRunning(ctx context.Context, id string, progress models.Progress) error {
	progressJSON, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE paper_jobs SET status = $2, progress = $3, updated_at = NOW() WHERE id = $1
	`, id, models.StatusRunning, progressJSON)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkResuming moves a failed job to resuming. It reports false when the job is not failed.
func (s *Store) MarkResuming(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE paper_jobs
		SET status = $2, resume_count = resume_count + 1, error_message = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.StatusResuming, models.StatusFailed)
	if err != nil {
		return false, fmt.Errorf("mark resuming: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateProgress stores the latest progress snapshot.
func (s *Store) UpdateProgress(ctx context.Context, id string, progress models.Progress) error {
	progressJSON, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE paper_jobs SET progress = $2, updated_at = NOW() WHERE id = $1
	`, id, progressJSON)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

// SaveCheckpointEntry merges one approved position into the checkpoint map.
// Each pipeline writes only its own key, so concurrent merges never collide.
func (s *Store) SaveCheckpointEntry(ctx context.Context, id string, position int, q models.CandidateQuestion) error {
	qJSON, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("marshal checkpoint entry: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE paper_jobs
		SET completed_questions = completed_questions || jsonb_build_object($2::text, $3::jsonb), updated_at = NOW()
		WHERE id = $1
	`, id, strconv.Itoa(position), qJSON)
	if err != nil {
		return fmt.Errorf("save checkpoint entry: %w", err)
	}
	return nil
}

// CompleteParams collects the final state of a successful run.
type CompleteParams struct {
	Warnings    []string
	Checkpoint  map[int]models.CandidateQuestion
	ArtifactID  string
	TraceLog    []byte
	Tokens      int64
	Progress    models.Progress
	CompletedAt time.Time
}

// CompleteJob marks the job completed and records its artifact, warnings and checkpoint.
func (s *Store) CompleteJob(ctx context.Context, id string, p CompleteParams) error {
	warningsJSON, err := json.Marshal(nonNil(p.Warnings))
	if err != nil {
		return fmt.Errorf("marshal warnings: %w", err)
	}
	checkpointJSON, err := json.Marshal(p.Checkpoint)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	progressJSON, err := json.Marshal(p.Progress)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	if p.CompletedAt.IsZero() {
		p.CompletedAt = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE paper_jobs
		SET status = $2, warnings = $3, completed_questions = $4, artifact_id = $5, trace_log = $6,
		    tokens_consumed = tokens_consumed + $7, progress = $8, completed_at = $9,
		    error_message = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusCompleted, warningsJSON, checkpointJSON, emptyToNil(p.ArtifactID), jsonOrNil(p.TraceLog), p.Tokens, progressJSON, p.CompletedAt)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// FailJob marks the job failed. The checkpoint column is left as last persisted.
func (s *Store) FailJob(ctx context.Context, id string, message string, traceLog []byte) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE paper_jobs
		SET status = $2, error_message = $3, trace_log = COALESCE($4, trace_log), updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusFailed, message, jsonOrNil(traceLog))
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

// ReplaceCheckpointEntry updates a single question of a completed job and adds tokens.
func (s *Store) ReplaceCheckpointEntry(ctx context.Context, id string, position int, q models.CandidateQuestion, tokens int64) error {
	qJSON, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("marshal checkpoint entry: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE paper_jobs
		SET completed_questions = completed_questions || jsonb_build_object($2::text, $3::jsonb),
		    tokens_consumed = tokens_consumed + $4, updated_at = NOW()
		WHERE id = $1
	`, id, strconv.Itoa(position), qJSON, tokens)
	if err != nil {
		return fmt.Errorf("replace checkpoint entry: %w", err)
	}
	return nil
}

// DeleteJob removes the job; draft rows go with it through the foreign key.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM paper_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanJob(row pgx.Row) (models.JobRecord, error) {
	var job models.JobRecord
	var reqJSON, progressJSON, checkpointJSON, warningsJSON []byte
	var errMsg, artifact pgtype.Text
	var completedAt pgtype.Timestamptz

	if err := row.Scan(&job.ID, &job.OwnerID, &job.Status, &reqJSON, &progressJSON, &checkpointJSON, &warningsJSON,
		&job.TokensConsumed, &job.ResumeCount, &errMsg, &artifact, &job.TraceLog, &job.CreatedAt, &job.UpdatedAt, &completedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.JobRecord{}, err
		}
		return models.JobRecord{}, fmt.Errorf("scan job: %w", err)
	}

	if err := json.Unmarshal(reqJSON, &job.Requirement); err != nil {
		return models.JobRecord{}, fmt.Errorf("unmarshal requirement: %w", err)
	}
	if err := json.Unmarshal(progressJSON, &job.Progress); err != nil {
		return models.JobRecord{}, fmt.Errorf("unmarshal progress: %w", err)
	}
	job.CompletedQuestions = map[int]models.CandidateQuestion{}
	if err := json.Unmarshal(checkpointJSON, &job.CompletedQuestions); err != nil {
		return models.JobRecord{}, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	if err := json.Unmarshal(warningsJSON, &job.Warnings); err != nil {
		return models.JobRecord{}, fmt.Errorf("unmarshal warnings: %w", err)
	}
	job.ErrorMessage = textPtr(errMsg)
	job.ArtifactID = textPtr(artifact)
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func jsonOrNil(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
