package models

import (
	"time"
)

// Job statuses persisted in Postgres.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusResuming  = "resuming"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Progress is the live snapshot an external poller sees.
type Progress struct {
	Total          int            `json:"total"`
	Completed      int            `json:"completed"`
	Skipped        int            `json:"skipped"`
	CurrentActions map[int]string `json:"current_actions,omitempty"`
}

// JobRecord is the durable state of one paper generation job.
// CompletedQuestions is the resume checkpoint keyed by position.
type JobRecord struct {
	ID                 string                    `json:"id"`
	OwnerID            string                    `json:"owner_id"`
	Status             string                    `json:"status"`
	Requirement        PaperRequirement          `json:"requirement"`
	Progress           Progress                  `json:"progress"`
	CompletedQuestions map[int]CandidateQuestion `json:"completed_questions,omitempty"`
	Warnings           []string                  `json:"warnings"`
	TokensConsumed     int64                     `json:"tokens_consumed"`
	ResumeCount        int                       `json:"resume_count"`
	ErrorMessage       *string                   `json:"error_message,omitempty"`
	ArtifactID         *string                   `json:"artifact_id,omitempty"`
	TraceLog           []byte                    `json:"-"`
	CreatedAt          time.Time                 `json:"created_at"`
	UpdatedAt          time.Time                 `json:"updated_at"`
	CompletedAt        *time.Time                `json:"completed_at,omitempty"`
}

// QuotaLedger tracks an owner's token allowance. A nil MonthlyCap means unlimited.
type QuotaLedger struct {
	OwnerID    string    `json:"owner_id"`
	Enabled    bool      `json:"enabled"`
	MonthlyCap *int64    `json:"monthly_cap,omitempty"`
	Used       int64     `json:"used"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Draft log statuses.
const (
	DraftApproved = "approved"
	DraftWarning  = "warning"
	DraftSkipped  = "skipped"
)

// DraftLog is the per-position audit row, upserted on (job, position).
type DraftLog struct {
	JobID          string    `json:"job_id"`
	Position       int       `json:"position"`
	Type           string    `json:"type"`
	KnowledgePoint string    `json:"knowledge_point"`
	Status         string    `json:"status"`
	Content        string    `json:"content,omitempty"`
	Coefficient    *float64  `json:"coefficient,omitempty"`
	RetryHistory   []string  `json:"retry_history,omitempty"`
	RecordedAt     time.Time `json:"recorded_at"`
}
