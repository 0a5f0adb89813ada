package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"exam-paper-orchestrator/internal/config"
	"exam-paper-orchestrator/internal/models"
	"exam-paper-orchestrator/internal/paper"
	"exam-paper-orchestrator/internal/progress"
	"exam-paper-orchestrator/internal/quota"
	"exam-paper-orchestrator/internal/ratelimit"
	"exam-paper-orchestrator/internal/store"
	"exam-paper-orchestrator/internal/telemetry"
)

const maxBodyBytes = 1 << 20

// Papers is the job surface the API serves. *paper.Orchestrator satisfies it.
type Papers interface {
	Submit(ctx context.Context, ownerID string, req models.PaperRequirement) (models.JobRecord, error)
	GetJob(ctx context.Context, jobID string) (models.JobRecord, error)
	List(ctx context.Context, ownerID string, limit int) ([]models.JobRecord, error)
	Drafts(ctx context.Context, jobID string) ([]models.DraftLog, error)
	Paper(ctx context.Context, jobID string) ([]byte, error)
	Trace(ctx context.Context, jobID string) ([]byte, error)
	Resume(ctx context.Context, jobID string) error
	RegenerateOne(ctx context.Context, jobID string, position int) (models.CandidateQuestion, error)
	Delete(ctx context.Context, jobID string) error
}

// Quotas administers owner token ledgers.
type Quotas interface {
	Grant(ctx context.Context, ownerID string, monthlyCap *int64) error
	Revoke(ctx context.Context, ownerID string) error
	Status(ctx context.Context, ownerID string) (models.QuotaLedger, error)
}

// Bank is the example bank as seen by the API.
type Bank interface {
	Subjects(ctx context.Context) ([]string, error)
	Regions(ctx context.Context, subject string) ([]string, error)
	Index(ctx context.Context, e store.NewExample) (string, error)
}

// MaterialIndexer stores thematic material for material-based questions.
type MaterialIndexer interface {
	InsertMaterial(ctx context.Context, subject, qType, topic, summary string) (string, error)
}

// Limiter gates submissions per owner.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Subscriber hands out live event channels per job.
type Subscriber interface {
	Subscribe(jobID string) (<-chan progress.Event, func())
}

// Deps are the collaborators of a Server. Limiter, Materials and Events may be nil.
type Deps struct {
	Papers    Papers
	Quotas    Quotas
	Bank      Bank
	Materials MaterialIndexer
	Limiter   Limiter
	Events    Subscriber
	Logger    *slog.Logger
}

// Server wires HTTP handlers for the paper API.
type Server struct {
	cfg       config.Config
	papers    Papers
	quotas    Quotas
	bank      Bank
	materials MaterialIndexer
	limiter   Limiter
	events    Subscriber
	logger    *slog.Logger
}

// New constructs the API server.
func New(cfg config.Config, d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		papers:    d.Papers,
		quotas:    d.Quotas,
		bank:      d.Bank,
		materials: d.Materials,
		limiter:   d.Limiter,
		events:    d.Events,
		logger:    d.Logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/papers", func(r chi.Router) {
		r.Get("/subjects", s.handleSubjects)
		r.Get("/regions", s.handleRegions)
		r.Get("/estimate", s.handleEstimate)
		r.Post("/", s.handleSubmit)
		r.Get("/", s.handleList)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetJob)
			r.Delete("/", s.handleDelete)
			r.Get("/content", s.handleContent)
			r.Get("/trace", s.handleTrace)
			r.Get("/drafts", s.handleDrafts)
			r.Get("/stream", s.handleStream)
			r.Post("/resume", s.handleResume)
			r.Post("/questions/{pos}/regenerate", s.handleRegenerate)
		})
	})

	r.Route("/quotas/{owner}", func(r chi.Router) {
		r.Get("/", s.handleQuotaStatus)
		r.Put("/", s.handleQuotaGrant)
		r.Delete("/", s.handleQuotaRevoke)
	})

	r.Post("/examples", s.handleIndexExample)
	r.Post("/materials", s.handleIndexMaterial)
	return r
}

type submitResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req models.PaperRequirement
	if !decodeJSON(w, r, &req) {
		return
	}
	owner := ownerFromRequest(r)
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), ratelimit.Key(owner))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	job, err := s.papers.Submit(r.Context(), owner, req)
	if err != nil && job.ID == "" {
		s.writeError(w, err)
		return
	}
	if err != nil {
		s.logger.Error("paper job created but not scheduled", "job_id", job.ID, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, submitResponse{JobID: job.ID, Status: job.Status})
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{JobID: job.ID, Status: job.Status})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	jobs, err := s.papers.List(r.Context(), ownerFromRequest(r), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []models.JobRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	body, err := s.papers.Paper(r.Context(), job.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeRaw(w, body)
}

func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	body, err := s.papers.Trace(r.Context(), job.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeRaw(w, body)
}

func (s *Server) handleDrafts(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	drafts, err := s.papers.Drafts(r.Context(), job.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if drafts == nil {
		drafts = []models.DraftLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"drafts": drafts})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	if err := s.papers.Resume(r.Context(), job.ID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{JobID: job.ID, Status: models.StatusResuming})
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	pos, err := strconv.Atoi(chi.URLParam(r, "pos"))
	if err != nil {
		http.Error(w, "position must be an integer", http.StatusBadRequest)
		return
	}
	q, err := s.papers.RegenerateOne(r.Context(), job.ID, pos)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	if err := s.papers.Delete(r.Context(), job.ID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSubjects(w http.ResponseWriter, r *http.Request) {
	subjects, err := s.bank.Subjects(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subjects": nonNil(subjects)})
}

func (s *Server) handleRegions(w http.ResponseWriter, r *http.Request) {
	subject := r.URL.Query().Get("subject")
	if subject == "" {
		http.Error(w, "subject is required", http.StatusBadRequest)
		return
	}
	regions, err := s.bank.Regions(r.Context(), subject)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subject": subject, "regions": nonNil(regions)})
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	total, err := strconv.Atoi(r.URL.Query().Get("total_questions"))
	if err != nil || total < 1 {
		http.Error(w, "total_questions must be a positive integer", http.StatusBadRequest)
		return
	}
	k := s.cfg.Generation.SolveCount
	if v := r.URL.Query().Get("solve_count"); v != "" {
		k, err = strconv.Atoi(v)
		if err != nil || k < 0 {
			http.Error(w, "solve_count must be a non-negative integer", http.StatusBadRequest)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_questions":  total,
		"solve_count":      k,
		"estimated_tokens": quota.Estimate(total, k, s.cfg.Generation.AvgTokensPerQuestion),
	})
}

type quotaRequest struct {
	MonthlyCap *int64 `json:"monthly_cap"`
}

func (s *Server) handleQuotaGrant(w http.ResponseWriter, r *http.Request) {
	var req quotaRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.MonthlyCap != nil && *req.MonthlyCap < 0 {
		http.Error(w, "monthly_cap must not be negative", http.StatusBadRequest)
		return
	}
	owner := chi.URLParam(r, "owner")
	if err := s.quotas.Grant(r.Context(), owner, req.MonthlyCap); err != nil {
		s.writeError(w, err)
		return
	}
	s.handleQuotaStatus(w, r)
}

func (s *Server) handleQuotaRevoke(w http.ResponseWriter, r *http.Request) {
	if err := s.quotas.Revoke(r.Context(), chi.URLParam(r, "owner")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQuotaStatus(w http.ResponseWriter, r *http.Request) {
	ledger, err := s.quotas.Status(r.Context(), chi.URLParam(r, "owner"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ledger)
}

type exampleRequest struct {
	Subject  string `json:"subject" validate:"required"`
	Type     string `json:"type" validate:"required,oneof=single_choice multiple_choice fill_blank short_answer"`
	Position int    `json:"position" validate:"min=1"`
	Region   string `json:"region"`
	Year     int    `json:"year" validate:"omitempty,min=1900,max=2100"`
	Content  string `json:"content" validate:"required"`
	Answer   string `json:"answer"`
}

func (s *Server) handleIndexExample(w http.ResponseWriter, r *http.Request) {
	var req exampleRequest
	if !decodeJSON(w, r, &req) || !validateBody(w, req) {
		return
	}
	id, err := s.bank.Index(r.Context(), store.NewExample{
		Subject:  req.Subject,
		Type:     req.Type,
		Position: req.Position,
		Region:   req.Region,
		Year:     req.Year,
		Content:  req.Content,
		Answer:   req.Answer,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

type materialRequest struct {
	Subject string `json:"subject" validate:"required"`
	Type    string `json:"type" validate:"required"`
	Topic   string `json:"topic" validate:"required"`
	Summary string `json:"summary" validate:"required"`
}

func (s *Server) handleIndexMaterial(w http.ResponseWriter, r *http.Request) {
	if s.materials == nil {
		http.Error(w, "materials are not configured", http.StatusNotImplemented)
		return
	}
	var req materialRequest
	if !decodeJSON(w, r, &req) || !validateBody(w, req) {
		return
	}
	id, err := s.materials.InsertMaterial(r.Context(), req.Subject, req.Type, req.Topic, req.Summary)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// ownedJob loads the {id} job and hides jobs of other owners behind a 404.
func (s *Server) ownedJob(w http.ResponseWriter, r *http.Request) (models.JobRecord, bool) {
	job, err := s.papers.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return models.JobRecord{}, false
	}
	if job.OwnerID != ownerFromRequest(r) {
		http.Error(w, "job not found", http.StatusNotFound)
		return models.JobRecord{}, false
	}
	return job, true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, paper.ErrInvalidRequirement), errors.Is(err, paper.ErrPositionOutOfRange):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, paper.ErrQuotaRejected):
		telemetry.QuotaRejects.Inc()
		http.Error(w, err.Error(), http.StatusPaymentRequired)
	case errors.Is(err, paper.ErrJobNotRunnable), errors.Is(err, paper.ErrJobNotCompleted):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		s.logger.Error("request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func ownerFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Owner-ID"); v != "" {
		return v
	}
	return "default"
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeRaw(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// streamHeartbeat is how long a quiet stream waits before sending a heartbeat.
func (s *Server) streamHeartbeat() time.Duration {
	if s.cfg.Generation.HeartbeatInterval > 0 {
		return s.cfg.Generation.HeartbeatInterval
	}
	return 30 * time.Second
}
