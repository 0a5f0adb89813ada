// Package bootstrap wires the services shared by the api and worker binaries.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"exam-paper-orchestrator/internal/agents"
	"exam-paper-orchestrator/internal/artifact"
	"exam-paper-orchestrator/internal/config"
	"exam-paper-orchestrator/internal/llm"
	"exam-paper-orchestrator/internal/models"
	"exam-paper-orchestrator/internal/paper"
	"exam-paper-orchestrator/internal/progress"
	"exam-paper-orchestrator/internal/queue"
	"exam-paper-orchestrator/internal/quota"
	"exam-paper-orchestrator/internal/retrieval"
	"exam-paper-orchestrator/internal/store"
)

// Services is everything a process needs to run or serve paper jobs.
type Services struct {
	Store        *store.Store
	Queue        *queue.RedisQueue
	Relay        *progress.RedisRelay
	Quota        *quota.Controller
	Retriever    *retrieval.Retriever
	Orchestrator *paper.Orchestrator
}

// Build connects Postgres and Redis, runs migrations and assembles the orchestrator.
// Progress events go to Redis so any api process can stream them.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Services, error) {
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := st.RunMigrations(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	personas, err := cfg.LoadPersonas()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("solver personas: %w", err)
	}
	router, err := llm.NewRouter(cfg, personas)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("llm router: %w", err)
	}

	var embedder retrieval.Embedder
	if e, err := llm.NewEmbedder(cfg, logger); err != nil {
		logger.Warn("semantic example search disabled", "provider", cfg.EmbeddingProvider, "error", err)
	} else {
		embedder = e
	}
	retriever := retrieval.New(st, embedder, logger)

	artifacts, err := artifact.New(ctx, cfg)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("artifact store: %w", err)
	}

	q := queue.NewRedisQueue(cfg)
	relay := progress.NewRedisRelay(q.Client(), logger)
	quotas := quota.NewController(st, logger)
	set := agents.New(router, personas, agents.Options{
		StructuredAttempts: cfg.Generation.StructuredOutputAttempts,
		Logger:             logger,
	})

	orch := paper.New(paper.Deps{
		Store:      st,
		Quota:      quotas,
		Finder:     retriever,
		Materials:  st,
		Agents:     paper.AgentsFrom(set),
		Artifacts:  artifacts,
		Events:     relay,
		Scheduler:  q,
		Generation: cfg.Generation,
		Logger:     logger,
	})

	logger.Info("services ready",
		"personas", len(personas),
		"artifacts", fmt.Sprintf("%T", artifacts),
		"solve_count", cfg.Generation.SolveCount,
		"concurrency", cfg.Generation.Concurrency,
	)
	return &Services{
		Store:        st,
		Queue:        q,
		Relay:        relay,
		Quota:        quotas,
		Retriever:    retriever,
		Orchestrator: orch,
	}, nil
}

// RequeueUnfinished puts every pending or resuming job back on the ready list.
// Enqueue skips ids that are already waiting or leased.
func (s *Services) RequeueUnfinished(ctx context.Context, logger *slog.Logger) error {
	ids, err := s.Store.ListJobIDsByStatus(ctx, models.StatusPending, models.StatusResuming)
	if err != nil {
		return fmt.Errorf("list unfinished jobs: %w", err)
	}
	for _, id := range ids {
		if err := s.Queue.Enqueue(ctx, id); err != nil {
			return err
		}
	}
	if len(ids) > 0 {
		logger.Info("requeued unfinished jobs", "count", len(ids))
	}
	return nil
}

// Close releases the Postgres pool and the Redis client.
func (s *Services) Close() {
	s.Store.Close()
	_ = s.Queue.Client().Close()
}
