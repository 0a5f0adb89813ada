package paper

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exam-paper-orchestrator/internal/models"
	"exam-paper-orchestrator/internal/progress"
	"exam-paper-orchestrator/internal/quota"
	"exam-paper-orchestrator/internal/store"
)

func withDeps(mutate func(*Deps)) harnessOption {
	return func(_ *harness, d *Deps) { mutate(d) }
}

func numbers(p models.Paper) []int {
	out := make([]int, 0, len(p.Questions))
	for _, q := range p.Questions {
		out = append(out, q.Number)
	}
	return out
}

func TestRunApprovesEveryPositionOnFirstDraft(t *testing.T) {
	h := newHarness(t, withPasses(2))
	id := h.pending(biology(3))

	require.NoError(t, h.orch.Run(context.Background(), id))

	job := h.store.job(id)
	assert.Equal(t, models.StatusCompleted, job.Status)
	assert.Empty(t, job.Warnings)
	assert.Len(t, job.CompletedQuestions, 3)
	assert.Equal(t, 3, h.writer.total())
	for pos := 1; pos <= 3; pos++ {
		assert.Equal(t, 1, h.writer.count(pos), "position %d", pos)
	}

	p := h.paper(t, id)
	assert.Equal(t, "Biology mock exam paper", p.Title)
	assert.Equal(t, "Medium", p.DifficultyLabel)
	assert.Equal(t, []int{1, 2, 3}, numbers(p))
	assert.InDelta(t, 0.4, p.AverageCoefficient, 1e-9)
	for _, q := range p.Questions {
		require.NotNil(t, q.Coefficient)
		assert.InDelta(t, 0.4, *q.Coefficient, 1e-9)
		assert.Equal(t, []models.Option{
			{Key: "A", Value: "right"}, {Key: "B", Value: "wrong"}, {Key: "C", Value: "also wrong"}, {Key: "D", Value: "nope"},
		}, q.Options)
	}

	assert.Equal(t, 3, job.Progress.Completed)
	assert.Empty(t, job.Progress.CurrentActions)
	assert.Equal(t, quota.Estimate(3, 5, 1000), h.quota.debited())
	assert.Equal(t, quota.Estimate(3, 5, 1000), job.TokensConsumed)

	drafts, err := h.orch.Drafts(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, drafts, 3)
	for _, d := range drafts {
		assert.Equal(t, models.DraftApproved, d.Status)
		require.NotNil(t, d.Coefficient)
	}
}

func TestRunForcesApprovalWhenDifficultyNeverFits(t *testing.T) {
	h := newHarness(t, withPasses(5))
	id := h.pending(biology(3))

	require.NoError(t, h.orch.Run(context.Background(), id))

	job := h.store.job(id)
	assert.Equal(t, models.StatusCompleted, job.Status)
	for pos := 1; pos <= 3; pos++ {
		// retries 0..2 miss the target, retry 3 is approved as forced
		assert.Equal(t, 4, h.writer.count(pos), "position %d", pos)
	}
	require.Len(t, job.Warnings, 1)
	assert.Contains(t, job.Warnings[0], "positions 1, 2, 3")

	p := h.paper(t, id)
	assert.InDelta(t, 1.0, p.AverageCoefficient, 1e-9)

	drafts, err := h.orch.Drafts(context.Background(), id)
	require.NoError(t, err)
	for _, d := range drafts {
		assert.Equal(t, models.DraftWarning, d.Status)
		assert.Len(t, d.RetryHistory, 4)
	}
}

func TestRunRetryFeedbackNamesDirection(t *testing.T) {
	h := newHarness(t, withPasses(5))
	id := h.pending(biology(1))

	require.NoError(t, h.orch.Run(context.Background(), id))

	h.writer.mu.Lock()
	defer h.writer.mu.Unlock()
	require.Len(t, h.writer.tasks, 4)
	assert.Empty(t, h.writer.tasks[0].RetryFeedback)
	for i, task := range h.writer.tasks[1:] {
		assert.Equal(t, i+1, task.RetryCount)
		assert.Contains(t, task.RetryFeedback, "Too easy")
	}
}

func TestRunPositionsAreContiguousRegardlessOfCompletionOrder(t *testing.T) {
	h := newHarness(t, withDeps(func(d *Deps) { d.Generation.Concurrency = 6 }))
	h.writer.fail = func(task models.PositionTask) error {
		time.Sleep(time.Duration(7-task.Position) * 2 * time.Millisecond)
		return nil
	}
	req := biology(3)
	req.Distribution = append(req.Distribution, models.QuestionTypeSpec{Type: models.TypeShortAnswer, Count: 3, Score: 10})
	id := h.pending(req)

	require.NoError(t, h.orch.Run(context.Background(), id))

	p := h.paper(t, id)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, numbers(p))
	assert.Equal(t, models.TypeShortAnswer, p.Questions[5].Type)
	assert.Nil(t, p.Questions[5].Options)
}

func TestRunWithExhaustedQuotaCompletesEmpty(t *testing.T) {
	h := newHarness(t)
	h.quota.allow = false
	id := h.pending(biology(3))

	require.NoError(t, h.orch.Run(context.Background(), id))

	job := h.store.job(id)
	assert.Equal(t, models.StatusCompleted, job.Status)
	assert.Equal(t, []string{
		"position 1: token quota exhausted, skipped",
		"position 2: token quota exhausted, skipped",
		"position 3: token quota exhausted, skipped",
	}, job.Warnings)
	assert.Zero(t, h.writer.total())
	assert.Zero(t, h.knowledge.count(), "no inference once the quota is exhausted")
	assert.Zero(t, h.finder.calls, "no retrieval once the quota is exhausted")
	assert.Zero(t, h.quota.debited())
	assert.Equal(t, 3, job.Progress.Skipped)

	p := h.paper(t, id)
	assert.Zero(t, p.Total)
	assert.Empty(t, p.Questions)

	drafts, err := h.orch.Drafts(context.Background(), id)
	require.NoError(t, err)
	for _, d := range drafts {
		assert.Equal(t, models.DraftSkipped, d.Status)
	}
}

func TestRunResumeSkipsCheckpointedPositions(t *testing.T) {
	h := newHarness(t)
	restored := func(pos int) models.CandidateQuestion {
		return models.CandidateQuestion{
			Type: models.TypeSingleChoice, Text: fmt.Sprintf("restored %d", pos), Answer: "B",
			Options: map[string]string{"A": "x", "B": "y"},
		}
	}
	h.store.put(models.JobRecord{
		ID:                 "job-resume",
		OwnerID:            "owner-1",
		Status:             models.StatusResuming,
		Requirement:        biology(4),
		ResumeCount:        1,
		CompletedQuestions: map[int]models.CandidateQuestion{1: restored(1), 3: restored(3)},
	})

	require.NoError(t, h.orch.Run(context.Background(), "job-resume"))

	assert.Zero(t, h.writer.count(1))
	assert.Zero(t, h.writer.count(3))
	assert.Equal(t, 1, h.writer.count(2))
	assert.Equal(t, 1, h.writer.count(4))
	assert.Equal(t, 2, h.finder.calls)
	require.NotEmpty(t, h.quota.checks)
	assert.Equal(t, quota.Estimate(2, 5, 1000), h.quota.checks[0])

	job := h.store.job("job-resume")
	assert.Equal(t, models.StatusCompleted, job.Status)
	assert.Len(t, job.CompletedQuestions, 4)
	assert.Equal(t, 4, job.Progress.Completed)

	p := h.paper(t, "job-resume")
	assert.Equal(t, []int{1, 2, 3, 4}, numbers(p))
	assert.Equal(t, "restored 1", p.Questions[0].Content)
	assert.Nil(t, p.Questions[0].Coefficient)
	require.NotNil(t, p.Questions[1].Coefficient)
	assert.InDelta(t, 0.4, p.AverageCoefficient, 1e-9)
}

func TestRunQualityRejectionIsBounded(t *testing.T) {
	h := newHarness(t, withPasses(5))
	h.checker.pass = false
	id := h.pending(biology(1))

	require.NoError(t, h.orch.Run(context.Background(), id))

	assert.Equal(t, 4, h.writer.count(1))
	job := h.store.job(id)
	assert.Equal(t, models.StatusCompleted, job.Status)
	require.Len(t, job.Warnings, 2)
	assert.Contains(t, job.Warnings[0], "position 1: quality check failed after 3 retries, force passed")
	assert.Contains(t, job.Warnings[1], "positions 1:")

	drafts, err := h.orch.Drafts(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, models.DraftWarning, drafts[0].Status)
}

func TestRunUnreachableSolverDefaultsCoefficient(t *testing.T) {
	h := newHarness(t, withDeps(func(d *Deps) { d.Agents.Solver = echoSolver{unreachable: true} }))
	id := h.pending(biology(2))

	require.NoError(t, h.orch.Run(context.Background(), id))

	p := h.paper(t, id)
	assert.InDelta(t, 0.5, p.AverageCoefficient, 1e-9)
	assert.Equal(t, 2, h.writer.total())
	assert.Empty(t, h.store.job(id).Warnings)
}

func TestRunFailsWhenEveryPositionIsSkipped(t *testing.T) {
	h := newHarness(t)
	h.writer.fail = func(models.PositionTask) error { return errors.New("model returned prose") }
	id := h.pending(biology(2))

	err := h.orch.Run(context.Background(), id)
	require.ErrorIs(t, err, ErrNothingToAssemble)

	assert.Equal(t, 4, h.writer.count(1))
	assert.Equal(t, 4, h.writer.count(2))
	job := h.store.job(id)
	assert.Equal(t, models.StatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, "no approved questions")
}

func TestRunSkipsPositionAfterRetryLimit(t *testing.T) {
	h := newHarness(t)
	h.writer.fail = func(task models.PositionTask) error {
		if task.Position == 2 {
			return errors.New("model returned prose")
		}
		return nil
	}
	id := h.pending(biology(3))

	require.NoError(t, h.orch.Run(context.Background(), id))

	job := h.store.job(id)
	assert.Equal(t, []string{"position 2: exceeded max retry 3, skipped"}, job.Warnings)
	assert.Equal(t, []int{1, 3}, numbers(h.paper(t, id)))
	assert.Equal(t, 1, job.Progress.Skipped)
}

func TestRunPanickingPositionIsSkipped(t *testing.T) {
	h := newHarness(t, withDeps(func(d *Deps) { d.Generation.Concurrency = 1 }))
	h.writer.fail = func(task models.PositionTask) error {
		if task.Position == 2 {
			panic("writer exploded")
		}
		return nil
	}
	id := h.pending(biology(3))

	done := make(chan error, 1)
	go func() { done <- h.orch.Run(context.Background(), id) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish, the panicking position kept its slot")
	}

	job := h.store.job(id)
	assert.Equal(t, models.StatusCompleted, job.Status)
	assert.Equal(t, []string{"position 2: pipeline error, skipped: writer exploded"}, job.Warnings)
	assert.Equal(t, []int{1, 3}, numbers(h.paper(t, id)))
	assert.Equal(t, 1, job.Progress.Skipped)
	assert.Equal(t, 1, h.writer.count(2))

	drafts, err := h.orch.Drafts(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, drafts, 3)
	assert.Equal(t, models.DraftSkipped, drafts[1].Status)
	assert.Equal(t, []string{"pipeline error: writer exploded"}, drafts[1].RetryHistory)
}

func TestRunCheckpointFailureFailsJob(t *testing.T) {
	h := newHarness(t)
	h.store.saveErr = errors.New("connection reset")
	id := h.pending(biology(2))

	err := h.orch.Run(context.Background(), id)
	require.Error(t, err)

	job := h.store.job(id)
	assert.Equal(t, models.StatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, "connection reset")
	assert.Nil(t, job.ArtifactID)
}

func TestRunRejectsFinishedJob(t *testing.T) {
	h := newHarness(t)
	id := h.pending(biology(1))
	require.NoError(t, h.orch.Run(context.Background(), id))

	err := h.orch.Run(context.Background(), id)
	assert.ErrorIs(t, err, ErrJobNotRunnable)
	assert.Equal(t, 1, h.writer.total())
}

func TestRunPublishesLifecycleEvents(t *testing.T) {
	bus := progress.NewBus(512, discardLogger())
	h := newHarness(t, withDeps(func(d *Deps) { d.Events = bus }))
	id := h.pending(biology(1))
	ch, cancel := bus.Subscribe(id)
	defer cancel()

	require.NoError(t, h.orch.Run(context.Background(), id))

	var types []string
	for done := false; !done; {
		select {
		case ev := <-ch:
			types = append(types, ev.Type)
		default:
			done = true
		}
	}
	require.NotEmpty(t, types)
	assert.Equal(t, EventJobStarted, types[0])
	assert.Equal(t, EventJobCompleted, types[len(types)-1])
	assert.Contains(t, types, EventQuestionApproved)
	assert.Contains(t, types, EventDifficultyResult)
}

func TestSubmit(t *testing.T) {
	t.Run("invalid requirement", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.orch.Submit(context.Background(), "owner-1", models.PaperRequirement{Subject: "Biology"})
		assert.ErrorIs(t, err, ErrInvalidRequirement)
	})

	t.Run("quota rejected", func(t *testing.T) {
		h := newHarness(t)
		h.quota.allow = false
		_, err := h.orch.Submit(context.Background(), "owner-1", biology(2))
		assert.ErrorIs(t, err, ErrQuotaRejected)
		jobs, err := h.orch.List(context.Background(), "owner-1", 0)
		require.NoError(t, err)
		assert.Empty(t, jobs)
	})

	t.Run("enqueues", func(t *testing.T) {
		sched := &recordingScheduler{}
		h := newHarness(t, withDeps(func(d *Deps) { d.Scheduler = sched }))
		job, err := h.orch.Submit(context.Background(), "owner-1", biology(2))
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, job.Status)
		assert.Equal(t, []string{job.ID}, sched.enqueued)
		assert.Equal(t, []int64{quota.Estimate(2, 5, 1000)}, h.quota.checks)
	})

	t.Run("runs in background without scheduler", func(t *testing.T) {
		h := newHarness(t)
		job, err := h.orch.Submit(context.Background(), "owner-1", biology(2))
		require.NoError(t, err)
		h.orch.Wait()
		got, err := h.orch.GetJob(context.Background(), job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, got.Status)
	})
}

func TestResume(t *testing.T) {
	sched := &recordingScheduler{}
	h := newHarness(t, withDeps(func(d *Deps) { d.Scheduler = sched }))
	msg := "connection reset"
	h.store.put(models.JobRecord{ID: "failed", OwnerID: "owner-1", Status: models.StatusFailed, Requirement: biology(2), ErrorMessage: &msg})
	h.store.put(models.JobRecord{ID: "done", OwnerID: "owner-1", Status: models.StatusCompleted, Requirement: biology(2)})

	require.NoError(t, h.orch.Resume(context.Background(), "failed"))
	job := h.store.job("failed")
	assert.Equal(t, models.StatusResuming, job.Status)
	assert.Equal(t, 1, job.ResumeCount)
	assert.Nil(t, job.ErrorMessage)
	assert.Equal(t, []string{"failed"}, sched.enqueued)

	assert.ErrorIs(t, h.orch.Resume(context.Background(), "done"), ErrJobNotRunnable)
	assert.ErrorIs(t, h.orch.Resume(context.Background(), "missing"), store.ErrNotFound)
}

func TestDelete(t *testing.T) {
	sched := &recordingScheduler{}
	h := newHarness(t, withDeps(func(d *Deps) { d.Scheduler = sched }))
	id := h.pending(biology(1))
	require.NoError(t, h.orch.Run(context.Background(), id))
	artifactID := *h.store.job(id).ArtifactID

	h.store.put(models.JobRecord{ID: "busy", OwnerID: "owner-1", Status: models.StatusRunning, Requirement: biology(1)})
	assert.ErrorIs(t, h.orch.Delete(context.Background(), "busy"), ErrJobNotRunnable)

	require.NoError(t, h.orch.Delete(context.Background(), id))
	assert.Equal(t, []string{id}, sched.removed)
	_, err := h.orch.GetJob(context.Background(), id)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = h.artifacts.Get(context.Background(), artifactID)
	assert.Error(t, err)
	drafts, err := h.orch.Drafts(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, drafts)
}

func TestPaperRequiresCompletedJob(t *testing.T) {
	h := newHarness(t)
	id := h.pending(biology(1))
	_, err := h.orch.Paper(context.Background(), id)
	assert.ErrorIs(t, err, ErrJobNotCompleted)

	body, err := h.orch.Trace(context.Background(), id)
	require.NoError(t, err)
	assert.JSONEq(t, "[]", string(body))
}

func TestReclaim(t *testing.T) {
	h := newHarness(t)
	for id, status := range map[string]string{
		"pending": models.StatusPending, "running": models.StatusRunning, "completed": models.StatusCompleted,
	} {
		h.store.put(models.JobRecord{ID: id, OwnerID: "owner-1", Status: status, Requirement: biology(1)})
	}

	requeue, err := h.orch.Reclaim(context.Background(), "pending")
	require.NoError(t, err)
	assert.True(t, requeue)

	requeue, err = h.orch.Reclaim(context.Background(), "running")
	require.NoError(t, err)
	assert.False(t, requeue)
	job := h.store.job("running")
	assert.Equal(t, models.StatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	require.NoError(t, h.orch.Resume(context.Background(), "running"))
	h.orch.Wait()
	assert.Equal(t, models.StatusCompleted, h.store.job("running").Status)

	requeue, err = h.orch.Reclaim(context.Background(), "completed")
	require.NoError(t, err)
	assert.False(t, requeue)

	_, err = h.orch.Reclaim(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
