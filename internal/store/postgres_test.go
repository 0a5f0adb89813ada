package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"exam-paper-orchestrator/internal/models"
)

var (
	testStore    *Store
	testStoreErr error
)

// TestMain starts a Postgres container for the store tests. POSTGRES_TEST_DSN points the
// tests at an existing database instead. Without either, the database tests skip.
func TestMain(m *testing.M) {
	// ryuk needs privileged access that CI runners often lack
	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")
	ctx := context.Background()

	var container testcontainers.Container
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		dsn, container, testStoreErr = startPostgres(ctx)
	}
	if testStoreErr == nil {
		testStore, testStoreErr = New(ctx, dsn)
	}
	if testStoreErr == nil {
		testStoreErr = testStore.RunMigrations(ctx)
	}
	if testStoreErr != nil {
		log.Printf("postgres unavailable, database tests will skip: %v", testStoreErr)
	}

	code := m.Run()

	if testStore != nil {
		testStore.Close()
	}
	if container != nil {
		_ = container.Terminate(ctx)
	}
	os.Exit(code)
}

func startPostgres(ctx context.Context) (dsn string, container testcontainers.Container, err error) {
	// docker host discovery panics when no daemon is reachable
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("docker unavailable: %v", r)
		}
	}()
	container, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "postgres",
				"POSTGRES_PASSWORD": "postgres",
				"POSTGRES_DB":       "papers",
			},
			// the server restarts once after init, so the line appears twice
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return "", nil, fmt.Errorf("start postgres container: %w", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		return "", container, fmt.Errorf("container host: %w", err)
	}
	if host == "" || host == "null" {
		host = "localhost"
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return "", container, fmt.Errorf("mapped port: %w", err)
	}
	return fmt.Sprintf("postgres://postgres:postgres@%s:%s/papers?sslmode=disable", host, port.Port()), container, nil
}

func requireDB(t *testing.T) *Store {
	t.Helper()
	if testStore == nil || testStoreErr != nil {
		t.Skipf("postgres unavailable: %v", testStoreErr)
	}
	return testStore
}

func createTestJob(t *testing.T, s *Store) models.JobRecord {
	t.Helper()
	job, err := s.CreateJob(context.Background(), "owner-"+t.Name(), models.PaperRequirement{
		Subject:          "Biology",
		TargetDifficulty: models.DifficultyMedium,
		Distribution:     []models.QuestionTypeSpec{{Type: models.TypeSingleChoice, Count: 3, Score: 2}},
	})
	require.NoError(t, err)
	return job
}

func question(text string) models.CandidateQuestion {
	return models.CandidateQuestion{
		Type:           models.TypeSingleChoice,
		Text:           text,
		Options:        map[string]string{"A": "mitochondria", "B": "ribosome"},
		Answer:         "A",
		KnowledgePoint: "cell organelles",
	}
}

func TestCreateAndGetJob(t *testing.T) {
	s := requireDB(t)
	ctx := context.Background()
	job := createTestJob(t, s)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, "Biology", got.Requirement.Subject)
	assert.Equal(t, 3, got.Progress.Total)
	assert.Empty(t, got.CompletedQuestions)
	assert.Empty(t, got.Warnings)
	assert.Nil(t, got.ErrorMessage)

	_, err = s.GetJob(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	ids, err := s.ListJobIDsByStatus(ctx, models.StatusPending, models.StatusResuming)
	require.NoError(t, err)
	assert.Contains(t, ids, job.ID)
}

func TestSaveCheckpointEntryMergesPositions(t *testing.T) {
	s := requireDB(t)
	ctx := context.Background()
	job := createTestJob(t, s)

	require.NoError(t, s.SaveCheckpointEntry(ctx, job.ID, 1, question("first draft")))
	require.NoError(t, s.SaveCheckpointEntry(ctx, job.ID, 3, question("third")))
	require.NoError(t, s.SaveCheckpointEntry(ctx, job.ID, 1, question("first rewritten")))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, got.CompletedQuestions, 2)
	assert.Equal(t, "first rewritten", got.CompletedQuestions[1].Text)
	assert.Equal(t, "third", got.CompletedQuestions[3].Text)
	assert.Equal(t, "mitochondria", got.CompletedQuestions[3].Options["A"])
}

func TestConcurrentCheckpointWritesKeepEveryPosition(t *testing.T) {
	s := requireDB(t)
	ctx := context.Background()
	job := createTestJob(t, s)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for pos := 1; pos <= 8; pos++ {
		wg.Add(1)
		go func(pos int) {
			defer wg.Done()
			errs <- s.SaveCheckpointEntry(ctx, job.ID, pos, question(fmt.Sprintf("question %d", pos)))
		}(pos)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, got.CompletedQuestions, 8)
	for pos := 1; pos <= 8; pos++ {
		assert.Equal(t, fmt.Sprintf("question %d", pos), got.CompletedQuestions[pos].Text)
	}
}

func TestFailJobLeavesCheckpointUntouched(t *testing.T) {
	s := requireDB(t)
	ctx := context.Background()
	job := createTestJob(t, s)

	require.NoError(t, s.MarkRunning(ctx, job.ID, models.Progress{Total: 3}))
	require.NoError(t, s.SaveCheckpointEntry(ctx, job.ID, 2, question("kept")))
	require.NoError(t, s.FailJob(ctx, job.ID, "writer backend unreachable", []byte(`[{"role":"question"}]`)))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "writer backend unreachable", *got.ErrorMessage)
	require.Len(t, got.CompletedQuestions, 1)
	assert.Equal(t, "kept", got.CompletedQuestions[2].Text)
	assert.JSONEq(t, `[{"role":"question"}]`, string(got.TraceLog))

	// a later failure without a trace keeps the earlier one
	require.NoError(t, s.FailJob(ctx, job.ID, "again", nil))
	got, err = s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"role":"question"}]`, string(got.TraceLog))
}

func TestMarkResumingOnlyFromFailed(t *testing.T) {
	s := requireDB(t)
	ctx := context.Background()
	job := createTestJob(t, s)

	ok, err := s.MarkResuming(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, ok, "pending job must not resume")

	require.NoError(t, s.SaveCheckpointEntry(ctx, job.ID, 1, question("survives")))
	require.NoError(t, s.FailJob(ctx, job.ID, "boom", nil))
	ok, err = s.MarkResuming(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusResuming, got.Status)
	assert.Equal(t, 1, got.ResumeCount)
	assert.Nil(t, got.ErrorMessage)
	assert.Len(t, got.CompletedQuestions, 1)

	ok, err = s.MarkResuming(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, ok, "resuming job must not resume twice")

	ok, err = s.MarkResuming(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCompleteJobOverwritesCheckpoint(t *testing.T) {
	s := requireDB(t)
	ctx := context.Background()
	job := createTestJob(t, s)

	require.NoError(t, s.SaveCheckpointEntry(ctx, job.ID, 1, question("stale")))
	require.NoError(t, s.SaveCheckpointEntry(ctx, job.ID, 2, question("dropped")))
	err := s.CompleteJob(ctx, job.ID, CompleteParams{
		Warnings:   []string{"position 2: exceeded max retry 3, skipped"},
		Checkpoint: map[int]models.CandidateQuestion{1: question("final one"), 3: question("final three")},
		ArtifactID: "papers/" + job.ID + ".json",
		TraceLog:   []byte(`[]`),
		Tokens:     1200,
		Progress:   models.Progress{Total: 3, Completed: 2, Skipped: 1},
	})
	require.NoError(t, err)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	require.Len(t, got.CompletedQuestions, 2)
	assert.Equal(t, "final one", got.CompletedQuestions[1].Text)
	assert.Equal(t, "final three", got.CompletedQuestions[3].Text)
	assert.Equal(t, []string{"position 2: exceeded max retry 3, skipped"}, got.Warnings)
	require.NotNil(t, got.ArtifactID)
	assert.Equal(t, "papers/"+job.ID+".json", *got.ArtifactID)
	assert.EqualValues(t, 1200, got.TokensConsumed)
	assert.Equal(t, 1, got.Progress.Skipped)
	assert.NotNil(t, got.CompletedAt)

	require.NoError(t, s.ReplaceCheckpointEntry(ctx, job.ID, 3, question("regenerated three"), 300))
	got, err = s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "regenerated three", got.CompletedQuestions[3].Text)
	assert.Equal(t, "final one", got.CompletedQuestions[1].Text)
	assert.EqualValues(t, 1500, got.TokensConsumed)
}

func TestDraftsUpsertAndCascade(t *testing.T) {
	s := requireDB(t)
	ctx := context.Background()
	job := createTestJob(t, s)

	coef := 0.6
	require.NoError(t, s.UpsertDraft(ctx, models.DraftLog{JobID: job.ID, Position: 2, Type: models.TypeSingleChoice, Status: models.DraftSkipped}))
	require.NoError(t, s.UpsertDraft(ctx, models.DraftLog{
		JobID: job.ID, Position: 2, Type: models.TypeSingleChoice, Status: models.DraftApproved,
		Content: "Which organelle makes ATP?", Coefficient: &coef, RetryHistory: []string{"Too easy"},
	}))
	require.NoError(t, s.UpsertDraft(ctx, models.DraftLog{JobID: job.ID, Position: 1, Type: models.TypeSingleChoice, Status: models.DraftWarning}))

	drafts, err := s.ListDrafts(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, drafts, 2)
	assert.Equal(t, 1, drafts[0].Position)
	assert.Equal(t, models.DraftApproved, drafts[1].Status)
	assert.Equal(t, []string{"Too easy"}, drafts[1].RetryHistory)
	require.NotNil(t, drafts[1].Coefficient)
	assert.InDelta(t, 0.6, *drafts[1].Coefficient, 1e-9)

	require.NoError(t, s.DeleteJob(ctx, job.ID))
	drafts, err = s.ListDrafts(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, drafts)
	assert.True(t, errors.Is(s.DeleteJob(ctx, job.ID), ErrNotFound))
}

func TestQuotaLedger(t *testing.T) {
	s := requireDB(t)
	ctx := context.Background()
	owner := "owner-" + t.Name()

	_, err := s.GetQuota(ctx, owner)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(s.RevokeQuota(ctx, owner), ErrNotFound))

	limit := int64(1000)
	require.NoError(t, s.GrantQuota(ctx, owner, &limit))
	require.NoError(t, s.DebitQuota(ctx, owner, 400))
	require.NoError(t, s.DebitQuota(ctx, owner, -50))
	require.NoError(t, s.DebitQuota(ctx, owner, 0))
	require.NoError(t, s.DebitQuota(ctx, owner, 100))

	ledger, err := s.GetQuota(ctx, owner)
	require.NoError(t, err)
	assert.True(t, ledger.Enabled)
	assert.EqualValues(t, 500, ledger.Used)
	require.NotNil(t, ledger.MonthlyCap)
	assert.EqualValues(t, 1000, *ledger.MonthlyCap)

	require.NoError(t, s.RevokeQuota(ctx, owner))
	require.NoError(t, s.GrantQuota(ctx, owner, nil))
	ledger, err = s.GetQuota(ctx, owner)
	require.NoError(t, err)
	assert.True(t, ledger.Enabled)
	assert.Nil(t, ledger.MonthlyCap, "nil cap means unlimited")
	assert.EqualValues(t, 500, ledger.Used, "re-grant keeps usage")
}
