package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobmate/scan-worker/internal/db"
	"jobmate/scan-worker/internal/model"
)

// fakeClock advances one millisecond per reading so created_at is strictly
// increasing across sequential inserts.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestSQLite(t *testing.T) (*SQLite, *fakeClock) {
	t.Helper()
	conn, err := db.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	clock := &fakeClock{now: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
	s := NewSQLite(conn)
	s.now = clock.Now
	return s, clock
}

func mustCreate(t *testing.T, s *SQLite, userID, url string) *model.ScanTask {
	t.Helper()
	task, err := s.Create(context.Background(), model.NewScanTask{UserID: userID, Source: "finn", URL: url})
	require.NoError(t, err)
	return task
}

func claimOne(t *testing.T, s *SQLite, workerID string) model.ScanTask {
	t.Helper()
	tasks, err := s.FetchDue(context.Background(), workerID, 1)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	return tasks[0]
}

// ── Scan tasks ─────────────────────────────────────────────────────────────

func TestSQLite_CreateDefaults(t *testing.T) {
	s, _ := newTestSQLite(t)

	task := mustCreate(t, s, "user-1", "https://www.finn.no/job/search?q=go")

	assert.NotEmpty(t, task.ID)
	assert.Equal(t, model.ScanPending, task.Status)
	assert.Equal(t, "FINN", task.Source)
	assert.Equal(t, 0, task.RetryCount)
	assert.Equal(t, model.DefaultMaxRetries, task.MaxRetries)
	assert.Nil(t, task.WorkerID)
	assert.Nil(t, task.StartedAt)

	got, err := s.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.True(t, task.CreatedAt.Equal(got.CreatedAt))
}

func TestSQLite_CreateRejectsIncompleteTask(t *testing.T) {
	s, _ := newTestSQLite(t)

	_, err := s.Create(context.Background(), model.NewScanTask{UserID: "u", Source: "FINN"})
	assert.ErrorIs(t, err, ErrInvalidTask)

	_, err = s.Create(context.Background(), model.NewScanTask{UserID: "u", Source: "FINN", URL: "x", MaxRetries: intPtr(-1)})
	assert.ErrorIs(t, err, ErrInvalidTask)
}

func intPtr(n int) *int { return &n }

func TestSQLite_ZeroRetryBudgetAllowsOneAttempt(t *testing.T) {
	s, _ := newTestSQLite(t)
	ctx := context.Background()

	task, err := s.Create(ctx, model.NewScanTask{UserID: "u", Source: "FINN", URL: "https://a", MaxRetries: intPtr(0)})
	require.NoError(t, err)
	assert.Equal(t, 0, task.MaxRetries)

	claimOne(t, s, "w1")
	status, err := s.RequeueOrFail(ctx, task.ID, "w1", "listing timed out")
	require.NoError(t, err)
	assert.Equal(t, model.ScanFailed, status)

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
}

func TestSQLite_GetUnknown(t *testing.T) {
	s, _ := newTestSQLite(t)
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_FetchDueOldestFirst(t *testing.T) {
	s, _ := newTestSQLite(t)
	ctx := context.Background()

	a := mustCreate(t, s, "u", "https://a")
	b := mustCreate(t, s, "u", "https://b")
	c := mustCreate(t, s, "u", "https://c")

	first, err := s.FetchDue(ctx, "w1", 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, a.ID, first[0].ID)
	assert.Equal(t, b.ID, first[1].ID)
	for _, task := range first {
		assert.Equal(t, model.ScanProcessing, task.Status)
		require.NotNil(t, task.WorkerID)
		assert.Equal(t, "w1", *task.WorkerID)
		assert.NotNil(t, task.StartedAt)
	}

	second, err := s.FetchDue(ctx, "w2", 5)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, c.ID, second[0].ID)

	none, err := s.FetchDue(ctx, "w3", 5)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSQLite_ConcurrentClaimYieldsOneOwner(t *testing.T) {
	s, _ := newTestSQLite(t)
	task := mustCreate(t, s, "u", "https://only")

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed []string
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			tasks, err := s.FetchDue(context.Background(), id, 1)
			assert.NoError(t, err)
			mu.Lock()
			for _, tk := range tasks {
				claimed = append(claimed, tk.ID)
			}
			mu.Unlock()
		}("worker-" + string(rune('a'+i)))
	}
	wg.Wait()

	assert.Equal(t, []string{task.ID}, claimed)
}

func TestSQLite_RequeueThenFailAtBudget(t *testing.T) {
	s, _ := newTestSQLite(t)
	ctx := context.Background()
	task := mustCreate(t, s, "u", "https://retry")

	// Two recoverable failures: retry_count 0 → 1 → 2.
	for i := 0; i < 2; i++ {
		claimOne(t, s, "w")
		status, err := s.RequeueOrFail(ctx, task.ID, "w", "automation unreachable")
		require.NoError(t, err)
		assert.Equal(t, model.ScanPending, status)
	}

	// retry_count 2 < 3: requeued with retry_count 3.
	claimOne(t, s, "w")
	status, err := s.RequeueOrFail(ctx, task.ID, "w", "timeout")
	require.NoError(t, err)
	assert.Equal(t, model.ScanPending, status)

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.RetryCount)
	assert.Nil(t, got.CompletedAt)

	// retry_count 3 is still claimable and fails for good.
	claimOne(t, s, "w")
	status, err = s.RequeueOrFail(ctx, task.ID, "w", "timeout again")
	require.NoError(t, err)
	assert.Equal(t, model.ScanFailed, status)

	got, err = s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ScanFailed, got.Status)
	assert.Equal(t, 4, got.RetryCount)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "timeout again", *got.ErrorMessage)
	assert.NotNil(t, got.CompletedAt)
}

func TestSQLite_FinalizeRequiresOwnership(t *testing.T) {
	s, _ := newTestSQLite(t)
	ctx := context.Background()
	task := mustCreate(t, s, "u", "https://own")

	// Not claimed yet.
	assert.ErrorIs(t, s.MarkCompleted(ctx, task.ID, "w1", 1, 1), ErrNotOwned)

	claimOne(t, s, "w1")
	assert.ErrorIs(t, s.MarkCompleted(ctx, task.ID, "w2", 1, 1), ErrNotOwned)
	_, err := s.RequeueOrFail(ctx, task.ID, "w2", "x")
	assert.ErrorIs(t, err, ErrNotOwned)

	require.NoError(t, s.MarkCompleted(ctx, task.ID, "w1", 5, 4))

	// Terminal rows are never touched again.
	assert.ErrorIs(t, s.MarkFailed(ctx, task.ID, "w1", "late"), ErrNotOwned)
	_, err = s.RequeueOrFail(ctx, task.ID, "w1", "late")
	assert.ErrorIs(t, err, ErrNotOwned)

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ScanCompleted, got.Status)
	assert.Equal(t, 5, got.JobsFound)
	assert.Equal(t, 4, got.JobsSaved)
	assert.Nil(t, got.ErrorMessage)
	assert.NotNil(t, got.CompletedAt)
}

func TestSQLite_ReleaseKeepsRetryCount(t *testing.T) {
	s, _ := newTestSQLite(t)
	ctx := context.Background()
	task := mustCreate(t, s, "u", "https://interrupted")

	claimOne(t, s, "w1")
	assert.ErrorIs(t, s.Release(ctx, task.ID, "w2"), ErrNotOwned)
	require.NoError(t, s.Release(ctx, task.ID, "w1"))
	assert.ErrorIs(t, s.Release(ctx, task.ID, "w1"), ErrNotOwned, "already released")

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ScanPending, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.Nil(t, got.WorkerID)
	assert.Nil(t, got.StartedAt)

	again := claimOne(t, s, "w2")
	assert.Equal(t, task.ID, again.ID)
}

func TestSQLite_MarkFailedIgnoresBudget(t *testing.T) {
	s, _ := newTestSQLite(t)
	ctx := context.Background()
	task := mustCreate(t, s, "u", "https://bad")

	claimOne(t, s, "w")
	require.NoError(t, s.MarkFailed(ctx, task.ID, "w", "no template for source"))

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ScanFailed, got.Status)
	assert.Equal(t, 0, got.RetryCount)
}

func TestSQLite_ReapStuck(t *testing.T) {
	s, clock := newTestSQLite(t)
	ctx := context.Background()

	overrun := mustCreate(t, s, "u", "https://overrun")
	_, err := s.db.Exec(`UPDATE scan_tasks SET retry_count = 4 WHERE id = ?`, overrun.ID)
	require.NoError(t, err)

	lastChance := mustCreate(t, s, "u", "https://last-chance")
	_, err = s.db.Exec(`UPDATE scan_tasks SET retry_count = 3 WHERE id = ?`, lastChance.ID)
	require.NoError(t, err)

	abandoned := mustCreate(t, s, "u", "https://abandoned")
	_, err = s.db.Exec(`UPDATE scan_tasks SET status = 'PROCESSING', worker_id = 'dead', started_at = ? WHERE id = ?`,
		formatTS(clock.Now()), abandoned.ID)
	require.NoError(t, err)

	clock.Advance(31 * time.Minute)
	res, err := s.ReapStuck(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, res.OverrunFailed)
	assert.Equal(t, 1, res.Abandoned)

	got, err := s.Get(ctx, overrun.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ScanFailed, got.Status)

	got, err = s.Get(ctx, lastChance.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ScanPending, got.Status)

	got, err = s.Get(ctx, abandoned.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ScanPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "dead")

	// A fresh lease is left alone.
	claimOne(t, s, "alive")
	res, err = s.ReapStuck(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Abandoned)
}

func TestSQLite_ListByUser(t *testing.T) {
	s, _ := newTestSQLite(t)
	mustCreate(t, s, "u1", "https://1")
	newest := mustCreate(t, s, "u1", "https://2")
	mustCreate(t, s, "u2", "https://3")

	tasks, err := s.ListByUser(context.Background(), "u1", "", 0)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, newest.ID, tasks[0].ID)

	claimOne(t, s, "w1")
	tasks, err = s.ListByUser(context.Background(), "u1", model.ScanProcessing, 0)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, model.ScanProcessing, tasks[0].Status)
}

// ── Jobs ───────────────────────────────────────────────────────────────────

func stub(task *model.ScanTask, url, title string) model.JobRecord {
	return model.StubRecord(*task, model.JobStub{URL: url, Title: title, Company: "Acme"})
}

func TestSQLite_UpsertStubIsIdempotent(t *testing.T) {
	s, _ := newTestSQLite(t)
	ctx := context.Background()
	task := mustCreate(t, s, "u", "https://list")

	first, err := s.UpsertStub(ctx, stub(task, "https://job/1", "Go Developer"))
	require.NoError(t, err)
	assert.True(t, first.Created)

	// Empty title must not clobber the stored one.
	second, err := s.UpsertStub(ctx, stub(task, "https://job/1", ""))
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.ID, second.ID)

	job, err := s.GetJob(ctx, "u", "https://job/1")
	require.NoError(t, err)
	assert.Equal(t, "Go Developer", job.Title)
	assert.Equal(t, model.EnrichmentURLExtracted, job.EnrichmentStatus)
	assert.Equal(t, model.JobStatusNew, job.Status)
	assert.Equal(t, 0, job.RelevanceScore)
	assert.False(t, job.IsProcessed)

	var n int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM jobs`).Scan(&n))
	assert.Equal(t, 1, n)

	// Same URL for another user is a separate row.
	other, err := s.UpsertStub(ctx, model.JobRecord{UserID: "someone-else", URL: "https://job/1"})
	require.NoError(t, err)
	assert.True(t, other.Created)
}

func TestSQLite_UpdateDetailsKeepsUnsetFields(t *testing.T) {
	s, _ := newTestSQLite(t)
	ctx := context.Background()
	task := mustCreate(t, s, "u", "https://list")
	_, err := s.UpsertStub(ctx, stub(task, "https://job/1", "Go Developer"))
	require.NoError(t, err)

	desc := "Build things in Go."
	blank := "  "
	err = s.UpdateDetails(ctx, "u", "https://job/1", model.JobDetail{
		FullDescription: &desc,
		Title:           &blank,
		Requirements:    []string{"Go", "SQL"},
	})
	require.NoError(t, err)

	job, err := s.GetJob(ctx, "u", "https://job/1")
	require.NoError(t, err)
	assert.Equal(t, "Go Developer", job.Title)
	require.NotNil(t, job.FullDescription)
	assert.Equal(t, desc, *job.FullDescription)
	assert.Equal(t, []string{"Go", "SQL"}, job.Requirements)
	assert.Nil(t, job.ContactEmail)
	assert.Equal(t, model.EnrichmentDetailsExtracted, job.EnrichmentStatus)
	assert.True(t, job.IsProcessed)

	assert.ErrorIs(t, s.UpdateDetails(ctx, "u", "https://job/unknown", model.JobDetail{FullDescription: &desc}), ErrNotFound)
}

func TestSQLite_ListJobsByEnrichmentStatus(t *testing.T) {
	s, _ := newTestSQLite(t)
	ctx := context.Background()
	task := mustCreate(t, s, "u", "https://list")
	for _, url := range []string{"https://job/1", "https://job/2", "https://job/3"} {
		_, err := s.UpsertStub(ctx, stub(task, url, "t"))
		require.NoError(t, err)
	}
	require.NoError(t, s.MarkEnrichmentFailed(ctx, "u", "https://job/2"))

	failed, err := s.List(ctx, JobFilter{UserID: "u", EnrichmentStatus: model.EnrichmentFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "https://job/2", failed[0].URL)

	all, err := s.List(ctx, JobFilter{UserID: "u", ScanTaskID: task.ID})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

// ── Query shape ────────────────────────────────────────────────────────────

func TestSQLite_FetchDueIsSingleConditionalUpdate(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	s := NewSQLite(conn)
	now := formatTS(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))
	rows := sqlmock.NewRows([]string{
		"id", "user_id", "source", "url", "status", "retry_count", "max_retries",
		"worker_id", "jobs_found", "jobs_saved", "error_message",
		"created_at", "started_at", "completed_at", "updated_at",
	}).AddRow("t1", "u", "FINN", "https://a", "PROCESSING", 0, 3, "w1", 0, 0, nil, now, now, nil, now)

	mock.ExpectQuery(`(?s)UPDATE scan_tasks\s+SET status = 'PROCESSING'.*AND status = 'PENDING'\s+RETURNING`).
		WithArgs("w1", sqlmock.AnyArg(), sqlmock.AnyArg(), 1).
		WillReturnRows(rows)

	tasks, err := s.FetchDue(context.Background(), "w1", 1)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, model.ScanProcessing, tasks[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLite_FetchDueWrapsDriverError(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectQuery(`UPDATE scan_tasks`).WillReturnError(assert.AnError)

	_, err = NewSQLite(conn).FetchDue(context.Background(), "w1", 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "claim scan_tasks")
}
