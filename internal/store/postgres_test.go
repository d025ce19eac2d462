package store

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobmate/scan-worker/internal/model"
)

// pgReply scripts the answer to one statement. rowsFn, when set, builds the
// rows from the statement's arguments.
type pgReply struct {
	tag    string
	rows   [][]any
	rowsFn func(args []any) [][]any
	err    error
}

type pgCall struct {
	sql  string
	args []any
}

// recordingPgx answers statements from a script and keeps what it was sent.
type recordingPgx struct {
	replies []pgReply
	calls   []pgCall
}

func (f *recordingPgx) next(sql string, args []any) pgReply {
	f.calls = append(f.calls, pgCall{sql: sql, args: args})
	if len(f.replies) == 0 {
		return pgReply{}
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	if r.rowsFn != nil {
		r.rows = r.rowsFn(args)
	}
	return r
}

func (f *recordingPgx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	r := f.next(sql, args)
	if r.err != nil {
		return pgconn.CommandTag{}, r.err
	}
	return pgconn.NewCommandTag(r.tag), nil
}

func (f *recordingPgx) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	r := f.next(sql, args)
	if r.err != nil {
		return nil, r.err
	}
	return &scriptedRows{rows: r.rows}, nil
}

func (f *recordingPgx) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	r := f.next(sql, args)
	return &scriptedRow{rows: r.rows, err: r.err}
}

func (f *recordingPgx) Ping(context.Context) error { return nil }

func (f *recordingPgx) lastCall(t *testing.T) pgCall {
	t.Helper()
	require.NotEmpty(t, f.calls)
	return f.calls[len(f.calls)-1]
}

// assign copies scripted values into Scan destinations, allocating for
// pointer destinations such as *string columns.
func assign(dest []any, values []any) error {
	if len(dest) != len(values) {
		return errors.Newf("scan: %d destinations for %d columns", len(dest), len(values))
	}
	for i, v := range values {
		target := reflect.ValueOf(dest[i]).Elem()
		if v == nil {
			target.Set(reflect.Zero(target.Type()))
			continue
		}
		val := reflect.ValueOf(v)
		switch {
		case val.Type().AssignableTo(target.Type()):
			target.Set(val)
		case target.Kind() == reflect.Pointer && val.Type().AssignableTo(target.Type().Elem()):
			ptr := reflect.New(target.Type().Elem())
			ptr.Elem().Set(val)
			target.Set(ptr)
		default:
			return errors.Newf("scan: column %d: cannot assign %T to %s", i, v, target.Type())
		}
	}
	return nil
}

type scriptedRows struct {
	rows [][]any
	pos  int
}

func (r *scriptedRows) Close()                                       {}
func (r *scriptedRows) Err() error                                   { return nil }
func (r *scriptedRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *scriptedRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *scriptedRows) RawValues() [][]byte                          { return nil }
func (r *scriptedRows) Conn() *pgx.Conn                              { return nil }

func (r *scriptedRows) Next() bool {
	if r.pos >= len(r.rows) {
		return false
	}
	r.pos++
	return true
}

func (r *scriptedRows) Scan(dest ...any) error { return assign(dest, r.rows[r.pos-1]) }

func (r *scriptedRows) Values() ([]any, error) { return r.rows[r.pos-1], nil }

type scriptedRow struct {
	rows [][]any
	err  error
}

func (r *scriptedRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(r.rows) == 0 {
		return pgx.ErrNoRows
	}
	return assign(dest, r.rows[0])
}

func newTestPostgres(replies ...pgReply) (*Postgres, *recordingPgx) {
	fake := &recordingPgx{replies: replies}
	return &Postgres{pool: fake}, fake
}

func taskRow(id, status, workerID string, created time.Time) []any {
	var owner any
	if workerID != "" {
		owner = workerID
	}
	return []any{
		id, "u1", "FINN", "https://" + id, status, 0, 3,
		owner, 0, 0, nil,
		created, created, nil, created,
	}
}

// ── Scan tasks ─────────────────────────────────────────────────────────────

func TestPostgres_FetchDueClaimsWithSkipLocked(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	p, fake := newTestPostgres(pgReply{rows: [][]any{
		taskRow("b", "PROCESSING", "w1", t0.Add(time.Second)),
		taskRow("a", "PROCESSING", "w1", t0),
	}})

	tasks, err := p.FetchDue(context.Background(), "w1", 5)
	require.NoError(t, err)

	call := fake.lastCall(t)
	assert.Contains(t, call.sql, "FOR UPDATE SKIP LOCKED")
	assert.Contains(t, call.sql, "AND status = 'PENDING'")
	assert.Contains(t, call.sql, "ORDER BY created_at ASC")
	assert.Equal(t, []any{"w1", 5}, call.args)

	require.Len(t, tasks, 2)
	assert.Equal(t, "a", tasks[0].ID, "claimed rows come back oldest first")
	assert.Equal(t, model.ScanProcessing, tasks[0].Status)
	require.NotNil(t, tasks[0].WorkerID)
	assert.Equal(t, "w1", *tasks[0].WorkerID)
	assert.Nil(t, tasks[0].ErrorMessage)
	assert.Nil(t, tasks[0].CompletedAt)
}

func TestPostgres_FetchDueZeroLimitSkipsQuery(t *testing.T) {
	p, fake := newTestPostgres()
	tasks, err := p.FetchDue(context.Background(), "w1", 0)
	require.NoError(t, err)
	assert.Empty(t, tasks)
	assert.Empty(t, fake.calls)
}

func TestPostgres_FinalizesAreOwnerConditional(t *testing.T) {
	ctx := context.Background()
	p, fake := newTestPostgres(
		pgReply{tag: "UPDATE 0"},
		pgReply{tag: "UPDATE 1"},
		pgReply{tag: "UPDATE 0"},
		pgReply{tag: "UPDATE 1"},
	)

	assert.ErrorIs(t, p.MarkCompleted(ctx, "t1", "w1", 4, 3), ErrNotOwned)
	call := fake.lastCall(t)
	assert.Contains(t, call.sql, "WHERE id = $3 AND status = 'PROCESSING' AND worker_id = $4")
	assert.Equal(t, []any{4, 3, "t1", "w1"}, call.args)

	require.NoError(t, p.MarkFailed(ctx, "t1", "w1", "no template"))
	assert.Contains(t, fake.lastCall(t).sql, "AND status = 'PROCESSING' AND worker_id = $3")

	assert.ErrorIs(t, p.Release(ctx, "t1", "w2"), ErrNotOwned)
	call = fake.lastCall(t)
	assert.Contains(t, call.sql, "SET status = 'PENDING'")
	assert.NotContains(t, call.sql, "retry_count")
	assert.Equal(t, []any{"t1", "w2"}, call.args)

	require.NoError(t, p.Release(ctx, "t1", "w1"))
}

func TestPostgres_RequeueOrFail(t *testing.T) {
	ctx := context.Background()
	p, fake := newTestPostgres(
		pgReply{rows: [][]any{{"PENDING"}}},
		pgReply{},
	)

	status, err := p.RequeueOrFail(ctx, "t1", "w1", "timeout")
	require.NoError(t, err)
	assert.Equal(t, model.ScanPending, status)
	call := fake.lastCall(t)
	assert.Contains(t, call.sql, "CASE WHEN retry_count < max_retries THEN 'PENDING' ELSE 'FAILED' END")
	assert.Contains(t, call.sql, "retry_count  = retry_count + 1")
	assert.Equal(t, []any{"timeout", "t1", "w1"}, call.args)

	_, err = p.RequeueOrFail(ctx, "t1", "w1", "timeout")
	assert.ErrorIs(t, err, ErrNotOwned)
}

func TestPostgres_ReapStuck(t *testing.T) {
	p, fake := newTestPostgres(pgReply{tag: "UPDATE 2"}, pgReply{tag: "UPDATE 1"})

	res, err := p.ReapStuck(context.Background(), 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, ReapResult{OverrunFailed: 2, Abandoned: 1}, res)

	require.Len(t, fake.calls, 2)
	assert.Contains(t, fake.calls[0].sql, "WHERE status = 'PENDING' AND retry_count > max_retries")
	assert.Contains(t, fake.calls[1].sql, "started_at < NOW() - make_interval(secs => $1)")
	assert.Equal(t, []any{1800.0}, fake.calls[1].args)
}

func TestPostgres_ReapStuckWithoutTimeoutOnlyFailsOverruns(t *testing.T) {
	p, fake := newTestPostgres(pgReply{tag: "UPDATE 0"})

	res, err := p.ReapStuck(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, res.Abandoned)
	assert.Len(t, fake.calls, 1)
}

func TestPostgres_DriverErrorsAreWrapped(t *testing.T) {
	p, _ := newTestPostgres(pgReply{err: errors.New("conn closed")})

	err := p.MarkCompleted(context.Background(), "t1", "w1", 0, 0)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotOwned)
	assert.Contains(t, err.Error(), "mark scan_task completed")
	assert.Contains(t, err.Error(), "conn closed")
}

func TestPostgres_GetUnknown(t *testing.T) {
	p, _ := newTestPostgres(pgReply{})
	_, err := p.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgres_ListByUserStatusFilter(t *testing.T) {
	p, fake := newTestPostgres(pgReply{}, pgReply{})
	ctx := context.Background()

	_, err := p.ListByUser(ctx, "u1", model.ScanFailed, 0)
	require.NoError(t, err)
	assert.Equal(t, []any{"u1", "FAILED", 100}, fake.lastCall(t).args)

	_, err = p.ListByUser(ctx, "u1", "", 10)
	require.NoError(t, err)
	assert.Equal(t, []any{"u1", "", 10}, fake.lastCall(t).args)
}

func TestPostgres_CreateKeepsExplicitZeroBudget(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	row := taskRow("t1", "PENDING", "", t0)
	row[6] = 0
	p, fake := newTestPostgres(pgReply{rows: [][]any{row}})

	task, err := p.Create(context.Background(), model.NewScanTask{UserID: "u1", Source: "finn", URL: "https://x", MaxRetries: intPtr(0)})
	require.NoError(t, err)
	assert.Zero(t, task.MaxRetries)
	assert.Nil(t, task.WorkerID)

	args := fake.lastCall(t).args
	assert.Equal(t, "FINN", args[2])
	assert.Equal(t, 0, args[4])
}

// ── Jobs ───────────────────────────────────────────────────────────────────

func TestPostgres_UpsertStubDetectsCreation(t *testing.T) {
	echoProposedID := func(args []any) [][]any { return [][]any{{args[0]}} }
	p, fake := newTestPostgres(
		pgReply{rowsFn: echoProposedID},
		pgReply{rows: [][]any{{"existing-id"}}},
	)
	ctx := context.Background()
	rec := model.JobRecord{UserID: "u1", URL: "https://job/1", ScanTaskID: "t1", Title: "Go dev"}

	res, err := p.UpsertStub(ctx, rec)
	require.NoError(t, err)
	assert.True(t, res.Created)
	call := fake.lastCall(t)
	assert.Contains(t, call.sql, "ON CONFLICT (user_id, url) DO UPDATE")
	assert.Contains(t, call.sql, "COALESCE(NULLIF(EXCLUDED.title, ''), jobs.title)")
	assert.Equal(t, model.JobStatusNew, call.args[11])

	res, err = p.UpsertStub(ctx, rec)
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, "existing-id", res.ID)
}

func TestPostgres_UpdateDetailsMissingRow(t *testing.T) {
	p, fake := newTestPostgres(pgReply{tag: "UPDATE 0"}, pgReply{tag: "UPDATE 0"})
	ctx := context.Background()
	title := "Senior Go developer"

	err := p.UpdateDetails(ctx, "u1", "https://gone", model.JobDetail{Title: &title})
	assert.ErrorIs(t, err, ErrNotFound)
	args := fake.lastCall(t).args
	require.Len(t, args, 22)
	assert.Equal(t, &title, args[0])
	assert.Nil(t, args[1], "unset fields are sent as NULL so COALESCE keeps the stored value")

	assert.ErrorIs(t, p.MarkEnrichmentFailed(ctx, "u1", "https://gone"), ErrNotFound)
}

func TestPostgres_ListJobsBuildsFilters(t *testing.T) {
	p, fake := newTestPostgres(pgReply{})

	_, err := p.List(context.Background(), JobFilter{
		UserID: "u1", ScanTaskID: "t1", EnrichmentStatus: model.EnrichmentFailed, Limit: 5,
	})
	require.NoError(t, err)
	call := fake.lastCall(t)
	assert.Contains(t, call.sql, "AND scan_task_id = $2 AND enrichment_status = $3")
	assert.Contains(t, call.sql, "LIMIT $4")
	assert.Equal(t, []any{"u1", "t1", "FAILED", 5}, call.args)
}
