package store

import (
	"context"
	"slices"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"jobmate/scan-worker/internal/model"
)

// querier is the part of *pgxpool.Pool the store uses.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool querier
}

// NewPostgres returns a Store backed by pool. The caller owns the pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Close is a no-op; the pool is closed by whoever opened it.
func (p *Postgres) Close() error { return nil }

// Ping verifies the pool can reach the database.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

const pgTaskColumns = `id, user_id, source, url, status, retry_count, max_retries,
	worker_id, jobs_found, jobs_saved, error_message,
	created_at, started_at, completed_at, updated_at`

func scanPgTask(row pgx.Row) (*model.ScanTask, error) {
	var (
		t      model.ScanTask
		status string
	)
	if err := row.Scan(
		&t.ID, &t.UserID, &t.Source, &t.URL, &status, &t.RetryCount, &t.MaxRetries,
		&t.WorkerID, &t.JobsFound, &t.JobsSaved, &t.ErrorMessage,
		&t.CreatedAt, &t.StartedAt, &t.CompletedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	t.Status = model.ScanStatus(status)
	return &t, nil
}

func collectPgTasks(rows pgx.Rows) ([]model.ScanTask, error) {
	defer rows.Close()
	tasks := make([]model.ScanTask, 0)
	for rows.Next() {
		t, err := scanPgTask(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan scan_task")
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// ─── ScanTaskStore ───────────────────────────────────────────────────────────

// Create inserts a PENDING task with retry_count = 0.
func (p *Postgres) Create(ctx context.Context, in model.NewScanTask) (*model.ScanTask, error) {
	in, err := normalizeNewTask(in)
	if err != nil {
		return nil, err
	}
	t, err := scanPgTask(p.pool.QueryRow(ctx,
		`INSERT INTO scan_tasks (id, user_id, source, url, status, retry_count, max_retries)
		 VALUES ($1, $2, $3, $4, 'PENDING', 0, $5)
		 RETURNING `+pgTaskColumns,
		uuid.NewString(), in.UserID, in.Source, in.URL, *in.MaxRetries,
	))
	if err != nil {
		return nil, errors.Wrap(err, "insert scan_task")
	}
	return t, nil
}

// Get returns a task by id.
func (p *Postgres) Get(ctx context.Context, id string) (*model.ScanTask, error) {
	t, err := scanPgTask(p.pool.QueryRow(ctx,
		`SELECT `+pgTaskColumns+` FROM scan_tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get scan_task")
	}
	return t, nil
}

// ListByUser returns a user's tasks, newest first.
func (p *Postgres) ListByUser(ctx context.Context, userID string, status model.ScanStatus, limit int) ([]model.ScanTask, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+pgTaskColumns+` FROM scan_tasks
		 WHERE user_id = $1 AND ($2::text = '' OR status = $2)
		 ORDER BY created_at DESC LIMIT $3`,
		userID, string(status), listLimit(limit))
	if err != nil {
		return nil, errors.Wrap(err, "list scan_tasks")
	}
	return collectPgTasks(rows)
}

// FetchDue claims due tasks in one statement. SKIP LOCKED keeps concurrent
// claimers from blocking on each other; the outer status predicate makes the
// update a compare-and-swap even under READ COMMITTED.
func (p *Postgres) FetchDue(ctx context.Context, workerID string, limit int) ([]model.ScanTask, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := p.pool.Query(ctx,
		`UPDATE scan_tasks
		 SET status = 'PROCESSING', worker_id = $1, started_at = NOW(), updated_at = NOW()
		 WHERE id IN (
		   SELECT id FROM scan_tasks
		   WHERE status = 'PENDING'
		   ORDER BY created_at ASC
		   LIMIT $2
		   FOR UPDATE SKIP LOCKED
		 )
		 AND status = 'PENDING'
		 RETURNING `+pgTaskColumns,
		workerID, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "claim scan_tasks")
	}
	tasks, err := collectPgTasks(rows)
	if err != nil {
		return nil, errors.Wrap(err, "claim scan_tasks")
	}
	slices.SortStableFunc(tasks, func(a, b model.ScanTask) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return tasks, nil
}

// MarkCompleted finalizes an owned task as COMPLETED.
func (p *Postgres) MarkCompleted(ctx context.Context, id, workerID string, jobsFound, jobsSaved int) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE scan_tasks
		 SET status = 'COMPLETED', jobs_found = $1, jobs_saved = $2,
		     error_message = NULL, completed_at = NOW(), updated_at = NOW()
		 WHERE id = $3 AND status = 'PROCESSING' AND worker_id = $4`,
		jobsFound, jobsSaved, id, workerID,
	)
	if err != nil {
		return errors.Wrap(err, "mark scan_task completed")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotOwned
	}
	return nil
}

// MarkFailed finalizes an owned task as FAILED regardless of its retry budget.
func (p *Postgres) MarkFailed(ctx context.Context, id, workerID, errMsg string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE scan_tasks
		 SET status = 'FAILED', error_message = $1, completed_at = NOW(), updated_at = NOW()
		 WHERE id = $2 AND status = 'PROCESSING' AND worker_id = $3`,
		truncateError(errMsg), id, workerID,
	)
	if err != nil {
		return errors.Wrap(err, "mark scan_task failed")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotOwned
	}
	return nil
}

// RequeueOrFail bumps retry_count and picks PENDING or FAILED from the count
// before the bump, all in one statement.
func (p *Postgres) RequeueOrFail(ctx context.Context, id, workerID, errMsg string) (model.ScanStatus, error) {
	var status string
	err := p.pool.QueryRow(ctx,
		`UPDATE scan_tasks
		 SET status       = CASE WHEN retry_count < max_retries THEN 'PENDING' ELSE 'FAILED' END,
		     completed_at = CASE WHEN retry_count < max_retries THEN NULL ELSE NOW() END,
		     retry_count  = retry_count + 1,
		     error_message = $1,
		     updated_at   = NOW()
		 WHERE id = $2 AND status = 'PROCESSING' AND worker_id = $3
		 RETURNING status`,
		truncateError(errMsg), id, workerID,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotOwned
	}
	if err != nil {
		return "", errors.Wrap(err, "requeue scan_task")
	}
	return model.ScanStatus(status), nil
}

// Release returns an owned task to the queue with its retry count untouched.
func (p *Postgres) Release(ctx context.Context, id, workerID string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE scan_tasks
		 SET status = 'PENDING', worker_id = NULL, started_at = NULL, updated_at = NOW()
		 WHERE id = $1 AND status = 'PROCESSING' AND worker_id = $2`,
		id, workerID,
	)
	if err != nil {
		return errors.Wrap(err, "release scan_task")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotOwned
	}
	return nil
}

// ReapStuck fails PENDING tasks past their budget and recovers PROCESSING
// tasks whose owner has held them longer than processingTimeout.
func (p *Postgres) ReapStuck(ctx context.Context, processingTimeout time.Duration) (ReapResult, error) {
	var res ReapResult

	tag, err := p.pool.Exec(ctx,
		`UPDATE scan_tasks
		 SET status = 'FAILED',
		     error_message = COALESCE(error_message, 'retry budget exhausted'),
		     completed_at = NOW(), updated_at = NOW()
		 WHERE status = 'PENDING' AND retry_count > max_retries`,
	)
	if err != nil {
		return res, errors.Wrap(err, "reap overrun scan_tasks")
	}
	res.OverrunFailed = int(tag.RowsAffected())

	if processingTimeout > 0 {
		tag, err = p.pool.Exec(ctx,
			`UPDATE scan_tasks
			 SET status       = CASE WHEN retry_count < max_retries THEN 'PENDING' ELSE 'FAILED' END,
			     completed_at = CASE WHEN retry_count < max_retries THEN NULL ELSE NOW() END,
			     retry_count  = retry_count + 1,
			     error_message = 'processing lease expired (worker ' || COALESCE(worker_id, '?') || ')',
			     updated_at   = NOW()
			 WHERE status = 'PROCESSING'
			   AND started_at < NOW() - make_interval(secs => $1)`,
			processingTimeout.Seconds(),
		)
		if err != nil {
			return res, errors.Wrap(err, "reap abandoned scan_tasks")
		}
		res.Abandoned = int(tag.RowsAffected())
	}
	return res, nil
}

// ─── JobStore ────────────────────────────────────────────────────────────────

const pgJobColumns = `id, user_id, url, COALESCE(scan_task_id, ''), source,
	title, company, location, short_description, posted_date, external_ref,
	full_description, contact_name, contact_email, contact_phone,
	address, city, postal_code, county,
	employment_type, extent, salary_range, start_date, deadline,
	requirements, responsibilities, benefits, application_url,
	enrichment_status, is_processed, scraped_at, updated_at,
	status, relevance_score`

func scanPgJob(row pgx.Row) (*model.JobRecord, error) {
	var (
		j          model.JobRecord
		enrichment string
	)
	if err := row.Scan(
		&j.ID, &j.UserID, &j.URL, &j.ScanTaskID, &j.Source,
		&j.Title, &j.Company, &j.Location, &j.ShortDescription, &j.PostedDate, &j.ExternalRef,
		&j.FullDescription, &j.ContactName, &j.ContactEmail, &j.ContactPhone,
		&j.Address, &j.City, &j.PostalCode, &j.County,
		&j.EmploymentType, &j.Extent, &j.SalaryRange, &j.StartDate, &j.Deadline,
		&j.Requirements, &j.Responsibilities, &j.Benefits, &j.ApplicationURL,
		&enrichment, &j.IsProcessed, &j.ScrapedAt, &j.UpdatedAt,
		&j.Status, &j.RelevanceScore,
	); err != nil {
		return nil, err
	}
	j.EnrichmentStatus = model.EnrichmentStatus(enrichment)
	return &j, nil
}

// UpsertStub relies on the (user_id, url) unique constraint; concurrent
// upserts of one key serialize on the conflicting row. Created is detected by
// whether the id proposed for the insert is the one that came back.
func (p *Postgres) UpsertStub(ctx context.Context, rec model.JobRecord) (UpsertResult, error) {
	proposed := uuid.NewString()
	status := rec.Status
	if status == "" {
		status = model.JobStatusNew
	}

	var id string
	err := p.pool.QueryRow(ctx,
		`INSERT INTO jobs (id, user_id, url, scan_task_id, source,
		                   title, company, location, short_description, posted_date, external_ref,
		                   enrichment_status, is_processed, status, relevance_score)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 'URL_EXTRACTED', FALSE, $12, 0)
		 ON CONFLICT (user_id, url) DO UPDATE SET
		   scan_task_id      = EXCLUDED.scan_task_id,
		   source            = COALESCE(NULLIF(EXCLUDED.source, ''), jobs.source),
		   title             = COALESCE(NULLIF(EXCLUDED.title, ''), jobs.title),
		   company           = COALESCE(NULLIF(EXCLUDED.company, ''), jobs.company),
		   location          = COALESCE(NULLIF(EXCLUDED.location, ''), jobs.location),
		   short_description = COALESCE(NULLIF(EXCLUDED.short_description, ''), jobs.short_description),
		   posted_date       = COALESCE(NULLIF(EXCLUDED.posted_date, ''), jobs.posted_date),
		   external_ref      = COALESCE(NULLIF(EXCLUDED.external_ref, ''), jobs.external_ref),
		   enrichment_status = 'URL_EXTRACTED',
		   is_processed      = FALSE,
		   updated_at        = NOW()
		 RETURNING id`,
		proposed, rec.UserID, rec.URL, rec.ScanTaskID, rec.Source,
		rec.Title, rec.Company, rec.Location, rec.ShortDescription, rec.PostedDate, rec.ExternalRef,
		status,
	).Scan(&id)
	if err != nil {
		return UpsertResult{}, errors.Wrapf(err, "upsert job %q", rec.URL)
	}
	return UpsertResult{ID: id, Created: id == proposed}, nil
}

// UpdateDetails merges enrichment fields into an existing row.
func (p *Postgres) UpdateDetails(ctx context.Context, userID, url string, d model.JobDetail) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE jobs SET
		   title             = COALESCE($1, title),
		   company           = COALESCE($2, company),
		   location          = COALESCE($3, location),
		   full_description  = COALESCE($4, full_description),
		   contact_name      = COALESCE($5, contact_name),
		   contact_email     = COALESCE($6, contact_email),
		   contact_phone     = COALESCE($7, contact_phone),
		   address           = COALESCE($8, address),
		   city              = COALESCE($9, city),
		   postal_code       = COALESCE($10, postal_code),
		   county            = COALESCE($11, county),
		   employment_type   = COALESCE($12, employment_type),
		   extent            = COALESCE($13, extent),
		   salary_range      = COALESCE($14, salary_range),
		   start_date        = COALESCE($15, start_date),
		   deadline          = COALESCE($16, deadline),
		   requirements      = COALESCE($17, requirements),
		   responsibilities  = COALESCE($18, responsibilities),
		   benefits          = COALESCE($19, benefits),
		   application_url   = COALESCE($20, application_url),
		   enrichment_status = 'DETAILS_EXTRACTED',
		   is_processed      = TRUE,
		   updated_at        = NOW()
		 WHERE user_id = $21 AND url = $22`,
		blankToNil(d.Title), blankToNil(d.Company), blankToNil(d.Location), blankToNil(d.FullDescription),
		blankToNil(d.ContactName), blankToNil(d.ContactEmail), blankToNil(d.ContactPhone),
		blankToNil(d.Address), blankToNil(d.City), blankToNil(d.PostalCode), blankToNil(d.County),
		blankToNil(d.EmploymentType), blankToNil(d.Extent), blankToNil(d.SalaryRange),
		blankToNil(d.StartDate), blankToNil(d.Deadline),
		nonEmpty(d.Requirements), nonEmpty(d.Responsibilities), nonEmpty(d.Benefits),
		blankToNil(d.ApplicationURL),
		userID, url,
	)
	if err != nil {
		return errors.Wrapf(err, "update job details %q", url)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkEnrichmentFailed flags a row whose detail extraction failed. Stage 1
// fields are left untouched.
func (p *Postgres) MarkEnrichmentFailed(ctx context.Context, userID, url string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE jobs SET enrichment_status = 'FAILED', updated_at = NOW()
		 WHERE user_id = $1 AND url = $2`,
		userID, url,
	)
	if err != nil {
		return errors.Wrapf(err, "mark job enrichment failed %q", url)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetJob returns the row for (userID, url).
func (p *Postgres) GetJob(ctx context.Context, userID, url string) (*model.JobRecord, error) {
	j, err := scanPgJob(p.pool.QueryRow(ctx,
		`SELECT `+pgJobColumns+` FROM jobs WHERE user_id = $1 AND url = $2`, userID, url))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get job")
	}
	return j, nil
}

// List returns a user's jobs, most recently scraped first.
func (p *Postgres) List(ctx context.Context, f JobFilter) ([]model.JobRecord, error) {
	query := `SELECT ` + pgJobColumns + ` FROM jobs WHERE user_id = $1`
	args := []any{f.UserID}
	if f.ScanTaskID != "" {
		args = append(args, f.ScanTaskID)
		query += ` AND scan_task_id = $` + strconv.Itoa(len(args))
	}
	if f.EnrichmentStatus != "" {
		args = append(args, string(f.EnrichmentStatus))
		query += ` AND enrichment_status = $` + strconv.Itoa(len(args))
	}
	args = append(args, listLimit(f.Limit))
	query += ` ORDER BY scraped_at DESC, id LIMIT $` + strconv.Itoa(len(args))

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	defer rows.Close()

	jobs := make([]model.JobRecord, 0)
	for rows.Next() {
		j, err := scanPgJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}
