package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"slices"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"jobmate/scan-worker/internal/model"
)

// sqliteTimeLayout is fixed width so stored timestamps order lexically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLite implements Store on database/sql with the go-sqlite3 driver.
// SQLite serializes writers, so each single-statement claim is atomic.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite returns a Store over an already-migrated database.
func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Close closes the underlying database.
func (s *SQLite) Close() error { return s.db.Close() }

// Ping verifies the database is reachable.
func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLite) stamp() string { return s.now().UTC().Format(sqliteTimeLayout) }

func formatTS(t time.Time) string { return t.UTC().Format(sqliteTimeLayout) }

func parseTS(v string) time.Time {
	t, err := time.Parse(sqliteTimeLayout, v)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, v)
	}
	return t
}

func parseNullTS(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t := parseTS(v.String)
	return &t
}

func nullStringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

const sqliteTaskColumns = `id, user_id, source, url, status, retry_count, max_retries,
	worker_id, jobs_found, jobs_saved, error_message,
	created_at, started_at, completed_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteTask(row rowScanner) (*model.ScanTask, error) {
	var (
		t                            model.ScanTask
		status, createdAt, updatedAt string
		workerID, errMsg             sql.NullString
		startedAt, completedAt       sql.NullString
	)
	if err := row.Scan(
		&t.ID, &t.UserID, &t.Source, &t.URL, &status, &t.RetryCount, &t.MaxRetries,
		&workerID, &t.JobsFound, &t.JobsSaved, &errMsg,
		&createdAt, &startedAt, &completedAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	t.Status = model.ScanStatus(status)
	t.WorkerID = nullStringPtr(workerID)
	t.ErrorMessage = nullStringPtr(errMsg)
	t.CreatedAt = parseTS(createdAt)
	t.StartedAt = parseNullTS(startedAt)
	t.CompletedAt = parseNullTS(completedAt)
	t.UpdatedAt = parseTS(updatedAt)
	return &t, nil
}

func collectSQLiteTasks(rows *sql.Rows) ([]model.ScanTask, error) {
	defer rows.Close()
	tasks := make([]model.ScanTask, 0)
	for rows.Next() {
		t, err := scanSQLiteTask(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan scan_task")
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// ─── ScanTaskStore ───────────────────────────────────────────────────────────

// Create inserts a PENDING task with retry_count = 0.
func (s *SQLite) Create(ctx context.Context, in model.NewScanTask) (*model.ScanTask, error) {
	in, err := normalizeNewTask(in)
	if err != nil {
		return nil, err
	}
	now := s.stamp()
	t, err := scanSQLiteTask(s.db.QueryRowContext(ctx,
		`INSERT INTO scan_tasks (id, user_id, source, url, status, retry_count, max_retries, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'PENDING', 0, ?, ?, ?)
		 RETURNING `+sqliteTaskColumns,
		uuid.NewString(), in.UserID, in.Source, in.URL, *in.MaxRetries, now, now,
	))
	if err != nil {
		return nil, errors.Wrap(err, "insert scan_task")
	}
	return t, nil
}

// Get returns a task by id.
func (s *SQLite) Get(ctx context.Context, id string) (*model.ScanTask, error) {
	t, err := scanSQLiteTask(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteTaskColumns+` FROM scan_tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get scan_task")
	}
	return t, nil
}

// ListByUser returns a user's tasks, newest first.
func (s *SQLite) ListByUser(ctx context.Context, userID string, status model.ScanStatus, limit int) ([]model.ScanTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteTaskColumns+` FROM scan_tasks
		 WHERE user_id = ? AND (? = '' OR status = ?)
		 ORDER BY created_at DESC LIMIT ?`,
		userID, string(status), string(status), listLimit(limit))
	if err != nil {
		return nil, errors.Wrap(err, "list scan_tasks")
	}
	return collectSQLiteTasks(rows)
}

// FetchDue claims due tasks with a single UPDATE … RETURNING.
func (s *SQLite) FetchDue(ctx context.Context, workerID string, limit int) ([]model.ScanTask, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := s.stamp()
	rows, err := s.db.QueryContext(ctx,
		`UPDATE scan_tasks
		 SET status = 'PROCESSING', worker_id = ?, started_at = ?, updated_at = ?
		 WHERE id IN (
		   SELECT id FROM scan_tasks
		   WHERE status = 'PENDING'
		   ORDER BY created_at ASC, id ASC
		   LIMIT ?
		 )
		 AND status = 'PENDING'
		 RETURNING `+sqliteTaskColumns,
		workerID, now, now, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "claim scan_tasks")
	}
	tasks, err := collectSQLiteTasks(rows)
	if err != nil {
		return nil, errors.Wrap(err, "claim scan_tasks")
	}
	slices.SortStableFunc(tasks, func(a, b model.ScanTask) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return tasks, nil
}

func (s *SQLite) execOwned(ctx context.Context, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, op)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, op)
	}
	if n == 0 {
		return ErrNotOwned
	}
	return nil
}

// MarkCompleted finalizes an owned task as COMPLETED.
func (s *SQLite) MarkCompleted(ctx context.Context, id, workerID string, jobsFound, jobsSaved int) error {
	now := s.stamp()
	return s.execOwned(ctx, "mark scan_task completed",
		`UPDATE scan_tasks
		 SET status = 'COMPLETED', jobs_found = ?, jobs_saved = ?,
		     error_message = NULL, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'PROCESSING' AND worker_id = ?`,
		jobsFound, jobsSaved, now, now, id, workerID,
	)
}

// MarkFailed finalizes an owned task as FAILED regardless of its retry budget.
func (s *SQLite) MarkFailed(ctx context.Context, id, workerID, errMsg string) error {
	now := s.stamp()
	return s.execOwned(ctx, "mark scan_task failed",
		`UPDATE scan_tasks
		 SET status = 'FAILED', error_message = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'PROCESSING' AND worker_id = ?`,
		truncateError(errMsg), now, now, id, workerID,
	)
}

// RequeueOrFail bumps retry_count and picks PENDING or FAILED from the count
// before the bump. SET expressions see the pre-update row.
func (s *SQLite) RequeueOrFail(ctx context.Context, id, workerID, errMsg string) (model.ScanStatus, error) {
	now := s.stamp()
	var status string
	err := s.db.QueryRowContext(ctx,
		`UPDATE scan_tasks
		 SET status        = CASE WHEN retry_count < max_retries THEN 'PENDING' ELSE 'FAILED' END,
		     completed_at  = CASE WHEN retry_count < max_retries THEN NULL ELSE ? END,
		     retry_count   = retry_count + 1,
		     error_message = ?,
		     updated_at    = ?
		 WHERE id = ? AND status = 'PROCESSING' AND worker_id = ?
		 RETURNING status`,
		now, truncateError(errMsg), now, id, workerID,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotOwned
	}
	if err != nil {
		return "", errors.Wrap(err, "requeue scan_task")
	}
	return model.ScanStatus(status), nil
}

// Release returns an owned task to the queue with its retry count untouched.
func (s *SQLite) Release(ctx context.Context, id, workerID string) error {
	return s.execOwned(ctx, "release scan_task",
		`UPDATE scan_tasks
		 SET status = 'PENDING', worker_id = NULL, started_at = NULL, updated_at = ?
		 WHERE id = ? AND status = 'PROCESSING' AND worker_id = ?`,
		s.stamp(), id, workerID,
	)
}

// ReapStuck fails PENDING tasks past their budget and recovers PROCESSING
// tasks whose owner has held them longer than processingTimeout.
func (s *SQLite) ReapStuck(ctx context.Context, processingTimeout time.Duration) (ReapResult, error) {
	var res ReapResult
	nowT := s.now()
	now := formatTS(nowT)

	r, err := s.db.ExecContext(ctx,
		`UPDATE scan_tasks
		 SET status = 'FAILED',
		     error_message = COALESCE(error_message, 'retry budget exhausted'),
		     completed_at = ?, updated_at = ?
		 WHERE status = 'PENDING' AND retry_count > max_retries`,
		now, now,
	)
	if err != nil {
		return res, errors.Wrap(err, "reap overrun scan_tasks")
	}
	n, _ := r.RowsAffected()
	res.OverrunFailed = int(n)

	if processingTimeout > 0 {
		cutoff := formatTS(nowT.Add(-processingTimeout))
		r, err = s.db.ExecContext(ctx,
			`UPDATE scan_tasks
			 SET status        = CASE WHEN retry_count < max_retries THEN 'PENDING' ELSE 'FAILED' END,
			     completed_at  = CASE WHEN retry_count < max_retries THEN NULL ELSE ? END,
			     retry_count   = retry_count + 1,
			     error_message = 'processing lease expired (worker ' || COALESCE(worker_id, '?') || ')',
			     updated_at    = ?
			 WHERE status = 'PROCESSING' AND started_at < ?`,
			now, now, cutoff,
		)
		if err != nil {
			return res, errors.Wrap(err, "reap abandoned scan_tasks")
		}
		n, _ = r.RowsAffected()
		res.Abandoned = int(n)
	}
	return res, nil
}

// ─── JobStore ────────────────────────────────────────────────────────────────

const sqliteJobColumns = `id, user_id, url, COALESCE(scan_task_id, ''), source,
	title, company, location, short_description, posted_date, external_ref,
	full_description, contact_name, contact_email, contact_phone,
	address, city, postal_code, county,
	employment_type, extent, salary_range, start_date, deadline,
	requirements, responsibilities, benefits, application_url,
	enrichment_status, is_processed, scraped_at, updated_at,
	status, relevance_score`

func encodeList(list []string) any {
	if len(list) == 0 {
		return nil
	}
	b, _ := json.Marshal(list)
	return string(b)
}

func decodeList(v sql.NullString) []string {
	if !v.Valid || v.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(v.String), &out); err != nil {
		return nil
	}
	return out
}

func scanSQLiteJob(row rowScanner) (*model.JobRecord, error) {
	var (
		j                                model.JobRecord
		enrichment, scrapedAt, updatedAt string
		reqs, resps, benefits            sql.NullString
		fullDesc, cName, cEmail, cPhone  sql.NullString
		addr, city, postal, county       sql.NullString
		empType, extent, salary, start   sql.NullString
		deadline, appURL                 sql.NullString
	)
	if err := row.Scan(
		&j.ID, &j.UserID, &j.URL, &j.ScanTaskID, &j.Source,
		&j.Title, &j.Company, &j.Location, &j.ShortDescription, &j.PostedDate, &j.ExternalRef,
		&fullDesc, &cName, &cEmail, &cPhone,
		&addr, &city, &postal, &county,
		&empType, &extent, &salary, &start, &deadline,
		&reqs, &resps, &benefits, &appURL,
		&enrichment, &j.IsProcessed, &scrapedAt, &updatedAt,
		&j.Status, &j.RelevanceScore,
	); err != nil {
		return nil, err
	}
	j.FullDescription = nullStringPtr(fullDesc)
	j.ContactName = nullStringPtr(cName)
	j.ContactEmail = nullStringPtr(cEmail)
	j.ContactPhone = nullStringPtr(cPhone)
	j.Address = nullStringPtr(addr)
	j.City = nullStringPtr(city)
	j.PostalCode = nullStringPtr(postal)
	j.County = nullStringPtr(county)
	j.EmploymentType = nullStringPtr(empType)
	j.Extent = nullStringPtr(extent)
	j.SalaryRange = nullStringPtr(salary)
	j.StartDate = nullStringPtr(start)
	j.Deadline = nullStringPtr(deadline)
	j.ApplicationURL = nullStringPtr(appURL)
	j.Requirements = decodeList(reqs)
	j.Responsibilities = decodeList(resps)
	j.Benefits = decodeList(benefits)
	j.EnrichmentStatus = model.EnrichmentStatus(enrichment)
	j.ScrapedAt = parseTS(scrapedAt)
	j.UpdatedAt = parseTS(updatedAt)
	return &j, nil
}

// UpsertStub is one INSERT … ON CONFLICT statement; Created is detected by
// whether the proposed id is the one that came back.
func (s *SQLite) UpsertStub(ctx context.Context, rec model.JobRecord) (UpsertResult, error) {
	proposed := uuid.NewString()
	status := rec.Status
	if status == "" {
		status = model.JobStatusNew
	}
	now := s.stamp()

	var id string
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO jobs (id, user_id, url, scan_task_id, source,
		                   title, company, location, short_description, posted_date, external_ref,
		                   enrichment_status, is_processed, scraped_at, updated_at, status, relevance_score)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'URL_EXTRACTED', 0, ?, ?, ?, 0)
		 ON CONFLICT (user_id, url) DO UPDATE SET
		   scan_task_id      = excluded.scan_task_id,
		   source            = COALESCE(NULLIF(excluded.source, ''), jobs.source),
		   title             = COALESCE(NULLIF(excluded.title, ''), jobs.title),
		   company           = COALESCE(NULLIF(excluded.company, ''), jobs.company),
		   location          = COALESCE(NULLIF(excluded.location, ''), jobs.location),
		   short_description = COALESCE(NULLIF(excluded.short_description, ''), jobs.short_description),
		   posted_date       = COALESCE(NULLIF(excluded.posted_date, ''), jobs.posted_date),
		   external_ref      = COALESCE(NULLIF(excluded.external_ref, ''), jobs.external_ref),
		   enrichment_status = 'URL_EXTRACTED',
		   is_processed      = 0,
		   updated_at        = excluded.updated_at
		 RETURNING id`,
		proposed, rec.UserID, rec.URL, rec.ScanTaskID, rec.Source,
		rec.Title, rec.Company, rec.Location, rec.ShortDescription, rec.PostedDate, rec.ExternalRef,
		now, now, status,
	).Scan(&id)
	if err != nil {
		return UpsertResult{}, errors.Wrapf(err, "upsert job %q", rec.URL)
	}
	return UpsertResult{ID: id, Created: id == proposed}, nil
}

// UpdateDetails merges enrichment fields into an existing row.
func (s *SQLite) UpdateDetails(ctx context.Context, userID, url string, d model.JobDetail) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET
		   title             = COALESCE(?, title),
		   company           = COALESCE(?, company),
		   location          = COALESCE(?, location),
		   full_description  = COALESCE(?, full_description),
		   contact_name      = COALESCE(?, contact_name),
		   contact_email     = COALESCE(?, contact_email),
		   contact_phone     = COALESCE(?, contact_phone),
		   address           = COALESCE(?, address),
		   city              = COALESCE(?, city),
		   postal_code       = COALESCE(?, postal_code),
		   county            = COALESCE(?, county),
		   employment_type   = COALESCE(?, employment_type),
		   extent            = COALESCE(?, extent),
		   salary_range      = COALESCE(?, salary_range),
		   start_date        = COALESCE(?, start_date),
		   deadline          = COALESCE(?, deadline),
		   requirements      = COALESCE(?, requirements),
		   responsibilities  = COALESCE(?, responsibilities),
		   benefits          = COALESCE(?, benefits),
		   application_url   = COALESCE(?, application_url),
		   enrichment_status = 'DETAILS_EXTRACTED',
		   is_processed      = 1,
		   updated_at        = ?
		 WHERE user_id = ? AND url = ?`,
		blankToNil(d.Title), blankToNil(d.Company), blankToNil(d.Location), blankToNil(d.FullDescription),
		blankToNil(d.ContactName), blankToNil(d.ContactEmail), blankToNil(d.ContactPhone),
		blankToNil(d.Address), blankToNil(d.City), blankToNil(d.PostalCode), blankToNil(d.County),
		blankToNil(d.EmploymentType), blankToNil(d.Extent), blankToNil(d.SalaryRange),
		blankToNil(d.StartDate), blankToNil(d.Deadline),
		encodeList(d.Requirements), encodeList(d.Responsibilities), encodeList(d.Benefits),
		blankToNil(d.ApplicationURL),
		s.stamp(), userID, url,
	)
	if err != nil {
		return errors.Wrapf(err, "update job details %q", url)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkEnrichmentFailed flags a row whose detail extraction failed.
func (s *SQLite) MarkEnrichmentFailed(ctx context.Context, userID, url string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET enrichment_status = 'FAILED', updated_at = ?
		 WHERE user_id = ? AND url = ?`,
		s.stamp(), userID, url,
	)
	if err != nil {
		return errors.Wrapf(err, "mark job enrichment failed %q", url)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetJob returns the row for (userID, url).
func (s *SQLite) GetJob(ctx context.Context, userID, url string) (*model.JobRecord, error) {
	j, err := scanSQLiteJob(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteJobColumns+` FROM jobs WHERE user_id = ? AND url = ?`, userID, url))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get job")
	}
	return j, nil
}

// List returns a user's jobs, most recently scraped first.
func (s *SQLite) List(ctx context.Context, f JobFilter) ([]model.JobRecord, error) {
	query := `SELECT ` + sqliteJobColumns + ` FROM jobs WHERE user_id = ?`
	args := []any{f.UserID}
	if f.ScanTaskID != "" {
		query += ` AND scan_task_id = ?`
		args = append(args, f.ScanTaskID)
	}
	if f.EnrichmentStatus != "" {
		query += ` AND enrichment_status = ?`
		args = append(args, string(f.EnrichmentStatus))
	}
	query += ` ORDER BY scraped_at DESC, id LIMIT ?`
	args = append(args, listLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	defer rows.Close()

	jobs := make([]model.JobRecord, 0)
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}
