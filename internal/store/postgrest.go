package store

import (
	"context"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	postgrest "github.com/supabase-community/postgrest-go"

	"jobmate/scan-worker/internal/model"
	"jobmate/scan-worker/internal/scantask"
)

const (
	scanTasksTable = "scan_tasks"
	jobsTable      = "jobs"
)

// Postgrest implements Store over a Supabase REST endpoint. PostgREST has no
// multi-statement transactions, so every state change is a compare-and-set
// UPDATE filtered on the values read just before it.
type Postgrest struct {
	client *postgrest.Client
	now    func() time.Time
}

// NewPostgrest wraps a configured PostgREST client.
func NewPostgrest(client *postgrest.Client) *Postgrest {
	return &Postgrest{client: client, now: func() time.Time { return time.Now().UTC() }}
}

// Close is a no-op; the client holds no pooled resources worth releasing.
func (p *Postgrest) Close() error { return nil }

// Ping issues a one-row select against scan_tasks.
func (p *Postgrest) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, _, err := p.client.From(scanTasksTable).Select("id", "", false).Limit(1, "").Execute()
	return errors.Wrap(err, "ping postgrest")
}

type restTask struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Source       string     `json:"source"`
	URL          string     `json:"url"`
	Status       string     `json:"status"`
	RetryCount   int        `json:"retry_count"`
	MaxRetries   int        `json:"max_retries"`
	WorkerID     *string    `json:"worker_id"`
	JobsFound    int        `json:"jobs_found"`
	JobsSaved    int        `json:"jobs_saved"`
	ErrorMessage *string    `json:"error_message"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (r restTask) toModel() model.ScanTask {
	return model.ScanTask{
		ID: r.ID, UserID: r.UserID, Source: r.Source, URL: r.URL,
		Status:     model.ScanStatus(r.Status),
		RetryCount: r.RetryCount, MaxRetries: r.MaxRetries,
		WorkerID:  r.WorkerID,
		JobsFound: r.JobsFound, JobsSaved: r.JobsSaved,
		ErrorMessage: r.ErrorMessage,
		CreatedAt:    r.CreatedAt, StartedAt: r.StartedAt,
		CompletedAt: r.CompletedAt, UpdatedAt: r.UpdatedAt,
	}
}

func (p *Postgrest) stamp() string { return p.now().Format(time.RFC3339Nano) }

// ─── ScanTaskStore ───────────────────────────────────────────────────────────

// Create inserts a PENDING task with retry_count = 0.
func (p *Postgrest) Create(ctx context.Context, in model.NewScanTask) (*model.ScanTask, error) {
	in, err := normalizeNewTask(in)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := p.stamp()
	row := map[string]any{
		"id":          uuid.NewString(),
		"user_id":     in.UserID,
		"source":      in.Source,
		"url":         in.URL,
		"status":      string(model.ScanPending),
		"retry_count": 0,
		"max_retries": *in.MaxRetries,
		"created_at":  now,
		"updated_at":  now,
	}
	var rows []restTask
	if _, err := p.client.From(scanTasksTable).Insert(row, false, "", "representation", "").ExecuteTo(&rows); err != nil {
		return nil, errors.Wrap(err, "insert scan_task")
	}
	if len(rows) == 0 {
		return nil, errors.New("insert scan_task: no row returned")
	}
	t := rows[0].toModel()
	return &t, nil
}

// Get returns a task by id.
func (p *Postgrest) Get(ctx context.Context, id string) (*model.ScanTask, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rows []restTask
	if _, err := p.client.From(scanTasksTable).Select("*", "", false).Eq("id", id).ExecuteTo(&rows); err != nil {
		return nil, errors.Wrap(err, "get scan_task")
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	t := rows[0].toModel()
	return &t, nil
}

// ListByUser returns a user's tasks, newest first.
func (p *Postgrest) ListByUser(ctx context.Context, userID string, status model.ScanStatus, limit int) ([]model.ScanTask, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q := p.client.From(scanTasksTable).Select("*", "", false).Eq("user_id", userID)
	if status != "" {
		q = q.Eq("status", string(status))
	}
	var rows []restTask
	_, err := q.
		Order("created_at", &postgrest.OrderOpts{Ascending: false}).
		Limit(listLimit(limit), "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, errors.Wrap(err, "list scan_tasks")
	}
	return toTasks(rows), nil
}

func toTasks(rows []restTask) []model.ScanTask {
	tasks := make([]model.ScanTask, 0, len(rows))
	for _, r := range rows {
		tasks = append(tasks, r.toModel())
	}
	return tasks
}

// casTask applies patch to the task only when every filter still matches.
// It returns the updated row, or nil when another writer got there first.
func (p *Postgrest) casTask(id string, patch map[string]any, filters map[string]string) (*model.ScanTask, error) {
	q := p.client.From(scanTasksTable).Update(patch, "representation", "").Eq("id", id)
	for col, val := range filters {
		q = q.Eq(col, val)
	}
	var rows []restTask
	if _, err := q.ExecuteTo(&rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	t := rows[0].toModel()
	return &t, nil
}

// FetchDue reads the oldest PENDING candidates, then claims each with an
// UPDATE conditional on status = PENDING. Rows lost to another worker are
// skipped.
func (p *Postgrest) FetchDue(ctx context.Context, workerID string, limit int) ([]model.ScanTask, error) {
	if limit <= 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var candidates []restTask
	_, err := p.client.From(scanTasksTable).
		Select("id", "", false).
		Eq("status", string(model.ScanPending)).
		Order("created_at", &postgrest.OrderOpts{Ascending: true}).
		Limit(limit, "").
		ExecuteTo(&candidates)
	if err != nil {
		return nil, errors.Wrap(err, "select due scan_tasks")
	}

	claimed := make([]model.ScanTask, 0, len(candidates))
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			break
		}
		now := p.stamp()
		t, err := p.casTask(c.ID,
			map[string]any{
				"status":     string(model.ScanProcessing),
				"worker_id":  workerID,
				"started_at": now,
				"updated_at": now,
			},
			map[string]string{"status": string(model.ScanPending)},
		)
		if err != nil {
			return claimed, errors.Wrapf(err, "claim scan_task %s", c.ID)
		}
		if t != nil {
			claimed = append(claimed, *t)
		}
	}
	return claimed, nil
}

func ownedBy(workerID string) map[string]string {
	return map[string]string{
		"status":    string(model.ScanProcessing),
		"worker_id": workerID,
	}
}

// MarkCompleted finalizes an owned task as COMPLETED.
func (p *Postgrest) MarkCompleted(ctx context.Context, id, workerID string, jobsFound, jobsSaved int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := p.stamp()
	t, err := p.casTask(id, map[string]any{
		"status":        string(model.ScanCompleted),
		"jobs_found":    jobsFound,
		"jobs_saved":    jobsSaved,
		"error_message": nil,
		"completed_at":  now,
		"updated_at":    now,
	}, ownedBy(workerID))
	if err != nil {
		return errors.Wrap(err, "mark scan_task completed")
	}
	if t == nil {
		return ErrNotOwned
	}
	return nil
}

// MarkFailed finalizes an owned task as FAILED regardless of its retry budget.
func (p *Postgrest) MarkFailed(ctx context.Context, id, workerID, errMsg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := p.stamp()
	t, err := p.casTask(id, map[string]any{
		"status":        string(model.ScanFailed),
		"error_message": truncateError(errMsg),
		"completed_at":  now,
		"updated_at":    now,
	}, ownedBy(workerID))
	if err != nil {
		return errors.Wrap(err, "mark scan_task failed")
	}
	if t == nil {
		return ErrNotOwned
	}
	return nil
}

func retryPatch(current model.ScanTask, errMsg, now string) map[string]any {
	next := scantask.RetryOutcome(current.RetryCount, current.MaxRetries)
	patch := map[string]any{
		"status":        string(next),
		"retry_count":   current.RetryCount + 1,
		"error_message": truncateError(errMsg),
		"updated_at":    now,
		"completed_at":  nil,
	}
	if next == model.ScanFailed {
		patch["completed_at"] = now
	}
	return patch
}

// RequeueOrFail reads the task, then writes the retry outcome guarded on the
// retry_count it read.
func (p *Postgrest) RequeueOrFail(ctx context.Context, id, workerID, errMsg string) (model.ScanStatus, error) {
	current, err := p.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return "", ErrNotOwned
	}
	if err != nil {
		return "", err
	}
	if current.Status != model.ScanProcessing || current.WorkerID == nil || *current.WorkerID != workerID {
		return "", ErrNotOwned
	}
	filters := ownedBy(workerID)
	filters["retry_count"] = strconv.Itoa(current.RetryCount)
	t, err := p.casTask(id, retryPatch(*current, errMsg, p.stamp()), filters)
	if err != nil {
		return "", errors.Wrap(err, "requeue scan_task")
	}
	if t == nil {
		return "", ErrNotOwned
	}
	return t.Status, nil
}

// Release returns an owned task to the queue with its retry count untouched.
func (p *Postgrest) Release(ctx context.Context, id, workerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t, err := p.casTask(id, map[string]any{
		"status":     string(model.ScanPending),
		"worker_id":  nil,
		"started_at": nil,
		"updated_at": p.stamp(),
	}, ownedBy(workerID))
	if err != nil {
		return errors.Wrap(err, "release scan_task")
	}
	if t == nil {
		return ErrNotOwned
	}
	return nil
}

// ReapStuck fails PENDING tasks past their budget and recovers PROCESSING
// tasks whose lease expired.
func (p *Postgrest) ReapStuck(ctx context.Context, processingTimeout time.Duration) (ReapResult, error) {
	var res ReapResult
	if err := ctx.Err(); err != nil {
		return res, err
	}

	var pending []restTask
	_, err := p.client.From(scanTasksTable).
		Select("*", "", false).
		Eq("status", string(model.ScanPending)).
		ExecuteTo(&pending)
	if err != nil {
		return res, errors.Wrap(err, "select pending scan_tasks")
	}
	for _, r := range pending {
		if !scantask.BudgetOverrun(r.RetryCount, r.MaxRetries) {
			continue
		}
		msg := "retry budget exhausted"
		if r.ErrorMessage != nil {
			msg = *r.ErrorMessage
		}
		now := p.stamp()
		t, err := p.casTask(r.ID, map[string]any{
			"status":        string(model.ScanFailed),
			"error_message": msg,
			"completed_at":  now,
			"updated_at":    now,
		}, map[string]string{
			"status":      string(model.ScanPending),
			"retry_count": strconv.Itoa(r.RetryCount),
		})
		if err != nil {
			return res, errors.Wrapf(err, "reap overrun scan_task %s", r.ID)
		}
		if t != nil {
			res.OverrunFailed++
		}
	}

	if processingTimeout <= 0 {
		return res, nil
	}
	cutoff := p.now().Add(-processingTimeout).Format(time.RFC3339Nano)
	var stuck []restTask
	_, err = p.client.From(scanTasksTable).
		Select("*", "", false).
		Eq("status", string(model.ScanProcessing)).
		Lt("started_at", cutoff).
		ExecuteTo(&stuck)
	if err != nil {
		return res, errors.Wrap(err, "select abandoned scan_tasks")
	}
	for _, r := range stuck {
		current := r.toModel()
		owner := "?"
		if current.WorkerID != nil {
			owner = *current.WorkerID
		}
		filters := map[string]string{
			"status":      string(model.ScanProcessing),
			"retry_count": strconv.Itoa(current.RetryCount),
		}
		t, err := p.casTask(r.ID, retryPatch(current, "processing lease expired (worker "+owner+")", p.stamp()), filters)
		if err != nil {
			return res, errors.Wrapf(err, "reap abandoned scan_task %s", r.ID)
		}
		if t != nil {
			res.Abandoned++
		}
	}
	return res, nil
}

// ─── JobStore ────────────────────────────────────────────────────────────────

type restJob struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	URL              string    `json:"url"`
	ScanTaskID       *string   `json:"scan_task_id"`
	Source           string    `json:"source"`
	Title            string    `json:"title"`
	Company          string    `json:"company"`
	Location         string    `json:"location"`
	ShortDescription string    `json:"short_description"`
	PostedDate       string    `json:"posted_date"`
	ExternalRef      string    `json:"external_ref"`
	FullDescription  *string   `json:"full_description"`
	ContactName      *string   `json:"contact_name"`
	ContactEmail     *string   `json:"contact_email"`
	ContactPhone     *string   `json:"contact_phone"`
	Address          *string   `json:"address"`
	City             *string   `json:"city"`
	PostalCode       *string   `json:"postal_code"`
	County           *string   `json:"county"`
	EmploymentType   *string   `json:"employment_type"`
	Extent           *string   `json:"extent"`
	SalaryRange      *string   `json:"salary_range"`
	StartDate        *string   `json:"start_date"`
	Deadline         *string   `json:"deadline"`
	Requirements     []string  `json:"requirements"`
	Responsibilities []string  `json:"responsibilities"`
	Benefits         []string  `json:"benefits"`
	ApplicationURL   *string   `json:"application_url"`
	EnrichmentStatus string    `json:"enrichment_status"`
	IsProcessed      bool      `json:"is_processed"`
	ScrapedAt        time.Time `json:"scraped_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	Status           string    `json:"status"`
	RelevanceScore   int       `json:"relevance_score"`
}

func (r restJob) toModel() model.JobRecord {
	j := model.JobRecord{
		ID: r.ID, UserID: r.UserID, URL: r.URL, Source: r.Source,
		Title: r.Title, Company: r.Company, Location: r.Location,
		ShortDescription: r.ShortDescription, PostedDate: r.PostedDate, ExternalRef: r.ExternalRef,
		FullDescription: r.FullDescription,
		ContactName:     r.ContactName, ContactEmail: r.ContactEmail, ContactPhone: r.ContactPhone,
		Address: r.Address, City: r.City, PostalCode: r.PostalCode, County: r.County,
		EmploymentType: r.EmploymentType, Extent: r.Extent, SalaryRange: r.SalaryRange,
		StartDate: r.StartDate, Deadline: r.Deadline,
		Requirements: r.Requirements, Responsibilities: r.Responsibilities, Benefits: r.Benefits,
		ApplicationURL:   r.ApplicationURL,
		EnrichmentStatus: model.EnrichmentStatus(r.EnrichmentStatus),
		IsProcessed:      r.IsProcessed,
		ScrapedAt:        r.ScrapedAt, UpdatedAt: r.UpdatedAt,
		Status: r.Status, RelevanceScore: r.RelevanceScore,
	}
	if r.ScanTaskID != nil {
		j.ScanTaskID = *r.ScanTaskID
	}
	return j
}

func (p *Postgrest) findJobID(userID, url string) (string, error) {
	var rows []restJob
	_, err := p.client.From(jobsTable).
		Select("id", "", false).
		Eq("user_id", userID).
		Eq("url", url).
		ExecuteTo(&rows)
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", nil
	}
	return rows[0].ID, nil
}

func stubPatch(rec model.JobRecord, now string) map[string]any {
	patch := map[string]any{
		"scan_task_id":      rec.ScanTaskID,
		"enrichment_status": string(model.EnrichmentURLExtracted),
		"is_processed":      false,
		"updated_at":        now,
	}
	for col, val := range map[string]string{
		"source":            rec.Source,
		"title":             rec.Title,
		"company":           rec.Company,
		"location":          rec.Location,
		"short_description": rec.ShortDescription,
		"posted_date":       rec.PostedDate,
		"external_ref":      rec.ExternalRef,
	} {
		if val != "" {
			patch[col] = val
		}
	}
	return patch
}

// UpsertStub updates the existing (user_id, url) row when there is one and
// inserts otherwise. A unique-violation on insert means a concurrent writer
// created the row, so it falls back to the update path.
func (p *Postgrest) UpsertStub(ctx context.Context, rec model.JobRecord) (UpsertResult, error) {
	if err := ctx.Err(); err != nil {
		return UpsertResult{}, err
	}
	now := p.stamp()

	id, err := p.findJobID(rec.UserID, rec.URL)
	if err != nil {
		return UpsertResult{}, errors.Wrapf(err, "lookup job %q", rec.URL)
	}
	if id == "" {
		status := rec.Status
		if status == "" {
			status = model.JobStatusNew
		}
		row := map[string]any{
			"id":                uuid.NewString(),
			"user_id":           rec.UserID,
			"url":               rec.URL,
			"scan_task_id":      rec.ScanTaskID,
			"source":            rec.Source,
			"title":             rec.Title,
			"company":           rec.Company,
			"location":          rec.Location,
			"short_description": rec.ShortDescription,
			"posted_date":       rec.PostedDate,
			"external_ref":      rec.ExternalRef,
			"enrichment_status": string(model.EnrichmentURLExtracted),
			"is_processed":      false,
			"scraped_at":        now,
			"updated_at":        now,
			"status":            status,
			"relevance_score":   0,
		}
		var rows []restJob
		_, insErr := p.client.From(jobsTable).Insert(row, false, "", "representation", "").ExecuteTo(&rows)
		if insErr == nil && len(rows) > 0 {
			return UpsertResult{ID: rows[0].ID, Created: true}, nil
		}
		// Lost the race to a concurrent insert; update the winner's row.
		id, err = p.findJobID(rec.UserID, rec.URL)
		if err != nil || id == "" {
			if insErr == nil {
				insErr = errors.New("no row returned")
			}
			return UpsertResult{}, errors.Wrapf(insErr, "insert job %q", rec.URL)
		}
	}

	var rows []restJob
	_, err = p.client.From(jobsTable).
		Update(stubPatch(rec, now), "representation", "").
		Eq("id", id).
		ExecuteTo(&rows)
	if err != nil {
		return UpsertResult{}, errors.Wrapf(err, "update job %q", rec.URL)
	}
	return UpsertResult{ID: id, Created: false}, nil
}

func detailPatch(d model.JobDetail, now string) map[string]any {
	patch := map[string]any{
		"enrichment_status": string(model.EnrichmentDetailsExtracted),
		"is_processed":      true,
		"updated_at":        now,
	}
	for col, val := range map[string]*string{
		"title":            d.Title,
		"company":          d.Company,
		"location":         d.Location,
		"full_description": d.FullDescription,
		"contact_name":     d.ContactName,
		"contact_email":    d.ContactEmail,
		"contact_phone":    d.ContactPhone,
		"address":          d.Address,
		"city":             d.City,
		"postal_code":      d.PostalCode,
		"county":           d.County,
		"employment_type":  d.EmploymentType,
		"extent":           d.Extent,
		"salary_range":     d.SalaryRange,
		"start_date":       d.StartDate,
		"deadline":         d.Deadline,
		"application_url":  d.ApplicationURL,
	} {
		if v := blankToNil(val); v != nil {
			patch[col] = *v
		}
	}
	for col, val := range map[string][]string{
		"requirements":     d.Requirements,
		"responsibilities": d.Responsibilities,
		"benefits":         d.Benefits,
	} {
		if list := nonEmpty(val); list != nil {
			patch[col] = list
		}
	}
	return patch
}

// UpdateDetails merges enrichment fields into an existing row.
func (p *Postgrest) UpdateDetails(ctx context.Context, userID, url string, d model.JobDetail) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var rows []restJob
	_, err := p.client.From(jobsTable).
		Update(detailPatch(d, p.stamp()), "representation", "").
		Eq("user_id", userID).
		Eq("url", url).
		ExecuteTo(&rows)
	if err != nil {
		return errors.Wrapf(err, "update job details %q", url)
	}
	if len(rows) == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkEnrichmentFailed flags a row whose detail extraction failed.
func (p *Postgrest) MarkEnrichmentFailed(ctx context.Context, userID, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var rows []restJob
	_, err := p.client.From(jobsTable).
		Update(map[string]any{
			"enrichment_status": string(model.EnrichmentFailed),
			"updated_at":        p.stamp(),
		}, "representation", "").
		Eq("user_id", userID).
		Eq("url", url).
		ExecuteTo(&rows)
	if err != nil {
		return errors.Wrapf(err, "mark job enrichment failed %q", url)
	}
	if len(rows) == 0 {
		return ErrNotFound
	}
	return nil
}

// GetJob returns the row for (userID, url).
func (p *Postgrest) GetJob(ctx context.Context, userID, url string) (*model.JobRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rows []restJob
	_, err := p.client.From(jobsTable).
		Select("*", "", false).
		Eq("user_id", userID).
		Eq("url", url).
		ExecuteTo(&rows)
	if err != nil {
		return nil, errors.Wrap(err, "get job")
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	j := rows[0].toModel()
	return &j, nil
}

// List returns a user's jobs, most recently scraped first.
func (p *Postgrest) List(ctx context.Context, f JobFilter) ([]model.JobRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q := p.client.From(jobsTable).Select("*", "", false).Eq("user_id", f.UserID)
	if f.ScanTaskID != "" {
		q = q.Eq("scan_task_id", f.ScanTaskID)
	}
	if f.EnrichmentStatus != "" {
		q = q.Eq("enrichment_status", string(f.EnrichmentStatus))
	}
	var rows []restJob
	_, err := q.Order("scraped_at", &postgrest.OrderOpts{Ascending: false}).
		Limit(listLimit(f.Limit), "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	jobs := make([]model.JobRecord, 0, len(rows))
	for _, r := range rows {
		jobs = append(jobs, r.toModel())
	}
	return jobs, nil
}
