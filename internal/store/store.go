// Package store persists scan tasks and the job postings they discover.
//
// Three backends implement the same contracts: Postgres (pgx), SQLite and
// Supabase PostgREST. Every claim and finalize is a conditional write so that
// several worker processes can share one store safely.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"jobmate/scan-worker/internal/model"
)

// ─── Sentinel errors ─────────────────────────────────────────────────────────

var (
	// ErrNotFound is returned when a task or job row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotOwned is returned when a finalize targets a task that is no longer
	// PROCESSING under the caller's worker id (reaped, or already terminal).
	ErrNotOwned = errors.New("scan task not owned by worker")

	// ErrInvalidTask is returned by Create for incomplete enqueue requests.
	ErrInvalidTask = errors.New("invalid scan task")
)

const maxErrorMessageLen = 2000

// ─── Contracts ───────────────────────────────────────────────────────────────

// ReapResult counts the rows ReapStuck touched.
type ReapResult struct {
	// OverrunFailed are PENDING tasks failed because their budget was exceeded.
	OverrunFailed int
	// Abandoned are PROCESSING tasks whose lease expired and were requeued or failed.
	Abandoned int
}

// ScanTaskStore is the persistence contract for queued scan requests.
type ScanTaskStore interface {
	Create(ctx context.Context, t model.NewScanTask) (*model.ScanTask, error)
	Get(ctx context.Context, id string) (*model.ScanTask, error)
	// ListByUser returns a user's tasks, newest first. An empty status
	// matches every status.
	ListByUser(ctx context.Context, userID string, status model.ScanStatus, limit int) ([]model.ScanTask, error)

	// FetchDue claims up to limit PENDING tasks, oldest first. Only rows the
	// conditional update actually moved to PROCESSING are returned.
	FetchDue(ctx context.Context, workerID string, limit int) ([]model.ScanTask, error)
	MarkCompleted(ctx context.Context, id, workerID string, jobsFound, jobsSaved int) error
	MarkFailed(ctx context.Context, id, workerID, errMsg string) error
	// RequeueOrFail increments retry_count and returns the resulting status.
	RequeueOrFail(ctx context.Context, id, workerID, errMsg string) (model.ScanStatus, error)
	// Release hands an owned task back to PENDING without spending a retry.
	// The worker calls it when shutdown interrupts a run.
	Release(ctx context.Context, id, workerID string) error
	ReapStuck(ctx context.Context, processingTimeout time.Duration) (ReapResult, error)

	Ping(ctx context.Context) error
}

// UpsertResult reports the row an upsert landed on.
type UpsertResult struct {
	ID      string
	Created bool
}

// JobFilter narrows List.
type JobFilter struct {
	UserID           string
	ScanTaskID       string
	EnrichmentStatus model.EnrichmentStatus
	Limit            int
}

// JobStore is the persistence contract for discovered postings.
type JobStore interface {
	// UpsertStub inserts or refreshes the (user_id, url) row. Empty incoming
	// stub fields never overwrite stored values.
	UpsertStub(ctx context.Context, rec model.JobRecord) (UpsertResult, error)
	// UpdateDetails writes only the non-nil detail fields.
	UpdateDetails(ctx context.Context, userID, url string, d model.JobDetail) error
	MarkEnrichmentFailed(ctx context.Context, userID, url string) error
	GetJob(ctx context.Context, userID, url string) (*model.JobRecord, error)
	List(ctx context.Context, f JobFilter) ([]model.JobRecord, error)
}

// Store bundles both contracts, as every backend implements them together.
type Store interface {
	ScanTaskStore
	JobStore
	Close() error
}

// ─── Shared helpers ──────────────────────────────────────────────────────────

func normalizeNewTask(t model.NewScanTask) (model.NewScanTask, error) {
	t.UserID = strings.TrimSpace(t.UserID)
	t.Source = strings.ToUpper(strings.TrimSpace(t.Source))
	t.URL = strings.TrimSpace(t.URL)
	switch {
	case t.UserID == "":
		return t, errors.Wrap(ErrInvalidTask, "user_id is required")
	case t.Source == "":
		return t, errors.Wrap(ErrInvalidTask, "source is required")
	case t.URL == "":
		return t, errors.Wrap(ErrInvalidTask, "url is required")
	case t.MaxRetries != nil && *t.MaxRetries < 0:
		return t, errors.Wrap(ErrInvalidTask, "max_retries must be >= 0")
	}
	budget := model.DefaultMaxRetries
	if t.MaxRetries != nil {
		budget = *t.MaxRetries
	}
	t.MaxRetries = &budget
	return t, nil
}

func truncateError(msg string) string {
	if len(msg) <= maxErrorMessageLen {
		return msg
	}
	return msg[:maxErrorMessageLen]
}

func listLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}

func nonEmpty(list []string) []string {
	if len(list) == 0 {
		return nil
	}
	return list
}

func blankToNil(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	return s
}
