// Package pipeline turns one claimed scan task into JobRecord rows.
//
// Stage 1 runs the source's listing template and upserts every stub before
// Stage 2 starts, so readers see bare stubs immediately. Stage 2 enriches
// each stub with the detail template, one call at a time, spaced by a rate
// limiter. A Stage 2 failure only ever affects its own stub.
package pipeline

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"jobmate/scan-worker/internal/automation"
	"jobmate/scan-worker/internal/model"
	"jobmate/scan-worker/internal/notify"
	"jobmate/scan-worker/internal/store"
)

// ErrUnrecoverable marks errors that retrying cannot fix (unknown source,
// rejected request). The worker fails such tasks immediately.
var ErrUnrecoverable = errors.New("unrecoverable")

// IsUnrecoverable reports whether err carries the ErrUnrecoverable mark.
func IsUnrecoverable(err error) bool {
	return errors.Is(err, ErrUnrecoverable)
}

// Outcome summarizes one run. JobsFound and JobsSaved are the values stored
// on the task; the rest are for logs and events.
type Outcome struct {
	// ListingRemoteID is the automation service's id for the listing run,
	// when the backend reports one.
	ListingRemoteID string

	JobsFound    int
	JobsSaved    int
	Created      int
	Filtered     int
	Enriched     int
	EnrichFailed int
}

// Config tunes Stage 2.
type Config struct {
	// DetailDelay is the minimum spacing between detail calls.
	DetailDelay time.Duration
}

// Pipeline runs the two extraction stages. It is not safe for concurrent Run
// calls; the worker processes one task at a time.
type Pipeline struct {
	backend   automation.Backend
	templates *automation.Templates
	jobs      store.JobStore
	notifier  notify.Notifier
	limiter   *rate.Limiter
	log       *zap.SugaredLogger
}

// New wires a Pipeline. templates are treated as read-only.
func New(
	backend automation.Backend,
	templates *automation.Templates,
	jobs store.JobStore,
	notifier notify.Notifier,
	cfg Config,
	log *zap.SugaredLogger,
) *Pipeline {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	limit := rate.Inf
	if cfg.DetailDelay > 0 {
		limit = rate.Every(cfg.DetailDelay)
	}
	return &Pipeline{
		backend:   backend,
		templates: templates,
		jobs:      jobs,
		notifier:  notifier,
		limiter:   rate.NewLimiter(limit, 1),
		log:       log,
	}
}

// classify marks automation failures that cannot succeed on retry.
func classify(err error, format string, args ...any) error {
	wrapped := errors.Wrapf(err, format, args...)
	if f, ok := automation.AsFailure(err); ok && !f.Recoverable() {
		return errors.Mark(wrapped, ErrUnrecoverable)
	}
	return wrapped
}

// Run processes task. A returned error means Stage 1 did not succeed; Stage 2
// problems are logged and reflected in enrichment statuses only.
func (p *Pipeline) Run(ctx context.Context, task model.ScanTask) (Outcome, error) {
	var out Outcome
	log := p.log.With("taskId", task.ID, "source", task.Source)

	listing, err := p.templates.Listing(task.Source)
	if err != nil {
		return out, errors.Mark(err, ErrUnrecoverable)
	}

	saved, err := p.stage1(ctx, task, listing, &out)
	if err != nil {
		return out, err
	}
	log.Infow("listing stored", "remoteId", out.ListingRemoteID,
		"found", out.JobsFound, "saved", out.JobsSaved, "created", out.Created, "filtered", out.Filtered)

	if err := p.notifier.Publish(ctx, notify.Event{
		Type:       notify.EventJobsDiscovered,
		ScanTaskID: task.ID,
		UserID:     task.UserID,
		Source:     task.Source,
		JobsFound:  out.JobsFound,
		JobsSaved:  out.JobsSaved,
		Created:    out.Created,
	}); err != nil {
		log.Warnw("publish failed", "event", notify.EventJobsDiscovered, "err", err)
	}

	if len(saved) == 0 {
		return out, nil
	}
	detail, err := p.templates.Detail(listing)
	if err != nil {
		log.Warnw("skipping enrichment", "err", err)
		return out, nil
	}
	p.stage2(ctx, task, detail, saved, &out, log)
	return out, nil
}

// stage1 runs the listing call and upserts every usable stub. It returns the
// stubs that were saved, in listing order.
func (p *Pipeline) stage1(ctx context.Context, task model.ScanTask, listing automation.Template, out *Outcome) ([]model.JobStub, error) {
	res, err := p.backend.Execute(ctx, listing, task.URL)
	if err != nil {
		return nil, classify(err, "listing %s", listing.Name)
	}
	out.ListingRemoteID = res.RemoteID
	stubs, found, err := automation.DecodeStubs(res)
	out.JobsFound = found
	if err != nil {
		return nil, errors.Wrapf(err, "decode listing (remote %q)", res.RemoteID)
	}

	seen := make(map[string]struct{}, len(stubs))
	saved := make([]model.JobStub, 0, len(stubs))
	var attempted int
	var lastErr error
	for _, stub := range stubs {
		if _, dup := seen[stub.URL]; dup {
			continue
		}
		seen[stub.URL] = struct{}{}

		if ContainsRedFlag(stub, listing.ExcludeTerms) {
			out.Filtered++
			continue
		}

		attempted++
		res, err := p.jobs.UpsertStub(ctx, model.StubRecord(task, stub))
		if err != nil {
			lastErr = err
			p.log.Warnw("stub upsert failed", "taskId", task.ID, "url", stub.URL, "err", err)
			continue
		}
		if res.Created {
			out.Created++
		}
		saved = append(saved, stub)
	}
	out.JobsSaved = len(saved)

	if attempted > 0 && len(saved) == 0 {
		return nil, errors.Wrapf(lastErr, "all %d stub upserts failed", attempted)
	}
	return saved, nil
}

// stage2 enriches saved stubs in order. It stops early when ctx ends; stubs
// not reached stay URL_EXTRACTED.
func (p *Pipeline) stage2(
	ctx context.Context,
	task model.ScanTask,
	detail automation.Template,
	stubs []model.JobStub,
	out *Outcome,
	log *zap.SugaredLogger,
) {
	for i, stub := range stubs {
		if err := p.limiter.Wait(ctx); err != nil {
			log.Infow("enrichment interrupted", "done", i, "total", len(stubs), "err", err)
			return
		}

		err := p.enrich(ctx, task, detail, stub)
		if err == nil {
			out.Enriched++
			continue
		}
		if ctx.Err() != nil {
			log.Infow("enrichment interrupted", "done", i, "total", len(stubs), "err", ctx.Err())
			return
		}

		out.EnrichFailed++
		log.Warnw("detail extraction failed", "url", stub.URL, "n", i+1, "total", len(stubs), "err", err)
		if err := p.jobs.MarkEnrichmentFailed(ctx, task.UserID, stub.URL); err != nil {
			log.Errorw("mark enrichment failed", "url", stub.URL, "err", err)
		}
	}
	log.Infow("enrichment done", "enriched", out.Enriched, "failed", out.EnrichFailed)
}

func (p *Pipeline) enrich(ctx context.Context, task model.ScanTask, detail automation.Template, stub model.JobStub) error {
	res, err := p.backend.Execute(ctx, detail, stub.URL)
	if err != nil {
		return err
	}
	fields, err := automation.DecodeDetail(res)
	if err != nil {
		return errors.Wrapf(err, "remote %q", res.RemoteID)
	}
	if fields.IsEmpty() {
		return errors.Newf("detail extraction %q returned no fields", res.RemoteID)
	}
	return p.jobs.UpdateDetails(ctx, task.UserID, stub.URL, fields)
}
