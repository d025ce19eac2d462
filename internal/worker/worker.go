// Package worker drives the reap → claim → process → finalize cycle.
//
// Each Worker handles its claimed tasks one after another. Running more
// worker processes against the same store is how throughput scales; the
// store's conditional claim keeps them from sharing a task.
package worker

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"jobmate/scan-worker/internal/model"
	"jobmate/scan-worker/internal/notify"
	"jobmate/scan-worker/internal/pipeline"
	"jobmate/scan-worker/internal/scantask"
	"jobmate/scan-worker/internal/store"
)

const (
	defaultBatchSize       = 1
	defaultStoreBackoff    = 5 * time.Second
	defaultFinalizeTimeout = 10 * time.Second
)

// Processor runs the extraction pipeline for one task.
type Processor interface {
	Run(ctx context.Context, task model.ScanTask) (pipeline.Outcome, error)
}

// Config holds the worker's tunables.
type Config struct {
	ID                string
	BatchSize         int
	ProcessingTimeout time.Duration
	StoreBackoff      time.Duration
	FinalizeTimeout   time.Duration
}

// Worker owns tasks it claims under Config.ID.
type Worker struct {
	tasks    store.ScanTaskStore
	proc     Processor
	notifier notify.Notifier
	cfg      Config
	log      *zap.SugaredLogger
	sleep    func(ctx context.Context, d time.Duration)
}

// New constructs a Worker, filling unset tunables with defaults.
func New(tasks store.ScanTaskStore, proc Processor, notifier notify.Notifier, cfg Config, log *zap.SugaredLogger) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.StoreBackoff <= 0 {
		cfg.StoreBackoff = defaultStoreBackoff
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = defaultFinalizeTimeout
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Worker{
		tasks:    tasks,
		proc:     proc,
		notifier: notifier,
		cfg:      cfg,
		log:      log.With("workerId", cfg.ID),
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// ID returns the owner tag written on claimed tasks.
func (w *Worker) ID() string { return w.cfg.ID }

// CycleStats reports what one cycle did.
type CycleStats struct {
	Reaped    store.ReapResult
	Claimed   int
	Completed int
	Requeued  int
	Failed    int
}

// Cycle runs one poll iteration. A store error ends the cycle after a short
// backoff and is returned for the caller to log; it never panics out.
func (w *Worker) Cycle(ctx context.Context) (CycleStats, error) {
	var stats CycleStats
	if err := ctx.Err(); err != nil {
		return stats, err
	}

	reaped, err := w.tasks.ReapStuck(ctx, w.cfg.ProcessingTimeout)
	if err != nil {
		return stats, w.storeFailure(ctx, errors.Wrap(err, "reap stuck tasks"))
	}
	stats.Reaped = reaped
	if reaped.OverrunFailed > 0 || reaped.Abandoned > 0 {
		w.log.Warnw("reaped stuck tasks", "overrunFailed", reaped.OverrunFailed, "abandoned", reaped.Abandoned)
	}

	claimed, err := w.tasks.FetchDue(ctx, w.cfg.ID, w.cfg.BatchSize)
	if err != nil {
		return stats, w.storeFailure(ctx, errors.Wrap(err, "claim tasks"))
	}
	stats.Claimed = len(claimed)

	for i, task := range claimed {
		if ctx.Err() != nil {
			stats.Requeued += w.releaseUnstarted(ctx, claimed[i:])
			break
		}
		switch w.process(ctx, task) {
		case model.ScanCompleted:
			stats.Completed++
		case model.ScanPending:
			stats.Requeued++
		case model.ScanFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// releaseUnstarted hands back claimed tasks that shutdown kept from running.
// A task whose release fails recovers after the processing timeout.
func (w *Worker) releaseUnstarted(ctx context.Context, tasks []model.ScanTask) int {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.FinalizeTimeout)
	defer cancel()
	released := 0
	for _, task := range tasks {
		if err := w.tasks.Release(fctx, task.ID, w.cfg.ID); err != nil {
			w.log.Warnw("release failed", "taskId", task.ID, "err", err)
			continue
		}
		released++
	}
	w.log.Infow("stopping mid-batch", "remaining", len(tasks), "released", released)
	return released
}

func (w *Worker) storeFailure(ctx context.Context, err error) error {
	w.log.Errorw("store unavailable, backing off", "backoff", w.cfg.StoreBackoff, "err", err)
	w.sleep(ctx, w.cfg.StoreBackoff)
	return err
}

// runSafely converts a panic inside the pipeline into an ordinary task error
// so the rest of the batch still runs.
func (w *Worker) runSafely(ctx context.Context, task model.ScanTask) (out pipeline.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("pipeline panic: %v", r)
		}
	}()
	return w.proc.Run(ctx, task)
}

// process runs one task and finalizes it. It returns the status written, or
// "" when the finalize did not land.
func (w *Worker) process(ctx context.Context, task model.ScanTask) model.ScanStatus {
	log := w.log.With("taskId", task.ID, "source", task.Source, "retryCount", task.RetryCount)
	if !scantask.IsTransitionAllowed(task.Status, model.ScanCompleted) {
		log.Errorw("claimed task is not processing; skipped", "status", task.Status)
		return ""
	}
	log.Infow("task claimed", "url", task.URL)
	start := time.Now()

	out, runErr := w.runSafely(ctx, task)

	// Finalize even if ctx was cancelled mid-run: Stage 1 may have succeeded.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.FinalizeTimeout)
	defer cancel()

	var (
		status   model.ScanStatus
		released bool
		err      error
	)
	switch {
	case runErr == nil:
		status = model.ScanCompleted
		err = w.tasks.MarkCompleted(fctx, task.ID, w.cfg.ID, out.JobsFound, out.JobsSaved)
	case pipeline.IsUnrecoverable(runErr):
		status = model.ScanFailed
		err = w.tasks.MarkFailed(fctx, task.ID, w.cfg.ID, runErr.Error())
	case ctx.Err() != nil:
		// Shutdown interrupted the run; the failure says nothing about the task.
		status, released = model.ScanPending, true
		err = w.tasks.Release(fctx, task.ID, w.cfg.ID)
	default:
		status, err = w.tasks.RequeueOrFail(fctx, task.ID, w.cfg.ID, runErr.Error())
		if err == nil && !scantask.IsTransitionAllowed(model.ScanProcessing, status) {
			err = errors.Newf("store reported invalid retry outcome %q", status)
		}
	}

	if err != nil {
		if errors.Is(err, store.ErrNotOwned) {
			log.Warnw("task no longer owned; result discarded", "err", err)
		} else {
			log.Errorw("finalize failed; task recovers after the processing timeout", "err", err)
		}
		return ""
	}

	elapsed := time.Since(start).Round(time.Millisecond)
	switch {
	case released:
		log.Infow("task released on shutdown", "elapsed", elapsed, "err", runErr)
		return status
	case runErr == nil:
		log.Infow("task completed", "remoteId", out.ListingRemoteID, "found", out.JobsFound, "saved", out.JobsSaved,
			"enriched", out.Enriched, "enrichFailed", out.EnrichFailed, "elapsed", elapsed)
	case scantask.IsTerminal(status):
		log.Warnw("task failed permanently", "status", status, "elapsed", elapsed, "err", runErr)
	default:
		log.Infow("task requeued", "status", status, "elapsed", elapsed, "err", runErr)
	}

	event := notify.Event{
		Type:       notify.EventScanTaskFinished,
		ScanTaskID: task.ID,
		UserID:     task.UserID,
		Source:     task.Source,
		Status:     string(status),
		JobsFound:  out.JobsFound,
		JobsSaved:  out.JobsSaved,
		Created:    out.Created,
	}
	if runErr != nil {
		event.Error = runErr.Error()
	}
	if err := w.notifier.Publish(fctx, event); err != nil {
		log.Warnw("publish failed", "event", notify.EventScanTaskFinished, "err", err)
	}
	return status
}
