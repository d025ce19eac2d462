// Package scheduler wires up the cron job that periodically runs a worker
// cycle against the scan task store.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"jobmate/scan-worker/internal/worker"
)

// Cycler is the unit of work fired on every tick.
type Cycler interface {
	Cycle(ctx context.Context) (worker.CycleStats, error)
}

// Scheduler wraps robfig/cron and manages the poll loop.
type Scheduler struct {
	cron    *cron.Cron
	cycler  Cycler
	spec    string // cron spec, e.g. "@every 10s"
	log     *zap.SugaredLogger
	entryID cron.EntryID
}

// New creates a Scheduler that fires every interval. A tick that arrives while
// the previous cycle is still running is skipped, and a panicking cycle is
// logged instead of taking the process down.
func New(cycler Cycler, interval time.Duration, log *zap.SugaredLogger) (*Scheduler, error) {
	if interval <= 0 {
		return nil, errors.Newf("poll interval must be positive, got %s", interval)
	}
	cl := cronLogger{log: log}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.SkipIfStillRunning(cl), cron.Recover(cl)),
		),
		cycler: cycler,
		spec:   fmt.Sprintf("@every %s", interval),
		log:    log,
	}, nil
}

// Start registers the job and starts the scheduler. It also fires one cycle
// immediately, through the same job chain, so pending tasks do not wait for
// the first tick.
func (s *Scheduler) Start(ctx context.Context) error {
	id, err := s.cron.AddFunc(s.spec, func() { s.runCycle(ctx) })
	if err != nil {
		return errors.Wrapf(err, "cron add %q", s.spec)
	}
	s.entryID = id

	s.cron.Start()
	s.log.Infow("cron started", "spec", s.spec)

	go s.cron.Entry(id).WrappedJob.Run()
	return nil
}

// Stop halts the ticker and waits, at most until ctx ends, for a running
// cycle to finish.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.log.Infow("cron stopped")
	case <-ctx.Done():
		s.log.Warnw("cron stop timed out with a cycle still running")
	}
}

func (s *Scheduler) runCycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	stats, err := s.cycler.Cycle(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Errorw("cycle failed", "err", err)
		}
		return
	}
	if stats.Claimed == 0 {
		s.log.Debugw("no due tasks")
		return
	}
	s.log.Infow("cycle complete",
		"claimed", stats.Claimed,
		"completed", stats.Completed,
		"requeued", stats.Requeued,
		"failed", stats.Failed,
	)
}

// cronLogger routes robfig/cron's logging through zap.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "err", err)...)
}
