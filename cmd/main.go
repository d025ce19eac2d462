// jobmate-scan-worker
//
// Claims queued scan tasks, runs the two-stage extraction pipeline against
// the browser-automation service (or the Adzuna API), and stores the
// discovered postings.
//
// Commands:
//   - run      — scheduler + worker cycle + gRPC health
//   - serve    — HTTP enqueue/read API
//   - enqueue  — create one scan task from the command line
//   - migrate  — apply the store schema
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"jobmate/scan-worker/internal/api"
	"jobmate/scan-worker/internal/config"
	"jobmate/scan-worker/internal/db"
	"jobmate/scan-worker/internal/health"
	"jobmate/scan-worker/internal/logger"
	"jobmate/scan-worker/internal/model"
	"jobmate/scan-worker/internal/pipeline"
	"jobmate/scan-worker/internal/scheduler"
	"jobmate/scan-worker/internal/worker"
)

const shutdownTimeout = 30 * time.Second

var (
	envFile string
	cfg     *config.Config
	log     *zap.SugaredLogger
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "[scan-worker] %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "scan-worker",
		Short:         "Scan-task worker for JobMate job discovery",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			if cfg, err = config.Load(envFile); err != nil {
				return errors.Wrap(err, "config")
			}
			if log, err = logger.New(cfg.LogLevel, cfg.LogJSON); err != nil {
				return errors.Wrap(err, "logger")
			}
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if log != nil {
				_ = log.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", "", "env file to load before reading the environment (default .env if present)")

	root.AddCommand(runCmd(), serveCmd(), enqueueCmd(), migrateCmd())
	return root
}

// signalContext is cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// ─── run ─────────────────────────────────────────────────────────────────────

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Poll for due scan tasks and process them until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()

			d := &deps{}
			defer d.close()

			if err := openStore(ctx, cfg, log, d); err != nil {
				return err
			}
			templates, err := loadTemplates(cfg)
			if err != nil {
				return errors.Wrap(err, "templates")
			}
			notifier, err := newNotifier(ctx, cfg, log, d)
			if err != nil {
				return err
			}
			backend, err := newBackend(ctx, cfg, log.Named("automation"), d)
			if err != nil {
				return err
			}

			pipe := pipeline.New(backend, templates, d.store, notifier,
				pipeline.Config{DetailDelay: cfg.DetailDelay}, log.Named("pipeline"))
			w := worker.New(d.store, pipe, notifier, worker.Config{
				ID:                cfg.WorkerID,
				BatchSize:         cfg.BatchSize,
				ProcessingTimeout: cfg.ProcessingTimeout,
				StoreBackoff:      cfg.StoreBackoff,
			}, log.Named("worker"))

			// ── gRPC health ─────────────────────────────────────────────────
			monitor := health.NewMonitor(d.store, cfg.PollInterval, log.Named("health"))
			grpcSrv := health.NewServer(log.Named("grpc"))
			monitor.Register(grpcSrv)
			lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
			if err != nil {
				return errors.Wrapf(err, "listen grpc :%s", cfg.GRPCPort)
			}
			go monitor.Run(ctx)
			go func() {
				log.Infow("gRPC health listening", "port", cfg.GRPCPort)
				if err := grpcSrv.Serve(lis); err != nil {
					log.Errorw("gRPC server error", "err", err)
				}
			}()

			// ── Scheduler ───────────────────────────────────────────────────
			sched, err := scheduler.New(w, cfg.PollInterval, log.Named("scheduler"))
			if err != nil {
				return err
			}
			if err := sched.Start(ctx); err != nil {
				return err
			}
			log.Infow("worker started",
				"workerId", w.ID(),
				"store", cfg.StoreDriver,
				"sources", strings.Join(templates.Sources(), ","),
				"pollInterval", cfg.PollInterval,
				"batchSize", cfg.BatchSize,
			)

			// ── Graceful shutdown ───────────────────────────────────────────
			<-ctx.Done()
			log.Infow("shutting down…")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			sched.Stop(shutdownCtx)
			grpcSrv.GracefulStop()
			log.Infow("stopped")
			return nil
		},
	}
}

// ─── serve ───────────────────────────────────────────────────────────────────

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP enqueue and read API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()

			d := &deps{}
			defer d.close()
			if err := openStore(ctx, cfg, log, d); err != nil {
				return err
			}
			templates, err := loadTemplates(cfg)
			if err != nil {
				return errors.Wrap(err, "templates")
			}

			mux := http.NewServeMux()
			api.NewHandler(d.store, templates, log.Named("api")).RegisterRoutes(mux)

			srv := &http.Server{
				Addr:         ":" + cfg.APIPort,
				Handler:      mux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				log.Infow("HTTP API listening", "port", cfg.APIPort)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			select {
			case err := <-errCh:
				return errors.Wrap(err, "http server")
			case <-ctx.Done():
			}

			log.Infow("shutting down…")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warnw("shutdown error", "err", err)
			}
			log.Infow("stopped")
			return nil
		},
	}
}

// ─── enqueue ─────────────────────────────────────────────────────────────────

func enqueueCmd() *cobra.Command {
	var (
		in         model.NewScanTask
		maxRetries int
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Create a PENDING scan task",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			d := &deps{}
			defer d.close()
			if err := openStore(ctx, cfg, log, d); err != nil {
				return err
			}
			templates, err := loadTemplates(cfg)
			if err != nil {
				return errors.Wrap(err, "templates")
			}
			in.Source = strings.ToUpper(strings.TrimSpace(in.Source))
			if !slices.Contains(templates.Sources(), in.Source) {
				return errors.Newf("unknown source %q (known: %s)", in.Source, strings.Join(templates.Sources(), ", "))
			}

			if cmd.Flags().Changed("max-retries") {
				in.MaxRetries = &maxRetries
			}

			task, err := d.store.Create(ctx, in)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(task)
		},
	}
	cmd.Flags().StringVar(&in.UserID, "user", "", "owning user id")
	cmd.Flags().StringVar(&in.Source, "source", "", "source name, e.g. FINN")
	cmd.Flags().StringVar(&in.URL, "url", "", "listing URL to scan")
	cmd.Flags().IntVar(&maxRetries, "max-retries", model.DefaultMaxRetries, "retry budget; 0 allows a single attempt")
	for _, f := range []string{"user", "source", "url"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

// ─── migrate ─────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the scan_tasks and jobs tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			switch cfg.StoreDriver {
			case config.DriverPostgres:
				pool, err := db.NewPostgresPool(ctx, cfg.DatabaseURL)
				if err != nil {
					return err
				}
				defer pool.Close()
				if err := db.MigratePostgres(ctx, pool); err != nil {
					return err
				}
			case config.DriverSQLite:
				// OpenSQLite applies the schema.
				conn, err := db.OpenSQLite(cfg.SQLitePath)
				if err != nil {
					return err
				}
				conn.Close()
			default:
				return errors.Newf("migrate is not supported for %s; apply the schema through Supabase", cfg.StoreDriver)
			}
			log.Infow("schema applied", "driver", cfg.StoreDriver)
			return nil
		},
	}
}
