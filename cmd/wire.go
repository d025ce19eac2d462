package main

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"jobmate/scan-worker/internal/automation"
	"jobmate/scan-worker/internal/config"
	"jobmate/scan-worker/internal/db"
	"jobmate/scan-worker/internal/notify"
	"jobmate/scan-worker/internal/store"
)

// deps holds every long-lived connection so they can be closed in reverse
// order on shutdown.
type deps struct {
	store   store.Store
	rdb     *redis.Client
	closers []func()
}

func (d *deps) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

// openStore connects the configured store driver.
func openStore(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger, d *deps) error {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		log.Infow("connecting to PostgreSQL")
		pool, err := db.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return errors.Wrap(err, "postgres")
		}
		d.closers = append(d.closers, pool.Close)
		d.store = store.NewPostgres(pool)
	case config.DriverSQLite:
		log.Infow("opening SQLite", "path", cfg.SQLitePath)
		conn, err := db.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return errors.Wrap(err, "sqlite")
		}
		s := store.NewSQLite(conn)
		d.closers = append(d.closers, func() { s.Close() })
		d.store = s
	case config.DriverPostgrest:
		log.Infow("using Supabase PostgREST", "url", cfg.SupabaseURL)
		client, err := db.NewPostgrestClient(cfg.SupabaseURL, cfg.SupabaseServiceKey)
		if err != nil {
			return errors.Wrap(err, "postgrest")
		}
		d.store = store.NewPostgrest(client)
	default:
		return errors.Newf("unknown store driver %q", cfg.StoreDriver)
	}
	if err := d.store.Ping(ctx); err != nil {
		return errors.Wrapf(err, "%s ping", cfg.StoreDriver)
	}
	log.Infow("store connected", "driver", cfg.StoreDriver)
	return nil
}

// redisClient connects lazily; the notifier and the detail cache share it.
func redisClient(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger, d *deps) (*redis.Client, error) {
	if d.rdb != nil {
		return d.rdb, nil
	}
	log.Infow("connecting to Redis")
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, errors.Wrap(err, "redis")
	}
	d.rdb = rdb
	d.closers = append(d.closers, func() { rdb.Close() })
	return rdb, nil
}

// newNotifier builds the configured event publisher.
func newNotifier(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger, d *deps) (notify.Notifier, error) {
	switch cfg.Notifier {
	case config.NotifierRedis:
		rdb, err := redisClient(ctx, cfg, log, d)
		if err != nil {
			return nil, err
		}
		return notify.NewRedis(rdb), nil
	case config.NotifierAMQP:
		log.Infow("connecting to RabbitMQ", "exchange", cfg.AMQPExchange)
		conn, ch, err := db.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, func() {
			ch.Close()
			conn.Close()
		})
		return notify.NewAMQP(ch, cfg.AMQPExchange), nil
	default:
		return notify.Nop{}, nil
	}
}

// loadTemplates reads TEMPLATES_PATH or falls back to the embedded set.
func loadTemplates(cfg *config.Config) (*automation.Templates, error) {
	if cfg.TemplatesPath == "" {
		return automation.DefaultTemplates()
	}
	return automation.LoadTemplates(cfg.TemplatesPath)
}

// newBackend routes remote templates to the automation service and direct
// ones to the Adzuna API. The direct backend caches details in Redis when
// REDIS_URL is set.
func newBackend(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger, d *deps) (automation.Backend, error) {
	remote := automation.NewRemote(automation.RemoteConfig{
		BaseURL:      cfg.AutomationURL,
		APIKey:       cfg.AutomationAPIKey,
		Timeout:      cfg.AutomationTimeout,
		PollInterval: cfg.AutomationPollInterval,
	}, log.Named("remote"))

	var cache automation.DetailCache = automation.NewMemoryDetailCache()
	if cfg.RedisURL != "" {
		rdb, err := redisClient(ctx, cfg, log, d)
		if err != nil {
			return nil, err
		}
		cache = automation.NewRedisDetailCache(rdb)
	}
	direct := automation.NewDirect(cfg.AdzunaAppID, cfg.AdzunaAppKey, cache, log.Named("direct"))

	return automation.NewMux().
		Handle(automation.StrategyRemote, remote).
		Handle(automation.StrategyDirect, direct), nil
}
