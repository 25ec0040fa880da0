package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/migration/internal/config"
	"github.com/ehr/migration/internal/domain/ingest"
	"github.com/ehr/migration/internal/domain/migration"
	"github.com/ehr/migration/internal/platform/artifact"
	"github.com/ehr/migration/internal/platform/db"
	"github.com/ehr/migration/internal/platform/httpretry"
	"github.com/ehr/migration/internal/platform/runlock"
	"github.com/ehr/migration/internal/platform/target"
)

// app holds the long-lived dependencies shared by the server and the CLI.
type app struct {
	svc    *migration.Service
	pool   *pgxpool.Pool
	redis  *redis.Client
	checks map[string]db.Pinger
}

func (a *app) Close() {
	if a.redis != nil {
		a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
		Schema:   cfg.DBSchema,
	}
}

func artifactConfig(cfg *config.Config) artifact.Config {
	return artifact.Config{
		Backend:    cfg.ArtifactBackend,
		Dir:        cfg.ArtifactDir,
		S3Bucket:   cfg.ArtifactS3Bucket,
		S3Prefix:   cfg.ArtifactS3Prefix,
		S3Region:   cfg.AWSRegion,
		S3Endpoint: cfg.ArtifactS3Endpoint,
	}
}

// newAdapters registers every supported source system. Vendor APIs share one
// retrying HTTP client.
func newAdapters(cfg *config.Config, logger zerolog.Logger) *ingest.Registry {
	doer := httpretry.New(&http.Client{Timeout: 30 * time.Second}, cfg.VendorHTTPRetries, logger)
	return ingest.NewRegistry(
		ingest.NewCSVAdapter(ingest.CSVEntities, cfg.BatchSize),
		ingest.NewVendorAAdapter(doer,
			ingest.WithBaseURL(cfg.VendorABaseURL),
			ingest.WithPageSize(cfg.BatchSize),
			ingest.WithIDField(cfg.VendorAIDField),
		),
		ingest.NewVendorBAdapter(doer,
			ingest.WithBaseURL(cfg.VendorBBaseURL),
			ingest.WithPageSize(cfg.BatchSize),
			ingest.WithIDField(cfg.VendorBIDField),
		),
	)
}

func newLocker(cfg *config.Config, pool *pgxpool.Pool) (runlock.Locker, *redis.Client, error) {
	switch cfg.ResolvedLockBackend() {
	case config.LockMemory:
		return runlock.NewMemoryLocker(), nil, nil
	case config.LockRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		return runlock.NewRedisLocker(client, cfg.LockTTL), client, nil
	default:
		return runlock.NewPGLocker(pool), nil, nil
	}
}

func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	a := &app{
		pool:   pool,
		checks: map[string]db.Pinger{"postgres": pool},
	}

	locker, rdb, err := newLocker(cfg, pool)
	if err != nil {
		a.Close()
		return nil, err
	}
	if rdb != nil {
		a.redis = rdb
		a.checks["redis"] = db.PingFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
	}

	store, err := artifact.New(ctx, artifactConfig(cfg))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open artifact store: %w", err)
	}

	creds := migration.NewRefResolver(cfg.UploadDir, map[ingest.Vendor]string{
		ingest.VendorA: cfg.VendorABaseURL,
		ingest.VendorB: cfg.VendorBBaseURL,
	})

	a.svc = migration.NewService(migration.Dependencies{
		Runs:        migration.NewRunRepoPG(pool),
		Mappings:    migration.NewMappingRepoPG(pool),
		EntityMap:   migration.NewEntityMapRepoPG(pool),
		Audit:       migration.NewAuditRepoPG(pool),
		Failures:    migration.NewFailureRepoPG(pool),
		Tx:          db.NewTxRunner(pool),
		Artifacts:   store,
		Adapters:    newAdapters(cfg, logger),
		Credentials: creds,
		Target:      target.NewPGWriter(pool),
		Locker:      locker,
	}, logger)

	return a, nil
}
