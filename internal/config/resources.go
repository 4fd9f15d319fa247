package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"

	"github.com/example/collab-sync/internal/storage"
)

// Resources bundles the external connections used by the server so that their
// lifecycle can be managed in a single place. Only the clients the
// configuration selects are created; the rest stay nil.
type Resources struct {
	Backend  storage.Backend
	Postgres *pgxpool.Pool
	Redis    *redis.Client
	Object   *minio.Client
	SQLite   *storage.SQLiteBackend
	cfg      Config
}

// NewResources builds the snapshot backend for cfg.StoreDriver and the
// optional Redis relay client.
func NewResources(ctx context.Context, cfg Config) (*Resources, error) {
	res := &Resources{cfg: cfg}

	switch cfg.StoreDriver {
	case DriverHTTP:
		res.Backend = storage.NewHTTPBackend(cfg.BackendURL)
	case DriverMemory:
		res.Backend = storage.NewMemoryBackend()
	case DriverSQLite:
		backend, err := storage.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		res.SQLite = backend
		res.Backend = backend
	case DriverPostgres:
		pgCfg, err := pgxpool.ParseConfig(cfg.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("parse postgres url: %w", err)
		}
		pgPool, err := pgxpool.NewWithConfig(ctx, pgCfg)
		if err != nil {
			return nil, fmt.Errorf("create postgres pool: %w", err)
		}
		res.Postgres = pgPool
		backend := storage.NewPostgresBackend(pgPool)
		if err := backend.EnsureSchema(ctx); err != nil {
			res.Close()
			return nil, fmt.Errorf("ensure snapshot schema: %w", err)
		}
		res.Backend = backend
	case DriverObject:
		objectClient, err := minio.New(cfg.ObjectEndpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.ObjectAccessKey, cfg.ObjectSecretKey, ""),
			Secure: cfg.ObjectUseSSL,
			Region: cfg.ObjectRegion,
		})
		if err != nil {
			return nil, fmt.Errorf("create object client: %w", err)
		}
		res.Object = objectClient
		backend := storage.NewObjectBackend(objectClient, cfg.ObjectBucket)
		if err := backend.EnsureBucket(ctx, cfg.ObjectRegion); err != nil {
			return nil, err
		}
		res.Backend = backend
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	if cfg.RedisAddr != "" {
		res.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	}

	if err := res.HealthCheck(ctx); err != nil {
		res.Close()
		return nil, err
	}

	return res, nil
}

// HealthCheck verifies that the configured dependencies are reachable. The
// HTTP backend is not probed; fetch failures there degrade to empty
// documents.
func (r *Resources) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var errs []error
	if r.Postgres != nil {
		if err := r.Postgres.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres healthcheck failed: %w", err))
		}
	}
	if r.Redis != nil {
		if err := r.Redis.Ping(ctx).Err(); err != nil {
			errs = append(errs, fmt.Errorf("redis healthcheck failed: %w", err))
		}
	}
	// MinIO/S3 doesn't expose a ping, so we attempt to stat the configured bucket.
	if r.Object != nil {
		if _, err := r.Object.BucketExists(ctx, r.cfg.ObjectBucket); err != nil {
			errs = append(errs, fmt.Errorf("object storage healthcheck failed: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Close disposes all active connections.
func (r *Resources) Close() {
	if r.Postgres != nil {
		r.Postgres.Close()
	}
	if r.Redis != nil {
		_ = r.Redis.Close()
	}
	if r.SQLite != nil {
		_ = r.SQLite.Close()
	}
}
