// Package bootstrap wires configuration into the avatar service shared by
// the api and worker binaries.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dunamismax/avatarflow/internal/cache"
	"github.com/dunamismax/avatarflow/internal/config"
	"github.com/dunamismax/avatarflow/internal/logging"
	"github.com/dunamismax/avatarflow/internal/pipeline"
	"github.com/dunamismax/avatarflow/internal/service"
	"github.com/dunamismax/avatarflow/internal/storage"
	"github.com/dunamismax/avatarflow/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deps holds the long-lived clients behind an AvatarService. Close releases
// them in reverse order of creation.
type Deps struct {
	Service *service.AvatarService
	Redis   *redis.Client
	closers []func() error
}

func (d *Deps) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func NewProcessor(cfg config.AvatarConfig, logger *zap.Logger) (*pipeline.Processor, error) {
	if err := pipeline.Startup(); err != nil {
		return nil, fmt.Errorf("start image runtime: %w", err)
	}
	enc, err := pipeline.NewEncoder(cfg.Codec, cfg.Quality, cfg.Speed)
	if err != nil {
		return nil, fmt.Errorf("configure avatar encoder: %w", err)
	}
	return pipeline.NewProcessor(
		pipeline.WithEncoder(enc),
		pipeline.WithReporter(logging.PipelineReporter(logger.Named("pipeline"))),
	), nil
}

// Build connects storage, the metadata store and the cache. An empty MinIO
// endpoint or Postgres DSN selects the in-memory implementation.
func Build(ctx context.Context, cfg config.Config, queue service.Enqueuer, logger *zap.Logger) (*Deps, error) {
	deps := &Deps{}

	processor, err := NewProcessor(cfg.Avatar, logger)
	if err != nil {
		return nil, err
	}
	deps.closers = append(deps.closers, func() error { pipeline.Shutdown(); return nil })

	objects, err := newObjectStorage(ctx, cfg.Storage, logger)
	if err != nil {
		_ = deps.Close()
		return nil, err
	}

	var (
		avatars store.AvatarStore
		uploads store.UploadStore
	)
	if dsn := strings.TrimSpace(cfg.Database.DSN); dsn != "" {
		pg, err := store.NewPostgresStore(ctx, dsn)
		if err != nil {
			_ = deps.Close()
			return nil, fmt.Errorf("connect avatar store: %w", err)
		}
		deps.closers = append(deps.closers, pg.Close)
		avatars, uploads = pg, pg
	} else {
		logger.Warn("POSTGRES_DSN is empty, using in-memory avatar store")
		mem := store.NewMemoryStore()
		avatars, uploads = mem, mem
	}

	deps.Redis = redis.NewClient(cfg.Queue.RedisOptions())
	deps.closers = append(deps.closers, deps.Redis.Close)

	var avatarCache service.AvatarCache
	if cfg.Cache.Enabled {
		rc, err := cache.NewRedisCache(deps.Redis, cfg.Cache.TTL, "avatarflow:avatar")
		if err != nil {
			_ = deps.Close()
			return nil, fmt.Errorf("configure avatar cache: %w", err)
		}
		avatarCache = rc
	}

	svc, err := service.New(service.Options{
		Processor:  processor,
		Storage:    objects,
		Avatars:    avatars,
		Uploads:    uploads,
		Cache:      avatarCache,
		Queue:      queue,
		Logger:     logger.Named("service"),
		MaxBytes:   cfg.API.MaxBodyBytes,
		PresignTTL: cfg.API.PresignTTL,
	})
	if err != nil {
		_ = deps.Close()
		return nil, err
	}
	deps.Service = svc
	return deps, nil
}

func newObjectStorage(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (service.ObjectStorage, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		logger.Warn("MINIO_ENDPOINT is empty, using in-memory object storage")
		return storage.NewMemoryClient(), nil
	}

	client, err := storage.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if err := client.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return client, nil
}
