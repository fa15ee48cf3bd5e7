package repositories

import (
	"context"
	"fmt"
	"sync"
	"time"

	"rillcap/internal/core/ports"
	"rillcap/internal/infrastructure/repositories/memory"
	redisrepo "rillcap/internal/infrastructure/repositories/redis"
	sqliterepo "rillcap/internal/infrastructure/repositories/sqlite"
	"rillcap/pkg/blobstore"
	"rillcap/pkg/config"
	"rillcap/pkg/distributed"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates the segment store and its companions with fallback support.
type RepositoryFactory struct {
	backend     string
	redisClient *redis.Client
	keyPrefix   string
	blobs       *blobstore.FileStorage
	sqlitePath  string
	logger      *zap.SugaredLogger

	syncOnce sync.Once
	sync     ports.SyncRegistry
}

// NewRepositoryFactory connects to Redis when enabled. A Redis backend that cannot be
// reached falls back to memory; sqlite and blob storage failures are fatal.
func NewRepositoryFactory(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	f := &RepositoryFactory{
		backend:    cfg.Storage.Backend,
		keyPrefix:  cfg.Redis.KeyPrefix,
		sqlitePath: cfg.Storage.SQLitePath,
		logger:     logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(ctx, redisrepo.ClientOptions{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			PoolSize:  cfg.Redis.PoolSize,
			KeyPrefix: cfg.Redis.KeyPrefix,
		}, logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories", "error", err)
			if f.backend == "redis" {
				f.backend = "memory"
			}
		} else {
			f.redisClient = client
		}
	}

	if f.backend == "sqlite" {
		blobs, err := blobstore.NewFileStorage(cfg.Storage.Root)
		if err != nil {
			return nil, err
		}
		f.blobs = blobs
	}

	logger.Infow("repository backend selected", "backend", f.backend, "redis", f.redisClient != nil)
	return f, nil
}

func (f *RepositoryFactory) Backend() string {
	return f.backend
}

// CreateSegmentStore opens the configured segment store.
func (f *RepositoryFactory) CreateSegmentStore(ctx context.Context) (ports.SegmentStore, error) {
	switch f.backend {
	case "sqlite":
		return sqliterepo.NewSQLiteSegmentStore(ctx, f.sqlitePath, f.blobs, f.logger)
	case "redis":
		return redisrepo.NewRedisSegmentStore(f.redisClient, f.keyPrefix), nil
	case "memory":
		return memory.NewMemorySegmentStore(), nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", f.backend)
}

// SyncRegistry is Redis-backed whenever Redis is reachable, so registrations outlive the agent.
// The same instance is returned on every call.
func (f *RepositoryFactory) SyncRegistry() ports.SyncRegistry {
	f.syncOnce.Do(func() {
		if f.redisClient != nil {
			f.sync = redisrepo.NewRedisSyncRegistry(f.redisClient, f.keyPrefix)
			return
		}
		f.sync = memory.NewMemorySyncRegistry()
	})
	return f.sync
}

// RedisClient returns nil unless Redis is connected.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

// CreateDrainLease returns a cross-instance lease when Redis is available, else a local one.
func (f *RepositoryFactory) CreateDrainLease(holder string, ttl time.Duration) ports.DrainLease {
	if f.redisClient != nil {
		key := redisrepo.DrainLockKey(f.keyPrefix)
		return &redisLease{lock: distributed.NewDistributedLock(f.redisClient, key, holder, ttl)}
	}
	return &localLease{}
}

// Close closes Redis connection if used
func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

// HealthCheck checks Redis connection health
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}

type redisLease struct {
	lock *distributed.DistributedLock
}

func (l *redisLease) TryAcquire(ctx context.Context) (bool, error) {
	return l.lock.TryLock(ctx)
}

func (l *redisLease) Release(ctx context.Context) error {
	return l.lock.Unlock(ctx)
}

type localLease struct {
	mu sync.Mutex
}

func (l *localLease) TryAcquire(ctx context.Context) (bool, error) {
	return l.mu.TryLock(), nil
}

func (l *localLease) Release(ctx context.Context) error {
	l.mu.Unlock()
	return nil
}
