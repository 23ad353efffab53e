package component

import (
	"context"
	"fmt"

	"github.com/ssuji15/codemod-run/internal/cache"
	"github.com/ssuji15/codemod-run/internal/cache/freecache"
	"github.com/ssuji15/codemod-run/internal/cache/jetstream"
	"github.com/ssuji15/codemod-run/internal/cache/redis"
	"github.com/ssuji15/codemod-run/internal/config"
	"github.com/ssuji15/codemod-run/internal/db"
	"github.com/ssuji15/codemod-run/internal/db/mongo"
	"github.com/ssuji15/codemod-run/internal/db/repository"
	"github.com/ssuji15/codemod-run/internal/queue"
	jq "github.com/ssuji15/codemod-run/internal/queue/jetstream"
	"github.com/ssuji15/codemod-run/internal/queue/rabbitmq"
	"github.com/ssuji15/codemod-run/internal/sandbox_manager/worker"
	"github.com/ssuji15/codemod-run/internal/sandbox_manager/worker/docker"
	"github.com/ssuji15/codemod-run/internal/sandbox_manager/worker/process"
	"github.com/ssuji15/codemod-run/internal/storage"
	"github.com/ssuji15/codemod-run/internal/storage/minio"
)

// None disables an optional backend.
const None = "none"

func GetCache(ctx context.Context, cacheType string) (cache.Cache, error) {
	switch cacheType {
	case "redis":
		return redis.NewRedisCacheClient(ctx)
	case "jetstream":
		return jetstream.NewJetStreamCacheClient()
	case "freecache":
		return freecache.NewFreeCache()
	default:
		return nil, fmt.Errorf("unknown cache type %q", cacheType)
	}
}

func GetQueue(qType string) (queue.Queue, error) {
	switch qType {
	case "jetstream":
		return jq.NewJetStreamQueueClient()
	case "rabbitmq":
		return rabbitmq.NewRabbitMQQueueClient()
	default:
		return nil, fmt.Errorf("unknown queue type %q", qType)
	}
}

// GetStorage returns nil storage for "none".
func GetStorage(storageType string) (storage.Storage, error) {
	switch storageType {
	case None:
		return nil, nil
	case "minio":
		return minio.NewMinioClient()
	default:
		return nil, fmt.Errorf("unknown storage type %q", storageType)
	}
}

// GetArchive returns a nil archive for "none".
func GetArchive(ctx context.Context, archiveType string) (db.JobArchive, error) {
	switch archiveType {
	case None:
		return nil, nil
	case "postgres":
		d, err := db.New(ctx)
		if err != nil {
			return nil, err
		}
		if err := db.ApplySchema(ctx, d.Pool); err != nil {
			d.Close()
			return nil, fmt.Errorf("failed to apply archive schema: %w", err)
		}
		return repository.NewJobRepository(d), nil
	case "mongo":
		return mongo.NewJobArchive(ctx)
	default:
		return nil, fmt.Errorf("unknown archive type %q", archiveType)
	}
}

// GetWorkerManager picks the sandbox runtime. env is passed to every sandbox.
func GetWorkerManager(ctx context.Context, rcfg *config.RunnerConfig, env []string) (worker.WorkerManager, error) {
	switch rcfg.WORKER_TYPE {
	case "process":
		return process.NewProcessManager(rcfg.SANDBOX_BINARY, nil, env)
	case "docker":
		dcfg, err := config.GetDockerWorkerConfig()
		if err != nil {
			return nil, err
		}
		return docker.NewDockerManager(ctx, dcfg, env)
	default:
		return nil, fmt.Errorf("unknown worker type %q", rcfg.WORKER_TYPE)
	}
}
