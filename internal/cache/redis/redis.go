package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ssuji15/codemod-run/internal/cache"
	credis "github.com/ssuji15/codemod-run/internal/component/redis"
	"github.com/ssuji15/codemod-run/internal/config"
	"github.com/ssuji15/codemod-run/internal/job_tracer"
	"github.com/ssuji15/codemod-run/internal/service/logger"
	"github.com/ssuji15/codemod-run/internal/util"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type RedisCacheClient struct {
	client *redis.Client
	ttl    int
}

var (
	rcc       *RedisCacheClient
	once      sync.Once
	initError error
)

func NewRedisCacheClient(ctx context.Context) (cache.Cache, error) {
	once.Do(func() {
		cfg, err := config.GetRedisConfig()
		if err != nil {
			initError = err
			return
		}
		rc, err := credis.NewRedisClient(ctx)
		if err != nil {
			initError = err
			return
		}
		rcc = &RedisCacheClient{
			client: rc,
			ttl:    cfg.TTL,
		}
	})
	if initError != nil {
		return nil, initError
	}
	return rcc, nil
}

func (r *RedisCacheClient) Put(ctx context.Context, key string, value interface{}, ttl int) error {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Redis/Put")
	defer span.End()
	if key == "" {
		err := fmt.Errorf("key cannot be empty")
		util.RecordSpanError(span, err)
		return err
	}
	span.AddEvent("redis.context",
		trace.WithAttributes(attribute.String("key", key)),
	)
	if value == nil {
		err := fmt.Errorf("value cannot be nil")
		util.RecordSpanError(span, err)
		return err
	}
	b, err := msgpack.Marshal(value)
	if err != nil {
		err := fmt.Errorf("failed to marshal value for key %s: %w", key, err)
		util.RecordSpanError(span, err)
		return err
	}
	err = r.client.Set(ctx, key, b, time.Duration(ttl)*time.Second).Err()
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

// value must be non-nil pointer to destination type
func (r *RedisCacheClient) Get(ctx context.Context, key string, value interface{}) error {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Redis/Get")
	defer span.End()
	if key == "" {
		err := fmt.Errorf("key cannot be empty")
		util.RecordSpanError(span, err)
		return err
	}
	span.AddEvent("redis.context",
		trace.WithAttributes(attribute.String("key", key)),
	)

	val, err := r.client.Get(ctx, key).Bytes()
	return r.decode(span, key, val, err, value)
}

// GetDel relies on GETDEL, which redis executes atomically.
func (r *RedisCacheClient) GetDel(ctx context.Context, key string, value interface{}) error {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Redis/GetDel")
	defer span.End()
	if key == "" {
		err := fmt.Errorf("key cannot be empty")
		util.RecordSpanError(span, err)
		return err
	}
	span.AddEvent("redis.context",
		trace.WithAttributes(attribute.String("key", key)),
	)

	val, err := r.client.GetDel(ctx, key).Bytes()
	return r.decode(span, key, val, err, value)
}

func (r *RedisCacheClient) decode(span trace.Span, key string, val []byte, err error, value interface{}) error {
	if errors.Is(err, redis.Nil) {
		return cache.ErrNotFound
	}
	if err != nil {
		err := fmt.Errorf("failed to retrieve value for key %s: %w", key, err)
		util.RecordSpanError(span, err)
		return err
	}
	err = msgpack.Unmarshal(val, value)
	if err != nil {
		err := fmt.Errorf("failed to unmarshal value for key %s: %w", key, err)
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (r *RedisCacheClient) Delete(ctx context.Context, key string) error {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Redis/Delete")
	defer span.End()
	if key == "" {
		err := fmt.Errorf("key cannot be empty")
		util.RecordSpanError(span, err)
		return err
	}
	if err := r.client.Del(ctx, key).Err(); err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (r *RedisCacheClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

func (r *RedisCacheClient) GetDefaultTTL() int {
	return r.ttl
}

func (r *RedisCacheClient) Close() error {
	return r.client.Close()
}

func (r *RedisCacheClient) ShutDown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		if err := r.Close(); err != nil {
			logger.Log.Err(err).Msg("unable to close redis connection")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Log.Error().Msg("redis shutdown timed out")
	}
}
