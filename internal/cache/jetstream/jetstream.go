package jetstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/ssuji15/codemod-run/internal/cache"
	"github.com/ssuji15/codemod-run/internal/component/jetstream"
	"github.com/ssuji15/codemod-run/internal/config"
	"github.com/ssuji15/codemod-run/internal/job_tracer"
	"github.com/ssuji15/codemod-run/internal/service/logger"
	"github.com/ssuji15/codemod-run/internal/util"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// JetStreamCacheClient stores values in a NATS key-value bucket.
// The bucket TTL applies to every key, so the ttl argument of Put is ignored.
type JetStreamCacheClient struct {
	connection *nats.Conn
	jContext   nats.JetStreamContext
	bucket     nats.KeyValue
	ttl        int
}

var (
	jcc       *JetStreamCacheClient
	once      sync.Once
	initError error
)

func NewJetStreamCacheClient() (cache.Cache, error) {
	once.Do(func() {
		nc, err := jetstream.NewJetStreamClient()
		if err != nil {
			initError = err
			return
		}
		cfg, err := config.GetNatsCacheConfig()
		if err != nil {
			initError = err
			return
		}
		js, err := nc.JetStream()
		if err != nil {
			initError = err
			return
		}
		kv, err := createOrGetKeyValue(js, cfg.BUCKET_NAME, cfg.TTL, cfg.BUCKET_SIZE_BYTES)
		if err != nil {
			initError = err
			return
		}
		jcc = &JetStreamCacheClient{
			connection: nc,
			jContext:   js,
			bucket:     kv,
			ttl:        cfg.TTL,
		}
	})
	if initError != nil {
		return nil, initError
	}
	return jcc, nil
}

func (j *JetStreamCacheClient) Put(ctx context.Context, key string, value interface{}, ttl int) error {
	tracer := job_tracer.GetTracer()
	_, span := tracer.Start(ctx, "Nats/Put")
	defer span.End()

	if key == "" {
		err := fmt.Errorf("key cannot be empty")
		util.RecordSpanError(span, err)
		return err
	}
	span.AddEvent("nats.context",
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

	_, err = j.bucket.Put(encodeKey(key), b)
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (j *JetStreamCacheClient) Get(ctx context.Context, key string, value interface{}) error {
	tracer := job_tracer.GetTracer()
	_, span := tracer.Start(ctx, "Nats/Get")
	defer span.End()
	if key == "" {
		err := fmt.Errorf("key cannot be empty")
		util.RecordSpanError(span, err)
		return err
	}
	span.AddEvent("nats.context",
		trace.WithAttributes(attribute.String("key", key)),
	)

	entry, err := j.bucket.Get(encodeKey(key))
	if err != nil {
		return j.lookupError(span, key, err)
	}
	return j.decode(span, key, entry.Value(), value)
}

// GetDel deletes the entry only if it still has the revision that was read, so a concurrent
// consumer either wins the delete or observes ErrNotFound.
func (j *JetStreamCacheClient) GetDel(ctx context.Context, key string, value interface{}) error {
	tracer := job_tracer.GetTracer()
	_, span := tracer.Start(ctx, "Nats/GetDel")
	defer span.End()
	if key == "" {
		err := fmt.Errorf("key cannot be empty")
		util.RecordSpanError(span, err)
		return err
	}
	span.AddEvent("nats.context",
		trace.WithAttributes(attribute.String("key", key)),
	)

	k := encodeKey(key)
	entry, err := j.bucket.Get(k)
	if err != nil {
		return j.lookupError(span, key, err)
	}
	err = j.bucket.Delete(k, nats.LastRevision(entry.Revision()))
	if err != nil {
		var apiErr *nats.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence {
			return cache.ErrNotFound
		}
		util.RecordSpanError(span, err)
		return err
	}
	return j.decode(span, key, entry.Value(), value)
}

func (j *JetStreamCacheClient) Delete(ctx context.Context, key string) error {
	tracer := job_tracer.GetTracer()
	_, span := tracer.Start(ctx, "Nats/Delete")
	defer span.End()
	if key == "" {
		err := fmt.Errorf("key cannot be empty")
		util.RecordSpanError(span, err)
		return err
	}
	if err := j.bucket.Delete(encodeKey(key)); err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (j *JetStreamCacheClient) lookupError(span trace.Span, key string, err error) error {
	if errors.Is(err, nats.ErrKeyNotFound) || errors.Is(err, nats.ErrKeyDeleted) {
		return cache.ErrNotFound
	}
	err = fmt.Errorf("failed to retrieve value for key %s: %w", key, err)
	util.RecordSpanError(span, err)
	return err
}

func (j *JetStreamCacheClient) decode(span trace.Span, key string, b []byte, value interface{}) error {
	if err := msgpack.Unmarshal(b, value); err != nil {
		err := fmt.Errorf("failed to unmarshal value for key %s: %w", key, err)
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (j *JetStreamCacheClient) Ping(ctx context.Context) error {
	if j.connection.Status() != nats.CONNECTED {
		return fmt.Errorf("nats connection status: %s", j.connection.Status())
	}
	return nil
}

func (j *JetStreamCacheClient) GetDefaultTTL() int {
	return j.ttl
}

func (j *JetStreamCacheClient) Close() error {
	return j.connection.Drain()
}

func createOrGetKeyValue(js nats.JetStreamContext, bucket string, ttlSeconds int, bucketSizeBytes int) (nats.KeyValue, error) {
	kv, err := js.KeyValue(bucket)
	if err != nil {
		if errors.Is(err, nats.ErrBucketNotFound) {
			kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
				Bucket:      bucket,
				Description: "Codemod run status",
				TTL:         time.Duration(ttlSeconds) * time.Second,
				MaxBytes:    int64(bucketSizeBytes),
				Storage:     nats.FileStorage,
				History:     1,
			})
			if err != nil {
				return nil, fmt.Errorf("could not create nats bucket: %v", err)
			}
			return kv, nil
		}
		return nil, fmt.Errorf("error retrieving nats bucket instance: %v", err)
	}
	return kv, nil
}

func (j *JetStreamCacheClient) ShutDown(ctx context.Context) {
	done := make(chan struct{})
	j.connection.SetClosedHandler(func(_ *nats.Conn) {
		close(done)
	})

	if err := j.Close(); err != nil {
		logger.Log.Err(err).Msg("unable to close nats connection")
		return
	}

	select {
	case <-done:
		return
	case <-ctx.Done():
		j.connection.Close()
	}
}
