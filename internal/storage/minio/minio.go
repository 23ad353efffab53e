package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/ssuji15/codemod-run/internal/config"
	"github.com/ssuji15/codemod-run/internal/job_tracer"
	"github.com/ssuji15/codemod-run/internal/storage"
	"github.com/ssuji15/codemod-run/internal/util"
)

// MinioClient wraps the MinIO SDK client.
type MinioClient struct {
	client    *minio.Client
	cfg       *config.MinioConfig
	transport *http.Transport
}

var (
	m         *MinioClient
	once      sync.Once
	initError error
)

// NewMinioClient initializes the process wide MinIO client from the environment.
func NewMinioClient() (storage.Storage, error) {
	once.Do(func() {
		cfg, err := config.GetMinioConfig()
		if err != nil {
			initError = err
			return
		}

		transport := &http.Transport{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   50,
			MaxConnsPerHost:       50,
			IdleConnTimeout:       120 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,

			DisableCompression: true,
			DisableKeepAlives:  false,
		}

		cli, err := minio.New(cfg.URL, &minio.Options{
			Creds:     credentials.NewStaticV4(cfg.ACCESS_KEY, cfg.SECRET_KEY, ""),
			Secure:    cfg.USE_SSL,
			Transport: transport,
		})
		if err != nil {
			initError = err
			return
		}
		m = &MinioClient{client: cli, cfg: cfg, transport: transport}
	})
	if initError != nil {
		return nil, initError
	}
	return m, nil
}

func validate(bucket, objectPath string) error {
	if bucket == "" {
		return fmt.Errorf("bucket is empty")
	}
	if objectPath == "" {
		return fmt.Errorf("object path is empty")
	}
	return nil
}

func (m *MinioClient) Upload(ctx context.Context, bucket string, objectPath string, data []byte) error {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "MinIO/Upload")
	defer span.End()

	if err := validate(bucket, objectPath); err != nil {
		util.RecordSpanError(span, err)
		return err
	}

	_, err := m.client.PutObject(ctx, bucket, objectPath, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (m *MinioClient) Download(ctx context.Context, bucket string, objectPath string) ([]byte, error) {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "MinIO/Download")
	defer span.End()

	if err := validate(bucket, objectPath); err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}

	object, err := m.client.GetObject(ctx, bucket, objectPath, minio.GetObjectOptions{})
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	defer object.Close()

	// GetObject is lazy; Stat surfaces a missing key or bucket.
	if _, err := object.Stat(); err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}

	data, err := io.ReadAll(object)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	return data, nil
}

func (m *MinioClient) GetJobsBucket() string {
	return m.cfg.JOBS_BUCKET
}

func (m *MinioClient) Close() {
	m.transport.CloseIdleConnections()
}

func (m *MinioClient) ShutDown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		m.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
