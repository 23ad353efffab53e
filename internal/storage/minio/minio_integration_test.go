//go:build integration

package minio

import (
	"context"
	"flag"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/ssuji15/codemod-run/internal/testutil/minio"
	"github.com/ssuji15/codemod-run/internal/util"
)

var (
	minioContainer testcontainers.Container
	minioEndpoint  string
)

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(0)
	}
	ctx := context.Background()
	minioContainer, minioEndpoint = minio.SetupContainer(ctx)
	code := m.Run()
	_ = minioContainer.Terminate(ctx)
	os.Exit(code)
}

func newTestClient(t *testing.T) *MinioClient {
	t.Helper()
	m = nil
	initError = nil
	once = sync.Once{}
	minio.SetMinioEnv(minioEndpoint)
	minio.CreateJobsBucket(t, "jobs", minioEndpoint)

	c, err := NewMinioClient()
	require.NoError(t, err)
	return c.(*MinioClient)
}

func TestNewMinioClientConfigErrors(t *testing.T) {
	for _, key := range []string{"MINIO_ENDPOINT", "MINIO_ACCESS_KEY", "MINIO_JOBS_BUCKET"} {
		t.Run(key, func(t *testing.T) {
			m = nil
			initError = nil
			once = sync.Once{}
			minio.SetMinioEnv(minioEndpoint)
			t.Setenv(key, "")

			c, err := NewMinioClient()
			require.Error(t, err)
			require.Nil(t, c)
		})
	}
}

func TestCodemodSourceRoundTrip(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	source := []byte("export default function transformer(file) { return file.source; }")
	path := util.GetCodePath(util.HashSource(source))

	require.NoError(t, c.Upload(ctx, c.GetJobsBucket(), path, source))
	got, err := c.Download(ctx, c.GetJobsBucket(), path)
	require.NoError(t, err)
	require.Equal(t, source, got)
}

func TestModifiedFilesUnderJobPrefix(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	jobID := "0192f7a8-0000-7000-8000-000000000001"

	files := map[string]string{
		"src/index.ts":         "logger.info(1)\n",
		"src/lib/util.tsx":     "export const x = 2\n",
		"../escape/attempt.js": "outside\n",
	}
	for p, content := range files {
		require.NoError(t, c.Upload(ctx, c.GetJobsBucket(), util.GetOutputPath(jobID, p), []byte(content)))
	}

	got, err := c.Download(ctx, c.GetJobsBucket(), "jobs/output/"+jobID+"/src/index.ts")
	require.NoError(t, err)
	require.Equal(t, "logger.info(1)\n", string(got))

	// relative paths cannot climb out of the job prefix
	got, err = c.Download(ctx, c.GetJobsBucket(), "jobs/output/"+jobID+"/escape/attempt.js")
	require.NoError(t, err)
	require.Equal(t, "outside\n", string(got))
}

func TestUploadDownloadErrors(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.Error(t, c.Upload(ctx, "", "a.txt", []byte("x")))
	require.Error(t, c.Upload(ctx, "jobs", "", []byte("x")))
	require.Error(t, c.Upload(ctx, "missing-bucket", "a.txt", []byte("x")))

	data, err := c.Download(ctx, "jobs", "jobs/output/nope/missing.ts")
	require.Error(t, err)
	require.Nil(t, data)
}

func TestMinioShutDownRespectsContext(t *testing.T) {
	c := newTestClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	c.ShutDown(ctx)
	require.Less(t, time.Since(start), 500*time.Millisecond)
}
