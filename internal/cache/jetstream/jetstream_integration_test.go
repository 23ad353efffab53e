//go:build integration
// +build integration

package jetstream

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/ssuji15/codemod-run/internal/cache"
	"github.com/ssuji15/codemod-run/internal/component/jetstream"
	tjetstream "github.com/ssuji15/codemod-run/internal/testutil/jetstream"
	"github.com/ssuji15/codemod-run/model"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
)

var (
	natsContainer testcontainers.Container
	JETSTREAM_URL string
)

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		fmt.Println("skipping integration tests")
		os.Exit(0)
	}
	ctx := context.Background()
	natsContainer, JETSTREAM_URL = tjetstream.SetupContainer(ctx)
	code := m.Run()
	_ = natsContainer.Terminate(ctx)
	os.Exit(code)
}

func resetJetStreamSingleton() {
	jcc = nil
	initError = nil
	once = sync.Once{}
	jetstream.ResetJetStreamClient()
}

func setJetStreamEnv() {
	os.Setenv("JETSTREAM_TTL", "60")
	os.Setenv("JETSTREAM_BUCKET_NAME", "TEST_STATUS")
	os.Setenv("JETSTREAM_BUCKET_SIZE", "1048576")
	os.Setenv("JETSTREAM_URL", JETSTREAM_URL)
}

func newClient(t *testing.T) cache.Cache {
	t.Helper()
	resetJetStreamSingleton()
	setJetStreamEnv()
	c, err := NewJetStreamCacheClient()
	require.NoError(t, err)
	return c
}

func TestNewJetStreamCacheClient(t *testing.T) {
	tests := []struct {
		name      string
		unsetEnv  string
		expectErr bool
	}{
		{"All env set succeeds", "", false},
		{"Missing JETSTREAM_URL fails", "JETSTREAM_URL", true},
		{"Missing BUCKET_NAME fails", "JETSTREAM_BUCKET_NAME", true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			resetJetStreamSingleton()
			setJetStreamEnv()
			if tt.unsetEnv != "" {
				os.Unsetenv(tt.unsetEnv)
			}
			c, err := NewJetStreamCacheClient()
			if tt.expectErr {
				require.Error(t, err)
				require.Nil(t, c)
				return
			}
			require.NoError(t, err)
			require.NoError(t, c.Ping(context.Background()))
		})
	}
}

func TestJetStreamCacheClient_StatusKeys(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	queued := model.Status{Status: model.JobQueued}
	require.NoError(t, c.Put(ctx, "job-a::status", queued, c.GetDefaultTTL()))

	var out model.Status
	require.NoError(t, c.Get(ctx, "job-a::status", &out))
	require.Equal(t, queued, out)

	done := model.Status{Status: model.JobSuccess, Result: "ok"}
	require.NoError(t, c.Put(ctx, "job-a::status", done, c.GetDefaultTTL()))
	require.NoError(t, c.Get(ctx, "job-a::status", &out))
	require.Equal(t, done, out)

	require.ErrorIs(t, c.Get(ctx, "job-none::status", &out), cache.ErrNotFound)
}

func TestJetStreamCacheClient_GetDel(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "job-b::status", model.Status{Status: model.JobErrored, Message: "boom"}, c.GetDefaultTTL()))

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var out model.Status
			if err := c.GetDel(ctx, "job-b::status", &out); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, winners)

	var out model.Status
	require.ErrorIs(t, c.Get(ctx, "job-b::status", &out), cache.ErrNotFound)
}

func TestJetStreamCacheClient_Delete(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "job-c::status", model.Status{Status: model.JobQueued}, c.GetDefaultTTL()))
	require.NoError(t, c.Delete(ctx, "job-c::status"))

	var out model.Status
	require.ErrorIs(t, c.Get(ctx, "job-c::status", &out), cache.ErrNotFound)
}
