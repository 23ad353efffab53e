package component

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ssuji15/codemod-run/internal/config"
)

func TestUnknownBackendTypes(t *testing.T) {
	ctx := context.Background()

	_, err := GetCache(ctx, "memcached")
	require.Error(t, err)

	_, err = GetQueue("kafka")
	require.Error(t, err)

	_, err = GetStorage("s3")
	require.Error(t, err)

	_, err = GetArchive(ctx, "mysql")
	require.Error(t, err)

	_, err = GetWorkerManager(ctx, &config.RunnerConfig{WORKER_TYPE: "vm"}, nil)
	require.Error(t, err)
}

func TestOptionalBackendsDisabled(t *testing.T) {
	s, err := GetStorage(None)
	require.NoError(t, err)
	require.Nil(t, s)

	a, err := GetArchive(context.Background(), None)
	require.NoError(t, err)
	require.Nil(t, a)
}

func TestGetCacheFreecache(t *testing.T) {
	t.Setenv("FREECACHE_SIZE", "1048576")
	t.Setenv("FREECACHE_TTL", "60")

	c, err := GetCache(context.Background(), "freecache")
	require.NoError(t, err)
	require.NotNil(t, c)
	require.NoError(t, c.Ping(context.Background()))
}

func TestGetWorkerManagerProcess(t *testing.T) {
	wm, err := GetWorkerManager(context.Background(), &config.RunnerConfig{WORKER_TYPE: "process", SANDBOX_BINARY: "sh"}, nil)
	if err != nil {
		t.Skipf("sh not available: %v", err)
	}
	require.NotNil(t, wm)
}
