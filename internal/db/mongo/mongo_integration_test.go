//go:build integration
// +build integration

package mongo

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/ssuji15/codemod-run/internal/custom_errors"
	tmongo "github.com/ssuji15/codemod-run/internal/testutil/mongo"
	"github.com/ssuji15/codemod-run/model"
)

var (
	mongoContainer testcontainers.Container
	MONGO_URI      string
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	mongoContainer, MONGO_URI = tmongo.SetupContainer(ctx)
	code := m.Run()
	_ = mongoContainer.Terminate(ctx)
	os.Exit(code)
}

func newArchive(t *testing.T, database string) *JobArchive {
	t.Helper()
	os.Setenv("MONGO_URI", MONGO_URI)
	os.Setenv("MONGO_DATABASE", database)
	a, err := NewJobArchive(context.Background())
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a.(*JobArchive)
}

func newJob(created time.Time) *model.Job {
	id, _ := uuid.NewV7()
	return &model.Job{
		ID:           id,
		Engine:       model.EngineAstGrep,
		Name:         "no-console",
		SourceHash:   "abc",
		Args:         model.ArgumentRecord{"level": "warn"},
		RepoURL:      "git@github.com:acme/app.git",
		Branch:       "main",
		UserID:       "user-1",
		CreationTime: &created,
	}
}

func TestNewJobArchive_MissingURI(t *testing.T) {
	os.Unsetenv("MONGO_URI")
	a, err := NewJobArchive(context.Background())
	require.Error(t, err)
	require.Nil(t, a)
}

func TestJobArchive_CreateAndGet(t *testing.T) {
	a := newArchive(t, "create_get")
	ctx := context.Background()

	job := newJob(time.Now().UTC())
	require.NoError(t, a.CreateJobs(ctx, []*model.Job{job}))
	// replays are ignored
	require.NoError(t, a.CreateJobs(ctx, []*model.Job{job}))

	got, err := a.GetJobByID(ctx, job.ID.String())
	require.NoError(t, err)
	require.Equal(t, job.ID, got.ID)
	require.Equal(t, job.Engine, got.Engine)
	require.Equal(t, "warn", got.Args["level"])

	n, err := a.collection.CountDocuments(ctx, map[string]any{})
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	_, err = a.GetJobByID(ctx, uuid.NewString())
	require.ErrorIs(t, err, custom_errors.ErrJobNotFound)
}

func TestJobArchive_ListUnfinished_And_MarkFinalized(t *testing.T) {
	a := newArchive(t, "unfinished")
	ctx := context.Background()

	stale := newJob(time.Now().UTC().Add(-2 * time.Hour))
	fresh := newJob(time.Now().UTC())
	require.NoError(t, a.CreateJobs(ctx, []*model.Job{stale, fresh}))

	list, err := a.ListUnfinished(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, stale.ID, list[0].ID)

	require.NoError(t, a.MarkFinalized(ctx, stale.ID.String(), model.JobErrored))

	list, err = a.ListUnfinished(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, list)
}
