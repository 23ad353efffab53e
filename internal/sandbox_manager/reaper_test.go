package sandbox_manager

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ssuji15/codemod-run/internal/config"
	statusservice "github.com/ssuji15/codemod-run/internal/service/status_service"
	"github.com/ssuji15/codemod-run/internal/testutil/fakes"
	"github.com/ssuji15/codemod-run/model"
)

func archivedJob(t *testing.T, created time.Time) *model.Job {
	t.Helper()
	id, err := uuid.NewV7()
	require.NoError(t, err)
	return &model.Job{ID: id, Engine: model.EngineAstGrep, Name: "n", CreationTime: &created}
}

func TestReap(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	archive := fakes.NewArchive()
	st := statusservice.NewStatusService(fakes.NewCache())

	r, err := NewReaper(&config.ReaperConfig{SCHEDULE: "@every 1m", STALE_AFTER: time.Hour}, archive, st)
	require.NoError(t, err)
	r.now = func() time.Time { return now }

	old := now.Add(-2 * time.Hour)
	queued := archivedJob(t, old)
	running := archivedJob(t, old)
	done := archivedJob(t, old)
	gone := archivedJob(t, old)
	fresh := archivedJob(t, now.Add(-time.Minute))
	require.NoError(t, archive.CreateJobs(ctx, []*model.Job{queued, running, done, gone, fresh}))

	for _, j := range []*model.Job{queued, running, done, fresh} {
		require.NoError(t, st.Write(ctx, j.ID.String(), model.Status{Status: model.JobQueued}))
	}
	require.NoError(t, st.Write(ctx, running.ID.String(), model.Status{Status: model.JobInProgress}))
	require.NoError(t, st.Write(ctx, done.ID.String(), model.Status{Status: model.JobInProgress}))
	require.NoError(t, st.Write(ctx, done.ID.String(), model.Status{Status: model.JobSuccess, Result: "ok"}))

	n, err := r.Reap(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, n)

	for _, j := range []*model.Job{queued, running} {
		s, err := st.Peek(ctx, j.ID.String())
		require.NoError(t, err)
		require.Equal(t, model.JobErrored, s.Status)
		require.Contains(t, s.Message, "abandoned")
		state, ok := archive.Finalized(j.ID.String())
		require.True(t, ok)
		require.Equal(t, model.JobErrored, state)
	}

	state, _ := archive.Finalized(done.ID.String())
	require.Equal(t, model.JobSuccess, state)
	s, err := st.Peek(ctx, done.ID.String())
	require.NoError(t, err)
	require.Equal(t, "ok", s.Result)

	// a consumed status is archived but never written back
	state, _ = archive.Finalized(gone.ID.String())
	require.Equal(t, model.JobNotFound, state)
	_, err = st.Peek(ctx, gone.ID.String())
	require.Error(t, err)

	_, ok := archive.Finalized(fresh.ID.String())
	require.False(t, ok)

	n, err = r.Reap(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestNewReaperRejectsBadSchedule(t *testing.T) {
	_, err := NewReaper(&config.ReaperConfig{SCHEDULE: "every now and then"}, fakes.NewArchive(), nil)
	require.Error(t, err)
}
