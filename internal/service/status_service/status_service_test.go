package statusservice

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssuji15/codemod-run/internal/custom_errors"
	"github.com/ssuji15/codemod-run/internal/testutil/fakes"
	"github.com/ssuji15/codemod-run/model"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to model.JobState
		want     bool
	}{
		{"", model.JobQueued, true},
		{"", model.JobInProgress, false},
		{"", model.JobSuccess, false},
		{model.JobQueued, model.JobInProgress, true},
		{model.JobQueued, model.JobErrored, true},
		{model.JobQueued, model.JobSuccess, false},
		{model.JobQueued, model.JobQueued, false},
		{model.JobInProgress, model.JobInProgress, true},
		{model.JobInProgress, model.JobSuccess, true},
		{model.JobInProgress, model.JobErrored, true},
		{model.JobInProgress, model.JobQueued, false},
		{model.JobSuccess, model.JobErrored, false},
		{model.JobSuccess, model.JobSuccess, false},
		{model.JobErrored, model.JobInProgress, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%q -> %q", tt.from, tt.to)
	}
}

func TestWriteIsMonotonic(t *testing.T) {
	ctx := context.Background()
	s := NewStatusService(fakes.NewCache())

	require.NoError(t, s.Write(ctx, "a", model.Status{Status: model.JobQueued, Message: "queued"}))
	st, err := s.Peek(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, model.JobQueued, st.Status)

	require.NoError(t, s.Write(ctx, "a", model.Status{Status: model.JobInProgress, Message: "cloning"}))
	require.NoError(t, s.Write(ctx, "a", model.Status{Status: model.JobInProgress, Message: "1/2 files"}))
	require.NoError(t, s.Write(ctx, "a", model.Status{Status: model.JobSuccess, Result: "out"}))

	err = s.Write(ctx, "a", model.Status{Status: model.JobErrored, Message: "late"})
	require.ErrorIs(t, err, custom_errors.ErrInvalidTransition)
	err = s.Write(ctx, "a", model.Status{Status: model.JobQueued})
	require.ErrorIs(t, err, custom_errors.ErrInvalidTransition)

	st, err = s.Peek(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, model.JobSuccess, st.Status)
	require.Equal(t, "out", st.Result)
}

func TestWriteKeepsPersistentFlag(t *testing.T) {
	ctx := context.Background()
	s := NewStatusService(fakes.NewCache())

	require.NoError(t, s.Write(ctx, "p", model.Status{Status: model.JobQueued, Persistent: true}))
	require.NoError(t, s.Write(ctx, "p", model.Status{Status: model.JobInProgress, Message: "Job started"}))
	require.NoError(t, s.Write(ctx, "p", model.Status{Status: model.JobSuccess, Result: "out"}))

	st, err := s.Peek(ctx, "p")
	require.NoError(t, err)
	require.True(t, st.Persistent)
	require.Equal(t, "out", st.Result)
}

func TestPeekLeavesEntry(t *testing.T) {
	ctx := context.Background()
	s := NewStatusService(fakes.NewCache())

	_, err := s.Peek(ctx, "missing")
	require.ErrorIs(t, err, custom_errors.ErrJobNotFound)

	require.NoError(t, s.Write(ctx, "p", model.Status{Status: model.JobQueued}))
	for i := 0; i < 5; i++ {
		st, err := s.Peek(ctx, "p")
		require.NoError(t, err)
		require.Equal(t, model.JobQueued, st.Status)
	}
}

func TestConsumeOnce(t *testing.T) {
	ctx := context.Background()
	s := NewStatusService(fakes.NewCache())

	require.NoError(t, s.Write(ctx, "c", model.Status{Status: model.JobQueued}))
	require.NoError(t, s.Write(ctx, "c", model.Status{Status: model.JobInProgress}))
	require.NoError(t, s.Write(ctx, "c", model.Status{Status: model.JobErrored, Message: "clone failed"}))

	st, err := s.Consume(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, model.JobErrored, st.Status)
	require.Equal(t, "clone failed", st.Message)

	_, err = s.Consume(ctx, "c")
	require.ErrorIs(t, err, custom_errors.ErrJobNotFound)
	_, err = s.Peek(ctx, "c")
	require.ErrorIs(t, err, custom_errors.ErrJobNotFound)
}

func TestConcurrentConsumeHasSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := NewStatusService(fakes.NewCache())
	require.NoError(t, s.Write(ctx, "race", model.Status{Status: model.JobQueued}))

	const pollers = 32
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < pollers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Consume(ctx, "race"); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, winners)
}

func TestStoreFailuresAreUnavailable(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("connection refused")

	c := fakes.NewCache()
	s := NewStatusService(c)
	require.NoError(t, s.Write(ctx, "x", model.Status{Status: model.JobQueued}))

	c.GetErr = boom
	_, err := s.Peek(ctx, "x")
	require.ErrorIs(t, err, custom_errors.ErrStoreUnavailable)
	err = s.Write(ctx, "x", model.Status{Status: model.JobInProgress})
	require.ErrorIs(t, err, custom_errors.ErrStoreUnavailable)

	c.GetErr = nil
	c.PutErr = boom
	err = s.Write(ctx, "x", model.Status{Status: model.JobInProgress})
	require.ErrorIs(t, err, custom_errors.ErrStoreUnavailable)

	c.GetDelErr = boom
	_, err = s.Consume(ctx, "x")
	require.ErrorIs(t, err, custom_errors.ErrStoreUnavailable)

	c.DeleteErr = boom
	require.ErrorIs(t, s.Delete(ctx, "x"), custom_errors.ErrStoreUnavailable)
}

func TestDeleteRollsBack(t *testing.T) {
	ctx := context.Background()
	s := NewStatusService(fakes.NewCache())

	require.NoError(t, s.Write(ctx, "r", model.Status{Status: model.JobQueued}))
	require.NoError(t, s.Delete(ctx, "r"))
	_, err := s.Peek(ctx, "r")
	require.ErrorIs(t, err, custom_errors.ErrJobNotFound)
	require.NoError(t, s.Delete(ctx, "r"))
}
