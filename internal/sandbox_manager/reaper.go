package sandbox_manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ssuji15/codemod-run/internal/config"
	"github.com/ssuji15/codemod-run/internal/custom_errors"
	"github.com/ssuji15/codemod-run/internal/db"
	"github.com/ssuji15/codemod-run/internal/service/logger"
	statusservice "github.com/ssuji15/codemod-run/internal/service/status_service"
	"github.com/ssuji15/codemod-run/model"
)

const reapBatch = 100

// Reaper finalizes archived jobs that are older than the stale threshold. Jobs still
// queued or in progress by then are marked errored so no client polls forever.
type Reaper struct {
	cron       *cron.Cron
	archive    db.JobArchive
	status     *statusservice.StatusService
	staleAfter time.Duration
	now        func() time.Time
}

func NewReaper(cfg *config.ReaperConfig, a db.JobArchive, st *statusservice.StatusService) (*Reaper, error) {
	r := &Reaper{
		cron:       cron.New(),
		archive:    a,
		status:     st,
		staleAfter: cfg.STALE_AFTER,
		now:        time.Now,
	}
	if _, err := r.cron.AddFunc(cfg.SCHEDULE, r.run); err != nil {
		return nil, fmt.Errorf("invalid reaper schedule %q: %w", cfg.SCHEDULE, err)
	}
	return r, nil
}

func (r *Reaper) Start() {
	r.cron.Start()
}

// Stop prevents new runs and returns a context that is done once a running reap finishes.
func (r *Reaper) Stop() context.Context {
	return r.cron.Stop()
}

func (r *Reaper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	n, err := r.Reap(ctx)
	if err != nil {
		logger.Log.Error().Err(err).Msg("reaper run failed")
		return
	}
	if n > 0 {
		logger.Log.Info().Int("jobs", n).Msg("reaped stale jobs")
	}
}

// Reap finalizes one batch of stale jobs and returns how many were finalized.
func (r *Reaper) Reap(ctx context.Context) (int, error) {
	jobs, err := r.archive.ListUnfinished(ctx, r.now().Add(-r.staleAfter), reapBatch)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, j := range jobs {
		id := j.ID.String()
		state, err := r.finalState(ctx, id)
		if err != nil {
			logger.Log.Error().Err(err).Str("job_id", id).Msg("unable to reap job")
			continue
		}
		if err := r.archive.MarkFinalized(ctx, id, state); err != nil {
			logger.Log.Error().Err(err).Str("job_id", id).Msg("unable to finalize job")
			continue
		}
		n++
	}
	return n, nil
}

// finalState resolves the state to archive. A missing status was consumed or expired and
// is archived as not found without writing anything back.
func (r *Reaper) finalState(ctx context.Context, id string) (model.JobState, error) {
	st, err := r.status.Peek(ctx, id)
	if errors.Is(err, custom_errors.ErrJobNotFound) {
		return model.JobNotFound, nil
	}
	if err != nil {
		return "", err
	}
	if st.Status.IsTerminal() {
		return st.Status, nil
	}

	msg := fmt.Sprintf("Job abandoned: no result after %s", r.staleAfter)
	err = r.status.Write(ctx, id, model.Status{Status: model.JobErrored, Message: msg})
	if errors.Is(err, custom_errors.ErrInvalidTransition) {
		// finished between the peek and the write
		return r.finalState(ctx, id)
	}
	if err != nil {
		return "", err
	}
	return model.JobErrored, nil
}
