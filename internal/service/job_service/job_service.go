package jobservice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ssuji15/codemod-run/internal/cache"
	"github.com/ssuji15/codemod-run/internal/custom_errors"
	"github.com/ssuji15/codemod-run/internal/db"
	"github.com/ssuji15/codemod-run/internal/job_tracer"
	"github.com/ssuji15/codemod-run/internal/queue"
	"github.com/ssuji15/codemod-run/internal/service/logger"
	statusservice "github.com/ssuji15/codemod-run/internal/service/status_service"
	"github.com/ssuji15/codemod-run/internal/storage"
	"github.com/ssuji15/codemod-run/internal/util"
	"github.com/ssuji15/codemod-run/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// JobService admits codemod runs and answers status and output reads.
// storage and archive are optional and may be nil.
type JobService struct {
	cache   cache.Cache
	status  *statusservice.StatusService
	queue   queue.Queue
	storage storage.Storage
	archive db.JobArchive
}

func NewJobService(c cache.Cache, q queue.Queue, s storage.Storage, a db.JobArchive) *JobService {
	return &JobService{
		cache:   c,
		status:  statusservice.NewStatusService(c),
		queue:   q,
		storage: s,
		archive: a,
	}
}

func (s *JobService) Status() *statusservice.StatusService {
	return s.status
}

// SubmitRun validates the request and enqueues one job per codemod. A codemod that fails to
// enqueue is left out of the result; the submission only fails as a whole when nothing was enqueued.
func (s *JobService) SubmitRun(ctx context.Context, userID string, req model.RunRequest) ([]model.SubmittedJob, error) {
	if userID == "" {
		return nil, custom_errors.ErrUnauthorized
	}
	if err := ValidateRunRequest(req); err != nil {
		return nil, err
	}
	if err := s.queue.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", custom_errors.ErrQueueUnavailable, err)
	}

	log := logger.FromContext(ctx)
	submitted := make([]model.SubmittedJob, 0, len(req.Codemods))
	var firstErr error
	for _, c := range req.Codemods {
		job, err := s.newJob(userID, c, req)
		if err != nil {
			return nil, err
		}
		if _, err := s.Enqueue(ctx, job, c.Source); err != nil {
			log.Error().Err(err).Str("job_id", job.ID.String()).Str("codemod", c.Name).Msg("failed to enqueue codemod")
			if firstErr == nil || errors.Is(err, custom_errors.ErrStoreUnavailable) {
				firstErr = err
			}
			continue
		}
		submitted = append(submitted, model.SubmittedJob{JobID: job.ID.String(), CodemodName: c.Name})
	}

	if len(submitted) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return submitted, nil
}

func (s *JobService) newJob(userID string, c model.CodemodRequest, req model.RunRequest) (*model.Job, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &model.Job{
		ID:              id,
		Engine:          c.Engine,
		Name:            c.Name,
		SourceHash:      util.HashSource([]byte(c.Source)),
		Args:            c.Args,
		RepoURL:         req.RepoURL,
		Branch:          req.Branch,
		UserID:          userID,
		Persistent:      req.Persistent,
		DisablePrettier: req.DisablePrettier,
		CreationTime:    &now,
	}, nil
}

// Enqueue stores the codemod source and job record, marks the job queued and publishes it.
// When publishing fails the queued status is removed again so no entry is left that no runner
// will ever finish.
func (s *JobService) Enqueue(ctx context.Context, job *model.Job, source string) (string, error) {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "JobService/Enqueue")
	defer span.End()
	span.SetAttributes(attribute.String("job_id", job.ID.String()))

	id := job.ID.String()
	ttl := s.cache.GetDefaultTTL()

	if err := s.cache.Put(ctx, util.GetCodeKey(job.SourceHash), source, ttl); err != nil {
		util.RecordSpanError(span, err)
		return "", fmt.Errorf("%w: %v", custom_errors.ErrStoreUnavailable, err)
	}
	if err := s.cache.Put(ctx, util.GetJobKey(id), job, ttl); err != nil {
		util.RecordSpanError(span, err)
		return "", fmt.Errorf("%w: %v", custom_errors.ErrStoreUnavailable, err)
	}
	if err := s.status.Write(ctx, id, model.Status{Status: model.JobQueued, Message: "Job queued", Persistent: job.Persistent}); err != nil {
		util.RecordSpanError(span, err)
		return "", err
	}

	qid, err := s.queue.PublishEvent(ctx, queue.JobCreated, id)
	if err != nil {
		util.RecordSpanError(span, err)
		if derr := s.status.Delete(ctx, id); derr != nil {
			logger.FromContext(ctx).Error().Err(derr).Str("job_id", id).Msg("failed to roll back queued status")
		}
		if !errors.Is(err, custom_errors.ErrQueueUnavailable) {
			err = fmt.Errorf("%w: %v", custom_errors.ErrQueueUnavailable, err)
		}
		return "", err
	}
	span.AddEvent("job.published", trace.WithAttributes(attribute.String("queue_id", qid)))
	return qid, nil
}

// Lookup returns the job record, or nil when the job is unknown.
func (s *JobService) Lookup(ctx context.Context, id string) (*model.Job, error) {
	if id == "" {
		return nil, nil
	}
	job := &model.Job{}
	err := s.cache.Get(ctx, util.GetJobKey(id), job)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", custom_errors.ErrStoreUnavailable, err)
	}
	if s.archive == nil {
		return nil, nil
	}

	job, err = s.archive.GetJobByID(ctx, id)
	if errors.Is(err, custom_errors.ErrJobNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve job %s from archive: %w", id, err)
	}

	if err := s.cache.Put(ctx, util.GetJobKey(id), job, s.cache.GetDefaultTTL()); err != nil {
		logger.Log.Error().Err(err).Str("job_id", id).Msg("unable to add job to cache")
	}
	return job, nil
}

// GetSource returns the codemod source of a job from the cache, falling back to object storage.
func (s *JobService) GetSource(ctx context.Context, job *model.Job) (string, error) {
	var source string
	err := s.cache.Get(ctx, util.GetCodeKey(job.SourceHash), &source)
	if err == nil {
		return source, nil
	}
	if s.storage == nil {
		return "", fmt.Errorf("codemod source %s is not available: %w", job.SourceHash, err)
	}
	raw, serr := s.storage.Download(ctx, s.storage.GetJobsBucket(), util.GetCodePath(job.SourceHash))
	if serr != nil {
		return "", fmt.Errorf("unable to retrieve codemod source from storage: %w", serr)
	}
	return string(raw), nil
}

func entry(id string, st *model.Status, err error) (model.StatusEntry, error) {
	if errors.Is(err, custom_errors.ErrJobNotFound) {
		return model.StatusEntry{JobID: id, Status: model.NotFoundStatus()}, nil
	}
	if err != nil {
		return model.StatusEntry{}, err
	}
	return model.StatusEntry{JobID: id, Status: *st}, nil
}

// GetStatus peeks every id. The result has one entry per id in request order.
func (s *JobService) GetStatus(ctx context.Context, ids []string) ([]model.StatusEntry, error) {
	out := make([]model.StatusEntry, 0, len(ids))
	for _, id := range ids {
		st, err := s.status.Peek(ctx, id)
		e, err := entry(id, st, err)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// GetOutput reads every id. Terminal results of non-persistent jobs are consumed by the read;
// persistent results stay in place. Every id is read before anything is consumed, so a store
// failure never discards results that were already taken.
func (s *JobService) GetOutput(ctx context.Context, ids []string) ([]model.StatusEntry, error) {
	peeked := make([]*model.Status, len(ids))
	for i, id := range ids {
		st, err := s.status.Peek(ctx, id)
		if err != nil && !errors.Is(err, custom_errors.ErrJobNotFound) {
			return nil, err
		}
		peeked[i] = st
	}

	out := make([]model.StatusEntry, 0, len(ids))
	for i, id := range ids {
		e, err := s.output(ctx, id, peeked[i])
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *JobService) output(ctx context.Context, id string, st *model.Status) (model.StatusEntry, error) {
	if st == nil {
		return entry(id, nil, custom_errors.ErrJobNotFound)
	}
	if st.Persistent || !st.Status.IsTerminal() {
		return entry(id, st, nil)
	}

	consumed, err := s.status.Consume(ctx, id)
	if err != nil && !errors.Is(err, custom_errors.ErrJobNotFound) {
		// the entry may still be in place; hand out what was read and let a later read consume it
		l := logger.FromContext(ctx)
		l.Error().Err(err).Str("job_id", id).Msg("failed to consume output")
		return entry(id, st, nil)
	}
	return entry(id, consumed, err)
}
