package jobservice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ssuji15/codemod-run/internal/queue"
	"github.com/ssuji15/codemod-run/internal/service/logger"
	"github.com/ssuji15/codemod-run/internal/util"
	"github.com/ssuji15/codemod-run/model"
)

const (
	persistBatchSize    = 10
	persistFetchTimeout = 250 * time.Millisecond
)

func (s *JobService) subscribe(consumer string) (queue.Subscription, error) {
	if err := s.queue.AddConsumer(queue.EventStream, consumer, queue.DefaultBackOff, queue.MaxDeliver); err != nil {
		return nil, fmt.Errorf("unable to add %s consumer: %w", consumer, err)
	}
	sub, err := s.queue.SubscribeEvent(queue.JobCreated, consumer)
	if err != nil {
		return nil, fmt.Errorf("unable to subscribe %s consumer: %w", consumer, err)
	}
	return sub, nil
}

// PersistJobs archives every admitted job in batches until ctx is done.
func (s *JobService) PersistJobs(ctx context.Context) error {
	if s.archive == nil {
		return fmt.Errorf("no job archive configured")
	}
	sub, err := s.subscribe(queue.JOB_DB_CONSUMER)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		msgs, err := sub.Fetch(persistBatchSize, persistFetchTimeout)
		if err != nil {
			if !errors.Is(err, queue.ErrNoMessages) {
				logger.Log.Error().Err(err).Msg("failed to fetch messages")
				time.Sleep(persistFetchTimeout)
			}
			continue
		}
		s.persistJobBatch(ctx, msgs)
	}
}

func (s *JobService) persistJobBatch(ctx context.Context, msgs []queue.QMsg) {
	jobs := make([]*model.Job, 0, len(msgs))
	valid := make([]queue.QMsg, 0, len(msgs))
	for _, msg := range msgs {
		id := string(msg.Data())
		j, err := s.Lookup(msg.Ctx(), id)
		if err != nil {
			logger.Log.Error().Err(err).Str("job_id", id).Msg("unable to retrieve job")
			_ = msg.Nak()
			continue
		}
		if j == nil {
			logger.Log.Warn().Str("job_id", id).Msg("job record expired before it was archived")
			_ = msg.Term()
			continue
		}
		jobs = append(jobs, j)
		valid = append(valid, msg)
	}

	if err := s.archive.CreateJobs(ctx, jobs); err != nil {
		logger.Log.Error().Err(err).Msg("failed to archive jobs")
		for _, msg := range valid {
			_ = msg.Nak()
		}
		return
	}
	for _, msg := range valid {
		_ = msg.Ack()
	}
}

// PersistCode uploads the source of every admitted codemod to object storage until ctx is done.
// Sources are stored by hash so identical codemods share one object.
func (s *JobService) PersistCode(ctx context.Context) error {
	if s.storage == nil {
		return fmt.Errorf("no object storage configured")
	}
	sub, err := s.subscribe(queue.JOB_CODE_CONSUMER)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		msgs, err := sub.Fetch(persistBatchSize, persistFetchTimeout)
		if err != nil {
			if !errors.Is(err, queue.ErrNoMessages) {
				logger.Log.Error().Err(err).Msg("failed to fetch messages")
				time.Sleep(persistFetchTimeout)
			}
			continue
		}
		wg := &sync.WaitGroup{}
		for _, msg := range msgs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.persistCode(ctx, msg)
			}()
		}
		wg.Wait()
	}
}

func (s *JobService) persistCode(ctx context.Context, msg queue.QMsg) {
	id := string(msg.Data())
	j, err := s.Lookup(msg.Ctx(), id)
	if err != nil {
		logger.Log.Error().Err(err).Str("job_id", id).Msg("unable to retrieve job")
		_ = msg.Nak()
		return
	}
	if j == nil {
		_ = msg.Term()
		return
	}
	var source string
	if err := s.cache.Get(ctx, util.GetCodeKey(j.SourceHash), &source); err != nil {
		logger.Log.Warn().Err(err).Str("job_id", id).Msg("codemod source expired before upload")
		_ = msg.Term()
		return
	}
	if err := s.storage.Upload(ctx, s.storage.GetJobsBucket(), util.GetCodePath(j.SourceHash), []byte(source)); err != nil {
		logger.Log.Error().Err(err).Str("job_id", id).Msg("unable to upload codemod source")
		_ = msg.Nak()
		return
	}
	_ = msg.Ack()
}
