package sandbox_manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ssuji15/codemod-run/internal/custom_errors"
	"github.com/ssuji15/codemod-run/internal/job_tracer"
	"github.com/ssuji15/codemod-run/internal/protocol"
	"github.com/ssuji15/codemod-run/internal/queue"
	"github.com/ssuji15/codemod-run/internal/repo"
	"github.com/ssuji15/codemod-run/internal/sandbox_manager/worker"
	"github.com/ssuji15/codemod-run/internal/service/logger"
	"github.com/ssuji15/codemod-run/internal/util"
	"github.com/ssuji15/codemod-run/model"
)

const progressEvery = 50

// jobFailure ends a job as errored. Every other error from runJob is retried.
type jobFailure struct {
	message string
}

func (f *jobFailure) Error() string {
	return f.message
}

func fail(format string, args ...any) error {
	return &jobFailure{message: fmt.Sprintf(format, args...)}
}

func (m *SandboxManager) handleDelivery(msg queue.QMsg, w *worker.WorkerMetadata) {
	defer m.wg.Done()

	ctx, span := job_tracer.GetTracer().Start(msg.Ctx(), "ProcessJob")
	defer span.End()

	id := string(msg.Data())
	span.SetAttributes(attribute.String("job_id", id), attribute.Int("delivery", msg.RetryCount()))
	m.queueLatency.Record(ctx, time.Since(msg.PublishedAt()).Seconds())
	log := logger.Log.With().Str("job_id", id).Logger()

	err := m.runJob(ctx, id, msg, w)

	if w.Status == worker.WorkerStateRunning {
		m.shutdownWorker(w)
	} else {
		m.AddWorkerToPool(w)
	}

	if err == nil {
		_ = msg.Ack()
		return
	}
	util.RecordSpanError(span, err)

	retry := msg.RetryCount()
	if retry < queue.MaxDeliver {
		log.Error().Err(err).Int("delivery", retry).Msg("failed to execute job, retrying")
		_ = msg.NakWithDelay(backoff(retry))
		return
	}

	log.Error().Err(err).Msg("max delivery reached for job, sending job to DLQ")
	// a fresh context so shutdown does not prevent recording the outcome
	fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if werr := m.writeErrored(fctx, id, fmt.Sprintf("Job failed after %d attempts: %v", retry, err)); werr != nil {
		log.Error().Err(werr).Msg("failed to record errored status")
	}
	if _, perr := m.qClient.PublishEvent(fctx, queue.DeadLetterQueue, id); perr != nil {
		log.Error().Err(perr).Msg("failed to publish dead letter")
	}
	_ = msg.Term()
}

func backoff(delivery int) time.Duration {
	i := delivery - 1
	if i < 0 {
		i = 0
	}
	if i >= len(queue.DefaultBackOff) {
		i = len(queue.DefaultBackOff) - 1
	}
	return queue.DefaultBackOff[i]
}

// writeErrored is a no-op for jobs that are already terminal or whose status is gone.
func (m *SandboxManager) writeErrored(ctx context.Context, id, message string) error {
	err := m.status.Write(ctx, id, model.Status{Status: model.JobErrored, Message: message})
	if errors.Is(err, custom_errors.ErrInvalidTransition) {
		return nil
	}
	return err
}

// runJob drives one delivery. A nil return acknowledges it.
func (m *SandboxManager) runJob(ctx context.Context, id string, msg queue.QMsg, w *worker.WorkerMetadata) error {
	log := logger.Log.With().Str("job_id", id).Logger()

	st, err := m.status.Peek(ctx, id)
	if errors.Is(err, custom_errors.ErrJobNotFound) {
		log.Info().Msg("status already consumed or expired, skipping job")
		return nil
	}
	if err != nil {
		return err
	}
	if st.Status.IsTerminal() {
		log.Info().Str("status", string(st.Status)).Msg("job already finished, skipping")
		return nil
	}

	job, err := m.jobService.Lookup(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return m.writeErrored(ctx, id, "Job record not found")
	}

	if err := m.status.Write(ctx, id, model.Status{Status: model.JobInProgress, Message: "Job started"}); err != nil {
		if errors.Is(err, custom_errors.ErrInvalidTransition) {
			return nil
		}
		return err
	}

	start := time.Now()
	result, err := m.dispatchJob(ctx, job, w, msg)
	m.runLatency.Record(ctx, time.Since(start).Seconds(), metricEngine(job.Engine))

	var jf *jobFailure
	if errors.As(err, &jf) {
		log.Warn().Str("reason", jf.message).Msg("job errored")
		return m.writeErrored(ctx, id, jf.message)
	}
	if err != nil {
		return err
	}
	if err := m.status.Write(ctx, id, *result); err != nil && !errors.Is(err, custom_errors.ErrInvalidTransition) {
		return err
	}
	log.Info().Msg("job processed successfully")
	return nil
}

// dispatchJob runs the job in w and returns the success status to record.
func (m *SandboxManager) dispatchJob(ctx context.Context, j *model.Job, w *worker.WorkerMetadata, msg queue.QMsg) (*model.Status, error) {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "DispatchJob")
	defer span.End()
	span.SetAttributes(attribute.String("worker", w.Name), attribute.String("engine", string(j.Engine)))

	id := j.ID.String()
	source, err := m.jobService.GetSource(ctx, j)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}

	jctx, cancel := context.WithTimeout(ctx, m.cfg.JOB_TIMEOUT)
	defer cancel()
	stop := m.keepAlive(jctx, msg)
	defer stop()

	w.Status = worker.WorkerStateRunning
	w.JobID = id

	repoDir := filepath.Join(w.Workspace.WorkDir, "repo")
	_, cspan := tracer.Start(jctx, "CloneRepository")
	err = m.cloner.Clone(jctx, j.RepoURL, j.Branch, repoDir)
	cspan.End()
	if err != nil {
		if e := m.interrupted(ctx, jctx); e != nil {
			return nil, e
		}
		return nil, fail("Repository unreachable: %v", err)
	}

	// the sandbox runs inside the workspace, so the codemod path is relative to it
	codemodPath := codemodFileName(j.Engine)
	if err := os.WriteFile(filepath.Join(w.Workspace.WorkDir, codemodPath), []byte(source), 0o644); err != nil {
		return nil, fmt.Errorf("write codemod source: %w", err)
	}

	reply, err := m.exchange(jctx, ctx, w, protocol.Initialization(codemodPath, source, j.Engine, j.DisablePrettier, j.Args))
	if err != nil {
		return nil, err
	}
	if reply.Kind == protocol.KindFatal {
		return nil, fail("Codemod initialization failed: %s", reply.Message)
	}
	if reply.Kind != protocol.KindInitialized {
		return nil, fail("Unexpected reply to initialization: %s", reply.Kind)
	}

	var outcomes []model.FileOutcome
	contents := map[string]string{}
	err = repo.Walk(repoDir, repo.DefaultExtensions, m.cfg.MAX_FILES, func(rel string) error {
		data, err := os.ReadFile(filepath.Join(repoDir, filepath.FromSlash(rel)))
		if err != nil {
			outcomes = append(outcomes, model.FileOutcome{Path: rel, Error: err.Error()})
			return nil
		}
		reply, err := m.exchange(jctx, ctx, w, protocol.RunCodemod(rel, string(data)))
		if err != nil {
			return err
		}
		switch reply.Kind {
		case protocol.KindCodemodResult:
		case protocol.KindFatal:
			return fail("Worker rejected %s: %s", rel, reply.Message)
		default:
			return fail("Unexpected reply for %s: %s", rel, reply.Kind)
		}

		o := model.FileOutcome{Path: rel, Modified: reply.Modified, Error: reply.Error}
		if o.Modified {
			contents[rel] = reply.Data
		}
		outcomes = append(outcomes, o)
		if len(outcomes)%progressEvery == 0 {
			m.progress(jctx, id, fmt.Sprintf("Processed %d files", len(outcomes)))
		}
		return nil
	})
	if errors.Is(err, repo.ErrTooManyFiles) {
		return nil, fail("Repository has too many files: %v", err)
	}
	if err != nil {
		return nil, err
	}

	if err := w.Raven.Send(jctx, protocol.Exit()); err != nil {
		logger.Log.Warn().Err(err).Str("job_id", id).Msg("failed to send exit")
	}

	if err := m.uploadOutputs(ctx, id, outcomes, contents); err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	return aggregate(outcomes, contents), nil
}

// exchange sends one message and waits for its reply. A dead worker or a blown job
// deadline fails the job; cancellation of the parent context is retried.
func (m *SandboxManager) exchange(jctx, ctx context.Context, w *worker.WorkerMetadata, msg *protocol.Message) (*protocol.Message, error) {
	err := w.Raven.Send(jctx, msg)
	var reply *protocol.Message
	if err == nil {
		reply, err = w.Raven.Receive(jctx)
	}
	if err == nil {
		return reply, nil
	}
	if e := m.interrupted(ctx, jctx); e != nil {
		return nil, e
	}
	if errors.Is(err, protocol.ErrMalformed) {
		return nil, fail("Worker sent a malformed reply: %v", err)
	}
	return nil, fail("Worker process exited unexpectedly: %v", err)
}

// interrupted tells a blown job deadline, which fails the job, from shutdown, which is retried.
func (m *SandboxManager) interrupted(ctx, jctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if errors.Is(jctx.Err(), context.DeadlineExceeded) {
		return fail("Job exceeded deadline of %s", m.cfg.JOB_TIMEOUT)
	}
	return nil
}

func (m *SandboxManager) progress(ctx context.Context, id, message string) {
	err := m.status.Write(ctx, id, model.Status{Status: model.JobInProgress, Message: message})
	if err != nil {
		logger.Log.Warn().Err(err).Str("job_id", id).Msg("failed to write progress")
	}
}

// keepAlive extends the ack deadline of msg until stop is called.
func (m *SandboxManager) keepAlive(ctx context.Context, msg queue.QMsg) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		t := time.NewTicker(m.heartbeat)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				_ = msg.InProgress()
			}
		}
	}()
	return cancel
}

func (m *SandboxManager) uploadOutputs(ctx context.Context, id string, outcomes []model.FileOutcome, contents map[string]string) error {
	if m.storageClient == nil || len(contents) == 0 {
		return nil
	}
	ctx, span := job_tracer.GetTracer().Start(ctx, "UploadOutput")
	defer span.End()

	for i := range outcomes {
		o := &outcomes[i]
		data, ok := contents[o.Path]
		if !ok {
			continue
		}
		objectPath := util.GetOutputPath(id, o.Path)
		if err := m.storageClient.Upload(ctx, m.storageClient.GetJobsBucket(), objectPath, []byte(data)); err != nil {
			util.RecordSpanError(span, err)
			return fmt.Errorf("failed to upload output %s: %w", o.Path, err)
		}
		o.ObjectPath = objectPath
	}
	return nil
}

// aggregate builds the success status. A single modified file is returned whole, anything
// else is summarised.
func aggregate(outcomes []model.FileOutcome, contents map[string]string) *model.Status {
	modified, failed := 0, 0
	var only string
	for _, o := range outcomes {
		if o.Error != "" {
			failed++
		}
		if o.Modified {
			modified++
			only = contents[o.Path]
		}
	}

	result := fmt.Sprintf("modified %d of %d files (%d failed)", modified, len(outcomes), failed)
	if modified == 1 {
		result = only
	}
	return &model.Status{Status: model.JobSuccess, Result: result, Files: outcomes}
}

func metricEngine(e model.Engine) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("engine", string(e)))
}

func codemodFileName(e model.Engine) string {
	switch e {
	case model.EngineAstGrep:
		return "codemod.yml"
	case model.EngineTSMorph:
		return "codemod.ts"
	default:
		return "codemod.js"
	}
}
