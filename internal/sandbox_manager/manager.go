package sandbox_manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ssuji15/codemod-run/internal/config"
	"github.com/ssuji15/codemod-run/internal/job_tracer"
	"github.com/ssuji15/codemod-run/internal/queue"
	"github.com/ssuji15/codemod-run/internal/repo"
	"github.com/ssuji15/codemod-run/internal/sandbox_manager/worker"
	jobservice "github.com/ssuji15/codemod-run/internal/service/job_service"
	"github.com/ssuji15/codemod-run/internal/service/logger"
	statusservice "github.com/ssuji15/codemod-run/internal/service/status_service"
	"github.com/ssuji15/codemod-run/internal/storage"
	"github.com/ssuji15/codemod-run/internal/util"
)

const fetchTimeout = 5 * time.Second

// SandboxManager pulls jobs off the WORKER consumer and runs each one in a fresh sandbox
// worker taken from a pre-launched pool.
type SandboxManager struct {
	ctx           context.Context
	workers       chan *worker.WorkerMetadata
	dworkers      chan *worker.WorkerMetadata
	manager       worker.WorkerManager
	qClient       queue.Queue
	storageClient storage.Storage
	jobService    *jobservice.JobService
	status        *statusservice.StatusService
	cloner        repo.Cloner
	wg            *sync.WaitGroup
	cfg           *config.RunnerConfig
	heartbeat     time.Duration

	queueLatency metric.Float64Histogram
	runLatency   metric.Float64Histogram
}

func NewSandboxManager(ctx context.Context, cfg *config.RunnerConfig, wm worker.WorkerManager, cloner repo.Cloner, q queue.Queue, s storage.Storage, js *jobservice.JobService) (*SandboxManager, error) {
	if cfg.MAX_WORKER <= 0 {
		return nil, fmt.Errorf("max worker must be greater than 0")
	}
	if err := util.EnsureDirExist(cfg.WORK_DIR); err != nil {
		return nil, err
	}

	meter := job_tracer.GetMeter("sandboxmanager")
	ql, err := meter.Float64Histogram("job_queue_duration_seconds")
	if err != nil {
		return nil, err
	}
	rl, err := meter.Float64Histogram("job_run_duration_seconds")
	if err != nil {
		return nil, err
	}

	m := &SandboxManager{
		ctx:           ctx,
		workers:       make(chan *worker.WorkerMetadata, cfg.MAX_WORKER),
		dworkers:      make(chan *worker.WorkerMetadata, cfg.MAX_WORKER),
		manager:       wm,
		qClient:       q,
		storageClient: s,
		jobService:    js,
		status:        js.Status(),
		cloner:        cloner,
		wg:            &sync.WaitGroup{},
		cfg:           cfg,
		heartbeat:     10 * time.Second,
		queueLatency:  ql,
		runLatency:    rl,
	}
	return m, nil
}

// Start fills the worker pool and begins consuming jobs. It returns once the consumers are
// subscribed; work continues until the manager's context is cancelled.
func (m *SandboxManager) Start() error {
	sub, err := m.qClient.SubscribeEvent(queue.JobCreated, queue.WORKER_CONSUMER)
	if err != nil {
		return fmt.Errorf("unable to subscribe to job events: %w", err)
	}
	dlq, err := m.qClient.SubscribeEvent(queue.DeadLetterQueue, queue.DLQ_CONSUMER)
	if err != nil {
		return fmt.Errorf("unable to subscribe to dead letters: %w", err)
	}

	for i := 0; i < m.cfg.MAX_WORKER; i++ {
		if _, err := m.LaunchWorker(); err != nil {
			logger.Log.Error().Err(err).Msg("worker creation error")
		}
	}
	m.wg.Add(3)
	go m.shutdownWorkerJob()
	go m.processJobs(sub)
	go m.auditDeadLetters(dlq)
	return nil
}

func (m *SandboxManager) LaunchWorker() (*worker.WorkerMetadata, error) {
	if err := m.ctx.Err(); err != nil {
		return nil, err
	}

	nw, err := worker.NewWorker(m.manager, m.cfg.WORK_DIR)
	if err != nil {
		return nil, err
	}

	_, span := job_tracer.GetTracer().Start(m.ctx, "LaunchWorker")
	defer span.End()

	if err := nw.Launch(m.ctx); err != nil {
		err = fmt.Errorf("worker launch failed: %w", err)
		util.RecordSpanError(span, err)
		m.cleanWorkerSpace(nw)
		return nil, err
	}
	span.AddEvent("worker.launched", trace.WithAttributes(attribute.String("worker_id", nw.ID)))

	nw.Status = worker.WorkerStateReady
	m.AddWorkerToPool(nw)
	return nw, nil
}

func (m *SandboxManager) AddWorkerToPool(w *worker.WorkerMetadata) {
	m.workers <- w
}

func (m *SandboxManager) getIdleWorker(ctx context.Context) (*worker.WorkerMetadata, error) {
	for {
		var w *worker.WorkerMetadata
		select {
		case w = <-m.workers:
		case <-ctx.Done():
			return nil, fmt.Errorf("unable to retrieve worker, ctx closed")
		}

		ok, err := w.Validate(ctx)
		if ok {
			return w, nil
		}
		logger.Log.Warn().Err(err).Str("worker", w.Name).Msg("discarding unhealthy worker")
		m.shutdownWorker(w)
	}
}

func (m *SandboxManager) shutdownWorkerJob() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case w := <-m.dworkers:
			m.deleteWorker(w)
		}
	}
}

// shutdownWorker retires a used worker and launches its replacement.
// The replacement goroutine is counted in wg so Wait covers it.
func (m *SandboxManager) shutdownWorker(w *worker.WorkerMetadata) {
	m.dworkers <- w
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for i := 0; i < 3; i++ {
			if m.ctx.Err() != nil {
				return
			}
			if _, err := m.LaunchWorker(); err != nil {
				logger.Log.Error().Err(err).Msg("failed to relaunch new worker..")
				time.Sleep(time.Duration(i+1) * 500 * time.Millisecond)
				continue
			}
			return
		}
	}()
}

func (m *SandboxManager) deleteWorker(w *worker.WorkerMetadata) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Destroy(ctx); err != nil {
		logger.Log.Error().Err(err).Str("worker", w.Name).Msg("could not delete worker")
	}
	m.cleanWorkerSpace(w)
}

func (m *SandboxManager) cleanWorkerSpace(w *worker.WorkerMetadata) {
	if err := os.RemoveAll(w.Workspace.WorkDir); err != nil {
		logger.Log.Error().Err(err).Str("worker", w.Name).Msg("could not remove workspace")
	}
}

// ShutdownAllWorkers destroys every pooled and retiring worker.
func (m *SandboxManager) ShutdownAllWorkers(ctx context.Context) {
	for {
		select {
		case w := <-m.workers:
			m.deleteWorker(w)
		case w := <-m.dworkers:
			m.deleteWorker(w)
		case <-ctx.Done():
			return
		default:
			return
		}
	}
}

func (m *SandboxManager) processJobs(sub queue.Subscription) {
	defer m.wg.Done()
	for {
		if m.ctx.Err() != nil {
			return
		}
		w, err := m.getIdleWorker(m.ctx)
		if err != nil {
			continue
		}
		msgs, err := sub.Fetch(1, fetchTimeout)
		if err != nil {
			m.AddWorkerToPool(w)
			if !errors.Is(err, queue.ErrNoMessages) {
				logger.Log.Error().Err(err).Msg("fetch failed")
				time.Sleep(time.Second)
			}
			continue
		}

		m.wg.Add(1)
		go m.handleDelivery(msgs[0], w)
	}
}

func (m *SandboxManager) auditDeadLetters(sub queue.Subscription) {
	defer m.wg.Done()
	for m.ctx.Err() == nil {
		msgs, err := sub.Fetch(10, fetchTimeout)
		if err != nil {
			if !errors.Is(err, queue.ErrNoMessages) {
				time.Sleep(time.Second)
			}
			continue
		}
		for _, msg := range msgs {
			logger.Log.Warn().Str("job_id", string(msg.Data())).Int("deliveries", msg.RetryCount()).Msg("job dead-lettered")
			_ = msg.Ack()
		}
	}
}

func (m *SandboxManager) Wait() {
	m.wg.Wait()
}
