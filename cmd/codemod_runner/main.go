package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ssuji15/codemod-run/internal/component"
	"github.com/ssuji15/codemod-run/internal/config"
	"github.com/ssuji15/codemod-run/internal/job_tracer"
	"github.com/ssuji15/codemod-run/internal/repo"
	"github.com/ssuji15/codemod-run/internal/sandbox_manager"
	jobservice "github.com/ssuji15/codemod-run/internal/service/job_service"
	"github.com/ssuji15/codemod-run/internal/service/logger"
)

func main() {
	_ = godotenv.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.GetConfig()
	if err != nil {
		log.Fatalf("Initialization error: %v", err)
	}
	rcfg, err := config.GetRunnerConfig()
	if err != nil {
		log.Fatalf("Initialization error: %v", err)
	}
	logger.Init(cfg.SERVICE_NAME)

	if cfg.TRACE_URL != "" {
		tp, err := job_tracer.InitTracer(ctx, cfg.SERVICE_NAME, cfg.TRACE_URL)
		if err != nil {
			log.Fatalf("error initialising trace: %v", err)
		}
		defer tp.Shutdown(context.Background())
	}

	cache, err := component.GetCache(ctx, cfg.CACHE_TYPE)
	if err != nil {
		log.Fatalf("cache initialization error: %v", err)
	}
	queue, err := component.GetQueue(cfg.QUEUE_TYPE)
	if err != nil {
		log.Fatalf("queue initialization error: %v", err)
	}
	storage, err := component.GetStorage(cfg.STORAGE_TYPE)
	if err != nil {
		log.Fatalf("storage initialization error: %v", err)
	}
	archive, err := component.GetArchive(ctx, cfg.ARCHIVE_TYPE)
	if err != nil {
		log.Fatalf("archive initialization error: %v", err)
	}

	wm, err := component.GetWorkerManager(ctx, rcfg, []string{"SERVICE_NAME=" + cfg.SERVICE_NAME + "_sandbox"})
	if err != nil {
		log.Fatalf("sandbox initialization error: %v", err)
	}

	js := jobservice.NewJobService(cache, queue, storage, archive)
	m, err := sandbox_manager.NewSandboxManager(ctx, rcfg, wm, repo.NewGitCloner(rcfg.GIT_BINARY), queue, storage, js)
	if err != nil {
		log.Fatalf("error initialising sandbox manager: %v", err)
	}
	if err := m.Start(); err != nil {
		log.Fatalf("error starting sandbox manager: %v", err)
	}

	var reaper *sandbox_manager.Reaper
	if archive != nil {
		recfg, err := config.GetReaperConfig()
		if err != nil {
			log.Fatalf("Initialization error: %v", err)
		}
		reaper, err = sandbox_manager.NewReaper(recfg, archive, js.Status())
		if err != nil {
			log.Fatalf("reaper initialization error: %v", err)
		}
		reaper.Start()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	logger.Log.Info().Msg("trying to shut down runner gracefully..")
	cancel()
	if reaper != nil {
		<-reaper.Stop().Done()
	}
	m.Wait()

	sctx, scancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer scancel()
	m.ShutdownAllWorkers(sctx)

	var wg sync.WaitGroup
	shutdown := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(sctx)
		}()
	}
	shutdown(cache.ShutDown)
	shutdown(queue.ShutDown)
	if storage != nil {
		shutdown(storage.ShutDown)
	}
	if archive != nil {
		shutdown(func(context.Context) { archive.Close() })
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Log.Info().Msg("runner shutdown gracefully.")
	case <-sctx.Done():
		logger.Log.Info().Msg("runner graceful shutdown timedout..")
	}
}
