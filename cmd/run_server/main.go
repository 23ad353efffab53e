package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ssuji15/codemod-run/internal/component"
	"github.com/ssuji15/codemod-run/internal/config"
	"github.com/ssuji15/codemod-run/internal/job_tracer"
	authservice "github.com/ssuji15/codemod-run/internal/service/auth_service"
	jobservice "github.com/ssuji15/codemod-run/internal/service/job_service"
	"github.com/ssuji15/codemod-run/internal/service/logger"
	"github.com/ssuji15/codemod-run/internal/web"
)

func main() {
	_ = godotenv.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.GetConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	scfg, err := config.GetServerConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
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
	if err := cache.Ping(ctx); err != nil {
		log.Fatalf("cache is not reachable: %v", err)
	}
	queue, err := component.GetQueue(cfg.QUEUE_TYPE)
	if err != nil {
		log.Fatalf("queue initialization error: %v", err)
	}
	if err := queue.Ping(ctx); err != nil {
		log.Fatalf("queue is not reachable: %v", err)
	}
	storage, err := component.GetStorage(cfg.STORAGE_TYPE)
	if err != nil {
		log.Fatalf("storage initialization error: %v", err)
	}
	archive, err := component.GetArchive(ctx, cfg.ARCHIVE_TYPE)
	if err != nil {
		log.Fatalf("archive initialization error: %v", err)
	}

	js := jobservice.NewJobService(cache, queue, storage, archive)

	var consumers sync.WaitGroup
	startConsumer := func(name string, fn func(context.Context) error) {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Log.Error().Err(err).Str("consumer", name).Msg("archive consumer stopped")
			}
		}()
	}
	if archive != nil {
		startConsumer("job_db", js.PersistJobs)
	}
	if storage != nil {
		startConsumer("job_code", js.PersistCode)
	}

	server := web.NewServer(scfg, js, authservice.NewHTTPAuthenticator(scfg.AUTH_SERVICE_URL))
	srv := &http.Server{
		Addr:              ":" + scfg.PORT,
		Handler:           server.Router(),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      75 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Log.Info().Str("addr", srv.Addr).Msg("HTTP server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	logger.Log.Info().Msg("trying to shutdown server gracefully...")

	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Log.Error().Err(err).Msg("graceful shutdown failed")
	}
	cancel()
	consumers.Wait()

	sctx, scancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()

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
		logger.Log.Info().Msg("server shutdown gracefully.")
	case <-sctx.Done():
		logger.Log.Info().Msg("server graceful shutdown timedout..")
	}
}
