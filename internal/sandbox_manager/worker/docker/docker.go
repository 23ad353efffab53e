// Package docker runs sandbox workers as containers attached over stdio.
package docker

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/moby/moby/api/pkg/stdcopy"
	"github.com/moby/moby/client"

	"github.com/ssuji15/codemod-run/internal/config"
	"github.com/ssuji15/codemod-run/internal/sandbox_manager/raven"
	"github.com/ssuji15/codemod-run/internal/sandbox_manager/worker"
	dockerservice "github.com/ssuji15/codemod-run/internal/service/docker_service"
	"github.com/ssuji15/codemod-run/internal/service/logger"
)

const stopTimeoutSec = 2

type DockerManager struct {
	docker *dockerservice.DockerService
	cfg    *config.DockerWorkerConfig
	env    []string

	mu    sync.Mutex
	conns map[string]client.HijackedResponse
}

func NewDockerManager(ctx context.Context, cfg *config.DockerWorkerConfig, env []string) (*DockerManager, error) {
	ds, err := dockerservice.NewDockerService()
	if err != nil {
		return nil, err
	}
	if err := ds.Ping(ctx); err != nil {
		return nil, fmt.Errorf("docker daemon is not reachable: %w", err)
	}
	return &DockerManager{
		docker: ds,
		cfg:    cfg,
		env:    env,
		conns:  make(map[string]client.HijackedResponse),
	}, nil
}

// Launch attaches before starting so no early output of the sandbox is lost.
func (d *DockerManager) Launch(ctx context.Context, w *worker.WorkerMetadata) error {
	id, err := d.docker.CreateContainer(ctx, dockerservice.ContainerOptions{
		Name:        "codemod-sandbox-" + w.Name,
		Image:       d.cfg.IMAGE,
		Cmd:         d.cfg.CMD,
		User:        d.cfg.USER,
		WorkDir:     w.Workspace.WorkDir,
		Env:         d.env,
		Labels:      map[string]string{"codemod-run.worker": w.Name},
		Runtime:     d.cfg.RUNTIME,
		CPUQuota:    d.cfg.CPU_QUOTA,
		MemoryLimit: d.cfg.MEMORY_LIMIT,
	})
	if err != nil {
		return fmt.Errorf("create sandbox container: %w", err)
	}

	hj, err := d.docker.Attach(ctx, id)
	if err != nil {
		d.remove(id)
		return fmt.Errorf("attach sandbox container: %w", err)
	}
	if err := d.docker.StartContainer(ctx, id); err != nil {
		hj.Close()
		d.remove(id)
		return fmt.Errorf("start sandbox container: %w", err)
	}

	stdout, out := io.Pipe()
	stderr := logger.Log.With().Str("worker", w.Name).Logger()
	go func() {
		_, err := stdcopy.StdCopy(out, stderr, hj.Reader)
		out.CloseWithError(err)
	}()

	d.mu.Lock()
	d.conns[id] = hj
	d.mu.Unlock()

	w.ID = id
	w.Raven = raven.NewStreamRaven(&stdin{hj: hj}, stdout)
	return nil
}

func (d *DockerManager) Destroy(ctx context.Context, w *worker.WorkerMetadata) error {
	d.mu.Lock()
	hj, ok := d.conns[w.ID]
	delete(d.conns, w.ID)
	d.mu.Unlock()
	if ok {
		defer hj.Close()
	}

	if err := d.docker.StopContainer(ctx, w.ID, stopTimeoutSec); err != nil {
		logger.Log.Warn().Err(err).Str("worker", w.Name).Msg("unable to stop sandbox container")
	}
	return d.docker.RemoveContainer(ctx, w.ID)
}

func (d *DockerManager) IsHealthy(ctx context.Context, w *worker.WorkerMetadata) (bool, error) {
	return d.docker.IsRunning(ctx, w.ID)
}

func (d *DockerManager) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.docker.RemoveContainer(ctx, id); err != nil {
		logger.Log.Error().Err(err).Str("container", id).Msg("unable to remove sandbox container")
	}
}

// stdin half-closes the attach connection on Close so the sandbox sees end of input.
type stdin struct {
	hj client.HijackedResponse
}

func (s *stdin) Write(p []byte) (int, error) {
	return s.hj.Conn.Write(p)
}

func (s *stdin) Close() error {
	return s.hj.CloseWrite()
}
