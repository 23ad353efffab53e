package worker

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/ssuji15/codemod-run/internal/sandbox_manager/raven"
	"github.com/ssuji15/codemod-run/internal/util"
)

// WorkerManager starts and stops sandbox workers. Launch must set the worker's ID and Raven.
type WorkerManager interface {
	Launch(ctx context.Context, w *WorkerMetadata) error
	Destroy(ctx context.Context, w *WorkerMetadata) error
	IsHealthy(ctx context.Context, w *WorkerMetadata) (bool, error)
}

type WorkerState string

const (
	WorkerStateCreating  WorkerState = "CREATING"
	WorkerStateReady     WorkerState = "READY"
	WorkerStateRunning   WorkerState = "RUNNING"
	WorkerStateDestroyed WorkerState = "DESTROYED"
)

type Workspace struct {
	WorkDir string
}

type WorkerMetadata struct {
	ID        string
	Name      string
	CreatedAt time.Time
	Status    WorkerState
	JobID     string
	Workspace Workspace
	Raven     raven.Raven
	Manager   WorkerManager
}

// NewWorker reserves a fresh workspace under workDir. The worker is not started.
func NewWorker(wm WorkerManager, workDir string) (*WorkerMetadata, error) {
	n := uuid.New().String()
	wd := filepath.Join(workDir, n)
	if err := util.EnsureDirExist(wd); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &WorkerMetadata{
		Name:      n,
		CreatedAt: time.Now(),
		Status:    WorkerStateCreating,
		Manager:   wm,
		Workspace: Workspace{WorkDir: wd},
	}, nil
}

func (w *WorkerMetadata) Launch(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := w.Manager.Launch(ctx, w); err != nil {
		return err
	}
	if w.ID == "" || w.Raven == nil {
		return fmt.Errorf("worker %s launched without id or channel", w.Name)
	}
	return nil
}

func (w *WorkerMetadata) Destroy(ctx context.Context) error {
	if w.Raven != nil {
		_ = w.Raven.Close()
	}
	err := w.Manager.Destroy(ctx, w)
	w.Status = WorkerStateDestroyed
	return err
}

func (w *WorkerMetadata) IsHealthy(ctx context.Context) (bool, error) {
	return w.Manager.IsHealthy(ctx, w)
}

// Validate reports whether the worker can take a job.
func (w *WorkerMetadata) Validate(ctx context.Context) (bool, error) {
	h, err := w.IsHealthy(ctx)
	if err != nil || !h {
		return false, err
	}
	if w.ID == "" || w.Name == "" || w.Status != WorkerStateReady {
		return false, nil
	}
	return true, nil
}
