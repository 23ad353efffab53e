// Package process launches sandbox workers as local child processes speaking the run
// protocol over stdin and stdout.
package process

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/ssuji15/codemod-run/internal/sandbox_manager/raven"
	"github.com/ssuji15/codemod-run/internal/sandbox_manager/worker"
	"github.com/ssuji15/codemod-run/internal/service/logger"
)

const exitGrace = 2 * time.Second

type proc struct {
	cmd    *exec.Cmd
	exited chan struct{}
}

type ProcessManager struct {
	binary string
	args   []string
	env    []string

	mu    sync.Mutex
	procs map[string]*proc
}

// NewProcessManager runs binary with args. env is appended to the runner's environment.
func NewProcessManager(binary string, args []string, env []string) (*ProcessManager, error) {
	if _, err := exec.LookPath(binary); err != nil {
		return nil, fmt.Errorf("sandbox binary: %w", err)
	}
	return &ProcessManager{
		binary: binary,
		args:   args,
		env:    env,
		procs:  make(map[string]*proc),
	}, nil
}

func (p *ProcessManager) Launch(ctx context.Context, w *worker.WorkerMetadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cmd := exec.Command(p.binary, p.args...)
	cmd.Dir = w.Workspace.WorkDir
	cmd.Env = append(os.Environ(), p.env...)
	cmd.Stderr = logger.Log.With().Str("worker", w.Name).Logger()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start sandbox: %w", err)
	}

	pr := &proc{cmd: cmd, exited: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(pr.exited)
	}()

	w.ID = strconv.Itoa(cmd.Process.Pid)
	w.Raven = raven.NewStreamRaven(stdin, stdout)

	p.mu.Lock()
	p.procs[w.ID] = pr
	p.mu.Unlock()
	return nil
}

// Destroy waits briefly for the process to exit on its own, then kills it.
func (p *ProcessManager) Destroy(ctx context.Context, w *worker.WorkerMetadata) error {
	p.mu.Lock()
	pr, ok := p.procs[w.ID]
	delete(p.procs, w.ID)
	p.mu.Unlock()
	if !ok {
		return nil
	}

	timer := time.NewTimer(exitGrace)
	defer timer.Stop()
	select {
	case <-pr.exited:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	if err := pr.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("kill sandbox %s: %w", w.ID, err)
	}
	<-pr.exited
	return nil
}

func (p *ProcessManager) IsHealthy(ctx context.Context, w *worker.WorkerMetadata) (bool, error) {
	p.mu.Lock()
	pr, ok := p.procs[w.ID]
	p.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("unknown worker %s", w.ID)
	}
	select {
	case <-pr.exited:
		return false, nil
	default:
		return true, nil
	}
}
