package engine

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

type Formatter interface {
	Format(ctx context.Context, path string, content string) (string, error)
}

// ExecFormatter pipes content through <command...> <path> and takes stdout as the result,
// the way `prettier --stdin-filepath` works. With no command it returns content unchanged.
type ExecFormatter struct {
	command []string
}

func NewExecFormatter(command []string) *ExecFormatter {
	return &ExecFormatter{command: command}
}

func (f *ExecFormatter) Format(ctx context.Context, path string, content string) (string, error) {
	if len(f.command) == 0 {
		return content, nil
	}
	argv := append(append([]string{}, f.command[1:]...), path)
	cmd := exec.CommandContext(ctx, f.command[0], argv...)
	cmd.Stdin = strings.NewReader(content)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return content, fmt.Errorf("format %s: %w: %s", path, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
