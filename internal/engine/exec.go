package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/ssuji15/codemod-run/internal/custom_errors"
	"github.com/ssuji15/codemod-run/model"
)

// ArgsEnv carries the JSON encoded argument record to engine commands.
const ArgsEnv = "CODEMOD_ARGS"

const maxStderr = 4 << 10

// ExecEngine runs an external command per file. The command is invoked as
//
//	<command...> <codemodPath> <filePath>
//
// and is expected to rewrite filePath in place. filePath is a scratch copy that keeps
// the original extension.
type ExecEngine struct {
	id      model.Engine
	command []string
	workDir string
}

func NewExecEngine(id model.Engine, command []string, workDir string) *ExecEngine {
	return &ExecEngine{id: id, command: command, workDir: workDir}
}

func (e *ExecEngine) Name() model.Engine {
	return e.id
}

func (e *ExecEngine) Prepare(ctx context.Context, c Codemod) (Transform, error) {
	if len(e.command) == 0 {
		return nil, e.fail(fmt.Errorf("no command configured"))
	}
	if _, err := exec.LookPath(e.command[0]); err != nil {
		return nil, e.fail(fmt.Errorf("%s not found: %w", e.command[0], err))
	}

	path := c.Path
	if path != "" && !filepath.IsAbs(path) {
		path = filepath.Join(e.workDir, path)
	}
	if path == "" {
		if c.Source == "" {
			return nil, e.fail(fmt.Errorf("empty codemod source"))
		}
		f, err := os.CreateTemp(e.workDir, "codemod-*")
		if err != nil {
			return nil, e.fail(err)
		}
		_, err = f.WriteString(c.Source)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return nil, e.fail(err)
		}
		path = f.Name()
	} else if _, err := os.Stat(path); err != nil {
		return nil, e.fail(err)
	}

	args, err := json.Marshal(c.Args)
	if err != nil {
		return nil, e.fail(fmt.Errorf("encode arguments: %w", err))
	}
	return &execTransform{engine: e, codemodPath: path, args: string(args)}, nil
}

func (e *ExecEngine) fail(err error) error {
	return &custom_errors.EngineError{Engine: string(e.id), Err: err}
}

type execTransform struct {
	engine      *ExecEngine
	codemodPath string
	args        string
}

func (t *execTransform) Apply(ctx context.Context, path string, content string) (string, bool, error) {
	scratch, err := os.CreateTemp(t.engine.workDir, "file-*"+filepath.Ext(path))
	if err != nil {
		return content, false, &custom_errors.FileError{Path: path, Err: err}
	}
	name := scratch.Name()
	defer os.Remove(name)

	_, err = scratch.WriteString(content)
	if cerr := scratch.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return content, false, &custom_errors.FileError{Path: path, Err: err}
	}

	argv := append(append([]string{}, t.engine.command[1:]...), t.codemodPath, name)
	cmd := exec.CommandContext(ctx, t.engine.command[0], argv...)
	cmd.Env = append(os.Environ(), ArgsEnv+"="+t.args)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > maxStderr {
			msg = msg[:maxStderr]
		}
		return content, false, &custom_errors.FileError{Path: path, Err: fmt.Errorf("%s: %w: %s", t.engine.id, err, msg)}
	}

	out, err := os.ReadFile(name)
	if err != nil {
		return content, false, &custom_errors.FileError{Path: path, Err: err}
	}
	return string(out), string(out) != content, nil
}
