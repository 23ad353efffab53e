// Package engine holds the closed set of transform engines a codemod can target.
package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/ssuji15/codemod-run/internal/custom_errors"
	"github.com/ssuji15/codemod-run/model"
)

// Engine prepares a codemod once so it can be applied to many files.
type Engine interface {
	Name() model.Engine
	Prepare(ctx context.Context, codemod Codemod) (Transform, error)
}

// Transform rewrites a single file. modified is false when the content was left untouched.
type Transform interface {
	Apply(ctx context.Context, path string, content string) (out string, modified bool, err error)
}

// Codemod is what Prepare works from. Path is where the source lives on disk, it may be empty.
type Codemod struct {
	Path   string
	Source string
	Args   model.ArgumentRecord
}

// Registry maps engine ids to engines. It is built once at startup and read-only afterwards.
type Registry struct {
	engines map[model.Engine]Engine
}

func NewRegistry(engines ...Engine) *Registry {
	r := &Registry{engines: make(map[model.Engine]Engine, len(engines))}
	for _, e := range engines {
		r.engines[e.Name()] = e
	}
	return r
}

// NewExecRegistry wires the configured commands. ast-grep rules are validated before use.
func NewExecRegistry(commands map[model.Engine][]string, workDir string) (*Registry, error) {
	var engines []Engine
	for id, cmd := range commands {
		if !model.IsValidEngine(string(id)) {
			return nil, fmt.Errorf("unknown engine %q", id)
		}
		ee := NewExecEngine(id, cmd, workDir)
		if id == model.EngineAstGrep {
			engines = append(engines, NewAstGrepEngine(ee))
			continue
		}
		engines = append(engines, ee)
	}
	return NewRegistry(engines...), nil
}

func (r *Registry) Get(id model.Engine) (Engine, error) {
	e, ok := r.engines[id]
	if !ok {
		return nil, &custom_errors.EngineError{Engine: string(id), Err: fmt.Errorf("engine is not available")}
	}
	return e, nil
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.engines))
	for id := range r.engines {
		out = append(out, string(id))
	}
	sort.Strings(out)
	return out
}
