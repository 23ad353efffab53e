package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ssuji15/codemod-run/internal/custom_errors"
	"github.com/ssuji15/codemod-run/model"
)

type astGrepRule struct {
	ID       string         `yaml:"id"`
	Language string         `yaml:"language"`
	Rule     map[string]any `yaml:"rule"`
	Fix      any            `yaml:"fix"`
}

// AstGrepEngine checks that the codemod is a well formed ast-grep rule file before handing
// it to the underlying engine.
type AstGrepEngine struct {
	next Engine
}

func NewAstGrepEngine(next Engine) *AstGrepEngine {
	return &AstGrepEngine{next: next}
}

func (a *AstGrepEngine) Name() model.Engine {
	return model.EngineAstGrep
}

func (a *AstGrepEngine) Prepare(ctx context.Context, c Codemod) (Transform, error) {
	if err := ValidateAstGrepRules(c.Source); err != nil {
		return nil, &custom_errors.EngineError{Engine: string(model.EngineAstGrep), Err: err}
	}
	return a.next.Prepare(ctx, c)
}

// ValidateAstGrepRules accepts one or more YAML documents, each with an id, a language
// and a rule.
func ValidateAstGrepRules(source string) error {
	dec := yaml.NewDecoder(strings.NewReader(source))
	n := 0
	for {
		var r astGrepRule
		err := dec.Decode(&r)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("invalid rule yaml: %w", err)
		}
		n++
		switch {
		case r.ID == "":
			return fmt.Errorf("rule %d: id is required", n)
		case r.Language == "":
			return fmt.Errorf("rule %s: language is required", r.ID)
		case len(r.Rule) == 0:
			return fmt.Errorf("rule %s: rule is required", r.ID)
		}
	}
	if n == 0 {
		return fmt.Errorf("no rules found")
	}
	return nil
}
