// Package repo clones target repositories and walks the files a codemod applies to.
package repo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrTooManyFiles stops a walk that would exceed its file budget.
var ErrTooManyFiles = errors.New("repo: too many matching files")

type Cloner interface {
	Clone(ctx context.Context, url, branch, dir string) error
}

// GitCloner shells out to git for a shallow single-branch clone.
type GitCloner struct {
	Binary string
}

func NewGitCloner(binary string) *GitCloner {
	if binary == "" {
		binary = "git"
	}
	return &GitCloner{Binary: binary}
}

func (g *GitCloner) Clone(ctx context.Context, url, branch, dir string) error {
	cmd := exec.CommandContext(ctx, g.Binary,
		"clone", "--depth", "1", "--single-branch", "--no-tags",
		"--branch", branch, "--", url, dir,
	)
	cmd.Env = append(cmd.Environ(), "GIT_TERMINAL_PROMPT=0")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git clone %s@%s: %w: %s", url, branch, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// DefaultExtensions are the source files codemods run against.
var DefaultExtensions = []string{".js", ".jsx", ".mjs", ".cjs", ".ts", ".tsx", ".mts", ".cts"}

var skippedDirs = map[string]struct{}{
	".git":         {},
	"node_modules": {},
	"dist":         {},
	"build":        {},
	".next":        {},
}

// Walk calls fn with the slash separated path, relative to root, of every matching file,
// in lexical order. It fails with ErrTooManyFiles once more than maxFiles match.
func Walk(root string, extensions []string, maxFiles int, fn func(rel string) error) error {
	exts := make(map[string]struct{}, len(extensions))
	for _, e := range extensions {
		exts[strings.ToLower(e)] = struct{}{}
	}

	n := 0
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if _, skip := skippedDirs[d.Name()]; skip && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if _, ok := exts[strings.ToLower(filepath.Ext(path))]; !ok {
			return nil
		}
		if strings.HasSuffix(path, ".d.ts") {
			return nil
		}

		n++
		if maxFiles > 0 && n > maxFiles {
			return fmt.Errorf("%w: limit is %d", ErrTooManyFiles, maxFiles)
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		return fn(filepath.ToSlash(rel))
	})
}
