package repo

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string, files ...string) {
	t.Helper()
	for _, f := range files {
		p := filepath.Join(root, filepath.FromSlash(f))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}
}

func TestWalk(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root,
		"src/a.ts", "src/b.tsx", "src/c.go", "src/types.d.ts", "index.JS",
		"node_modules/dep/index.js", ".git/hooks/x.js", "lib/nested/d.mjs",
	)

	var got []string
	err := Walk(root, DefaultExtensions, 0, func(rel string) error {
		got = append(got, rel)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"index.JS", "lib/nested/d.mjs", "src/a.ts", "src/b.tsx"}, got)
}

func TestWalkFileBudget(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, "a.ts", "b.ts", "c.ts")

	n := 0
	err := Walk(root, DefaultExtensions, 2, func(string) error {
		n++
		return nil
	})
	require.ErrorIs(t, err, ErrTooManyFiles)
	require.Equal(t, 2, n)
}

func TestGitClonerFailure(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	dir := filepath.Join(t.TempDir(), "clone")
	err := NewGitCloner("").Clone(context.Background(), filepath.Join(t.TempDir(), "missing-repo"), "main", dir)
	require.Error(t, err)
	require.Contains(t, err.Error(), "git clone")
}

func TestGitClonerLocalRepository(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	src := t.TempDir()
	writeTree(t, src, "src/a.ts")
	for _, args := range [][]string{
		{"init", "-q", "-b", "main"},
		{"-c", "user.email=t@example.com", "-c", "user.name=t", "add", "."},
		{"-c", "user.email=t@example.com", "-c", "user.name=t", "commit", "-q", "-m", "init"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = src
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}

	dir := filepath.Join(t.TempDir(), "clone")
	require.NoError(t, NewGitCloner("git").Clone(context.Background(), "file://"+src, "main", dir))
	_, err := os.Stat(filepath.Join(dir, "src", "a.ts"))
	require.NoError(t, err)
}
