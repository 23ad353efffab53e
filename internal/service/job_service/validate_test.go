package jobservice

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssuji15/codemod-run/internal/custom_errors"
	"github.com/ssuji15/codemod-run/model"
)

func TestValidRepoURL(t *testing.T) {
	tests := map[string]bool{
		"https://github.com/acme/app.git": true,
		"http://gitlab.local/acme/app":    true,
		"ssh://git@github.com/acme/app":   true,
		"git@github.com:acme/app.git":     true,
		"git://example.com/app.git":       true,
		"file:///etc/passwd":              false,
		"https://github.com":              false,
		"not a url":                       false,
		"":                                false,
	}
	for in, want := range tests {
		assert.Equal(t, want, validRepoURL(in), in)
	}
}

func TestValidBranch(t *testing.T) {
	tests := map[string]bool{
		"main":             true,
		"feature/codemods": true,
		"release-1.2":      true,
		"":                 false,
		"@":                false,
		"-rf":              false,
		"a..b":             false,
		"a b":              false,
		"a~1":              false,
		"a^":               false,
		"a:b":              false,
		"feat/":            false,
		"/feat":            false,
		"a//b":             false,
		"a.lock":           false,
		"a.":               false,
		"a@{1}":            false,
		"feat/.hidden":     false,
	}
	for in, want := range tests {
		assert.Equal(t, want, validBranch(in), in)
	}
}

func TestValidateRunRequest(t *testing.T) {
	good := model.CodemodRequest{Engine: model.EngineJSCodeshift, Name: "rename", Source: "export default () => {}"}

	tests := []struct {
		name    string
		req     model.RunRequest
		wantErr int
	}{
		{
			name: "valid",
			req:  model.RunRequest{Codemods: []model.CodemodRequest{good}, RepoURL: "https://github.com/acme/app", Branch: "main"},
		},
		{
			name:    "no codemods",
			req:     model.RunRequest{RepoURL: "https://github.com/acme/app", Branch: "main"},
			wantErr: 1,
		},
		{
			name: "unknown engine and empty source",
			req: model.RunRequest{
				Codemods: []model.CodemodRequest{{Engine: "babel", Name: "x"}},
				RepoURL:  "https://github.com/acme/app",
				Branch:   "main",
			},
			wantErr: 2,
		},
		{
			name: "bad args bad repo bad branch",
			req: model.RunRequest{
				Codemods: []model.CodemodRequest{{
					Engine: model.EngineAstGrep, Name: "x", Source: "rule: {}",
					Args: model.ArgumentRecord{"nested": map[string]interface{}{"a": 1}},
				}},
				RepoURL: "ftp://x",
				Branch:  "a..b",
			},
			wantErr: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRunRequest(tt.req)
			if tt.wantErr == 0 {
				require.NoError(t, err)
				return
			}
			var ve *custom_errors.ValidationError
			require.ErrorAs(t, err, &ve)
			require.Len(t, ve.Errors, tt.wantErr)
		})
	}
}
