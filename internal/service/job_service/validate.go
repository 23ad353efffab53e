package jobservice

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/ssuji15/codemod-run/internal/custom_errors"
	"github.com/ssuji15/codemod-run/model"
)

var scpLikeURL = regexp.MustCompile(`^[A-Za-z0-9._-]+@[A-Za-z0-9.-]+:[A-Za-z0-9._~/-]+$`)

var repoSchemes = map[string]bool{
	"http":  true,
	"https": true,
	"ssh":   true,
	"git":   true,
}

func validRepoURL(s string) bool {
	if scpLikeURL.MatchString(s) {
		return true
	}
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return repoSchemes[u.Scheme] && u.Host != "" && strings.Trim(u.Path, "/") != ""
}

// validBranch applies the git check-ref-format rules to a branch name.
func validBranch(b string) bool {
	if b == "" || b == "@" || len(b) > 255 {
		return false
	}
	if strings.HasPrefix(b, "/") || strings.HasPrefix(b, "-") || strings.HasSuffix(b, "/") ||
		strings.HasSuffix(b, ".") || strings.HasSuffix(b, ".lock") {
		return false
	}
	if strings.Contains(b, "..") || strings.Contains(b, "//") || strings.Contains(b, "@{") {
		return false
	}
	for _, r := range b {
		if r < 0x20 || r == 0x7f || strings.ContainsRune(" ~^:?*[\\", r) {
			return false
		}
	}
	for _, part := range strings.Split(b, "/") {
		if strings.HasPrefix(part, ".") {
			return false
		}
	}
	return true
}

func validArgs(args model.ArgumentRecord) (string, bool) {
	for k, v := range args {
		if k == "" {
			return k, false
		}
		switch v.(type) {
		case string, bool, float64, float32, int, int64, int32, uint64, uint32:
		default:
			return k, false
		}
	}
	return "", true
}

// ValidateRunRequest reports every problem of a submission at once.
func ValidateRunRequest(req model.RunRequest) error {
	ve := &custom_errors.ValidationError{}

	if len(req.Codemods) == 0 {
		ve.Addf("codemods: at least one codemod is required")
	}
	for i, c := range req.Codemods {
		if !model.IsValidEngine(string(c.Engine)) {
			ve.Addf("codemods[%d].engine: %q is not a supported engine", i, c.Engine)
		}
		if strings.TrimSpace(c.Name) == "" {
			ve.Addf("codemods[%d].name: required", i)
		}
		if strings.TrimSpace(c.Source) == "" {
			ve.Addf("codemods[%d].source: required", i)
		}
		if k, ok := validArgs(c.Args); !ok {
			ve.Addf("codemods[%d].args: %q must be a string, number or boolean", i, k)
		}
	}
	if !validRepoURL(req.RepoURL) {
		ve.Addf("repoUrl: %q is not a valid repository url", req.RepoURL)
	}
	if !validBranch(req.Branch) {
		ve.Addf("branch: %q is not a valid branch name", req.Branch)
	}

	if ve.HasError() {
		return ve
	}
	return nil
}
