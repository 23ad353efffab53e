package util

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

func GetStatusKey(jobID string) string {
	return fmt.Sprintf("job-%s::status", jobID)
}

func GetJobKey(jobID string) string {
	return fmt.Sprintf("job-%s::data", jobID)
}

func GetCodeKey(codeHash string) string {
	return fmt.Sprintf("code:%s", codeHash)
}

func GetCodePath(codeHash string) string {
	return fmt.Sprintf("jobs/code/%s", codeHash)
}

// GetOutputPath returns the object path of a rewritten file. filePath is relative to the repository root.
func GetOutputPath(jobID string, filePath string) string {
	return path.Join("jobs/output", jobID, path.Clean("/"+filePath))
}

func HashSource(source []byte) string {
	hashBytes := sha256.Sum256(source)
	return fmt.Sprintf("%x", hashBytes[:])
}

func RecordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func EnsureDirExist(dir string) error {
	if stat, err := os.Stat(dir); err == nil {
		if !stat.IsDir() {
			return fmt.Errorf("path exists but is not a directory: %s", dir)
		}
		return nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create dir %s: %w", dir, err)
	}
	return nil
}

func RemoveFileIfExists(path string) error {
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to remove path %s: %w", path, err)
		}
	}
	return nil
}

// Exists checks if a file exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
