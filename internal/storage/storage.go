package storage

import "context"

// Storage is the object store for codemod sources and rewritten files.
type Storage interface {
	Upload(ctx context.Context, bucket string, objectPath string, data []byte) error
	Download(ctx context.Context, bucket string, objectPath string) ([]byte, error)
	GetJobsBucket() string
	ShutDown(context.Context)
	Close()
}
