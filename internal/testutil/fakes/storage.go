package fakes

import (
	"context"
	"fmt"
	"sync"

	"github.com/ssuji15/codemod-run/internal/storage"
)

// Storage keeps objects in memory under bucket/path.
type Storage struct {
	mu      sync.Mutex
	objects map[string][]byte

	UploadErr error
}

var _ storage.Storage = (*Storage)(nil)

func NewStorage() *Storage {
	return &Storage{objects: map[string][]byte{}}
}

func (s *Storage) Upload(ctx context.Context, bucket string, objectPath string, data []byte) error {
	if s.UploadErr != nil {
		return s.UploadErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[bucket+"/"+objectPath] = append([]byte(nil), data...)
	return nil
}

func (s *Storage) Download(ctx context.Context, bucket string, objectPath string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.objects[bucket+"/"+objectPath]
	if !ok {
		return nil, fmt.Errorf("object %s/%s does not exist", bucket, objectPath)
	}
	return d, nil
}

// Object returns an object from the jobs bucket.
func (s *Storage) Object(objectPath string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.objects[s.GetJobsBucket()+"/"+objectPath]
	return d, ok
}

func (s *Storage) GetJobsBucket() string {
	return "jobs"
}

func (s *Storage) ShutDown(context.Context) {}

func (s *Storage) Close() {}
