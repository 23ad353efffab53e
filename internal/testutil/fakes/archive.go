package fakes

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ssuji15/codemod-run/internal/custom_errors"
	"github.com/ssuji15/codemod-run/internal/db"
	"github.com/ssuji15/codemod-run/model"
)

// Archive is an in-memory db.JobArchive.
type Archive struct {
	mu        sync.Mutex
	jobs      map[string]*model.Job
	finalized map[string]model.JobState

	CreateErr error
}

var _ db.JobArchive = (*Archive)(nil)

func NewArchive() *Archive {
	return &Archive{jobs: map[string]*model.Job{}, finalized: map[string]model.JobState{}}
}

func (a *Archive) CreateJobs(ctx context.Context, jobs []*model.Job) error {
	if a.CreateErr != nil {
		return a.CreateErr
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, j := range jobs {
		if _, ok := a.jobs[j.ID.String()]; !ok {
			a.jobs[j.ID.String()] = j
		}
	}
	return nil
}

func (a *Archive) GetJobByID(ctx context.Context, id string) (*model.Job, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	j, ok := a.jobs[id]
	if !ok {
		return nil, custom_errors.ErrJobNotFound
	}
	return j, nil
}

func (a *Archive) ListUnfinished(ctx context.Context, olderThan time.Time, limit int) ([]*model.Job, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*model.Job
	for id, j := range a.jobs {
		if _, done := a.finalized[id]; done {
			continue
		}
		if j.CreationTime != nil && j.CreationTime.Before(olderThan) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreationTime.Before(*out[k].CreationTime) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (a *Archive) MarkFinalized(ctx context.Context, id string, state model.JobState) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.finalized[id]; !ok {
		a.finalized[id] = state
	}
	return nil
}

// Finalized reports the state a job was finalized with.
func (a *Archive) Finalized(id string) (model.JobState, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.finalized[id]
	return s, ok
}

func (a *Archive) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.jobs)
}

func (a *Archive) Ping(ctx context.Context) error { return nil }

func (a *Archive) Close() {}
