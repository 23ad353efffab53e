package statusservice

import (
	"context"
	"errors"
	"fmt"

	"github.com/ssuji15/codemod-run/internal/cache"
	"github.com/ssuji15/codemod-run/internal/custom_errors"
	"github.com/ssuji15/codemod-run/internal/util"
	"github.com/ssuji15/codemod-run/model"
)

// transitions lists the states a stored status may move to. The empty state is
// a missing entry. Terminal states have no successors.
var transitions = map[model.JobState]map[model.JobState]bool{
	"": {
		model.JobQueued: true,
	},
	model.JobQueued: {
		model.JobInProgress: true,
		model.JobErrored:    true,
	},
	model.JobInProgress: {
		model.JobInProgress: true,
		model.JobSuccess:    true,
		model.JobErrored:    true,
	},
}

func CanTransition(from, to model.JobState) bool {
	return transitions[from][to]
}

// StatusService reads and writes job-<id>::status entries.
type StatusService struct {
	cache cache.Cache
}

func NewStatusService(c cache.Cache) *StatusService {
	return &StatusService{cache: c}
}

func storeError(err error) error {
	return fmt.Errorf("%w: %v", custom_errors.ErrStoreUnavailable, err)
}

// Write upserts the status of a job after checking the transition from the stored state.
// The persistent flag of the stored entry is kept.
func (s *StatusService) Write(ctx context.Context, jobID string, status model.Status) error {
	current, err := s.Peek(ctx, jobID)
	var from model.JobState
	switch {
	case errors.Is(err, custom_errors.ErrJobNotFound):
	case err != nil:
		return err
	default:
		from = current.Status
		status.Persistent = status.Persistent || current.Persistent
	}
	if !CanTransition(from, status.Status) {
		return fmt.Errorf("%w: %q -> %q", custom_errors.ErrInvalidTransition, from, status.Status)
	}
	if err := s.cache.Put(ctx, util.GetStatusKey(jobID), status, s.cache.GetDefaultTTL()); err != nil {
		return storeError(err)
	}
	return nil
}

// Peek returns the stored status without removing it, or ErrJobNotFound.
func (s *StatusService) Peek(ctx context.Context, jobID string) (*model.Status, error) {
	var st model.Status
	err := s.cache.Get(ctx, util.GetStatusKey(jobID), &st)
	if errors.Is(err, cache.ErrNotFound) {
		return nil, custom_errors.ErrJobNotFound
	}
	if err != nil {
		return nil, storeError(err)
	}
	return &st, nil
}

// Consume atomically reads and deletes the stored status. Of concurrent callers at most one
// receives it; the others get ErrJobNotFound.
func (s *StatusService) Consume(ctx context.Context, jobID string) (*model.Status, error) {
	var st model.Status
	err := s.cache.GetDel(ctx, util.GetStatusKey(jobID), &st)
	if errors.Is(err, cache.ErrNotFound) {
		return nil, custom_errors.ErrJobNotFound
	}
	if err != nil {
		return nil, storeError(err)
	}
	return &st, nil
}

// Delete removes a status entry regardless of its state. Only used to roll back an admission.
func (s *StatusService) Delete(ctx context.Context, jobID string) error {
	if err := s.cache.Delete(ctx, util.GetStatusKey(jobID)); err != nil && !errors.Is(err, cache.ErrNotFound) {
		return storeError(err)
	}
	return nil
}
