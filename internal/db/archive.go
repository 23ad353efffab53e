package db

import (
	"context"
	"time"

	"github.com/ssuji15/codemod-run/model"
)

// JobArchive is the durable record of every job ever admitted. The status store
// holds live state; the archive lets the runner find jobs whose cache entries
// expired and lets the reaper find jobs nobody finished.
type JobArchive interface {
	CreateJobs(ctx context.Context, jobs []*model.Job) error
	// GetJobByID returns custom_errors.ErrJobNotFound when no record exists.
	GetJobByID(ctx context.Context, id string) (*model.Job, error)
	// ListUnfinished returns up to limit jobs created before olderThan that were never finalized.
	ListUnfinished(ctx context.Context, olderThan time.Time, limit int) ([]*model.Job, error)
	MarkFinalized(ctx context.Context, id string, state model.JobState) error
	Ping(ctx context.Context) error
	Close()
}
