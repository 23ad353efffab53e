package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/ssuji15/codemod-run/internal/custom_errors"
	"github.com/ssuji15/codemod-run/internal/db"
	"github.com/ssuji15/codemod-run/internal/job_tracer"
	"github.com/ssuji15/codemod-run/internal/util"
	"github.com/ssuji15/codemod-run/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const jobColumns = `
	id,
	codemod_engine,
	codemod_name,
	source_hash,
	codemod_args,
	repo_url,
	branch,
	user_id,
	persistent,
	disable_prettier,
	creation_time`

type JobRepository struct {
	db *db.DB
}

func NewJobRepository(db *db.DB) *JobRepository {
	return &JobRepository{db: db}
}

func scanJob(row pgx.Row) (*model.Job, error) {
	var j model.Job
	err := row.Scan(
		&j.ID,
		&j.Engine,
		&j.Name,
		&j.SourceHash,
		&j.Args,
		&j.RepoURL,
		&j.Branch,
		&j.UserID,
		&j.Persistent,
		&j.DisablePrettier,
		&j.CreationTime,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *JobRepository) GetJobByID(ctx context.Context, id string) (*model.Job, error) {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/GetJob")
	defer span.End()

	row := r.db.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, custom_errors.ErrJobNotFound
	}
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	return job, nil
}

// CreateJobs archives a batch of jobs with a single COPY. Redelivered batches are
// filtered against existing ids first so a replay does not abort the copy.
func (r *JobRepository) CreateJobs(ctx context.Context, jobs []*model.Job) error {
	if len(jobs) == 0 {
		return nil
	}

	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/CreateJobs")
	defer span.End()
	span.AddEvent("jobs.batch", trace.WithAttributes(attribute.Int("count", len(jobs))))

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	defer tx.Rollback(ctx)

	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.ID.String())
	}
	rows, err := tx.Query(ctx, `SELECT id::text FROM jobs WHERE id = ANY($1::uuid[])`, ids)
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	existing, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	seen := make(map[string]struct{}, len(existing))
	for _, id := range existing {
		seen[id] = struct{}{}
	}

	jobRows := make([][]any, 0, len(jobs))
	for _, j := range jobs {
		if _, ok := seen[j.ID.String()]; ok {
			continue
		}
		seen[j.ID.String()] = struct{}{}
		ct := time.Now().UTC()
		if j.CreationTime != nil {
			ct = *j.CreationTime
		}
		jobRows = append(jobRows, []any{
			j.ID,
			string(j.Engine),
			j.Name,
			j.SourceHash,
			j.Args,
			j.RepoURL,
			j.Branch,
			j.UserID,
			j.Persistent,
			j.DisablePrettier,
			ct,
		})
	}
	if len(jobRows) == 0 {
		return nil
	}

	_, err = tx.CopyFrom(
		ctx,
		pgx.Identifier{"jobs"},
		[]string{
			"id",
			"codemod_engine",
			"codemod_name",
			"source_hash",
			"codemod_args",
			"repo_url",
			"branch",
			"user_id",
			"persistent",
			"disable_prettier",
			"creation_time",
		},
		pgx.CopyFromRows(jobRows),
	)
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (r *JobRepository) ListUnfinished(ctx context.Context, olderThan time.Time, limit int) ([]*model.Job, error) {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/ListUnfinished")
	defer span.End()

	rows, err := r.db.Pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE final_state IS NULL AND creation_time < $1
		ORDER BY creation_time
		LIMIT $2`, olderThan, limit)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			util.RecordSpanError(span, err)
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	return jobs, nil
}

func (r *JobRepository) MarkFinalized(ctx context.Context, id string, state model.JobState) error {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/MarkFinalized")
	defer span.End()

	span.AddEvent("job.context",
		trace.WithAttributes(attribute.String("id", id), attribute.String("state", string(state))),
	)

	_, err := r.db.Pool.Exec(ctx, `
		UPDATE jobs
		SET final_state = $2, finalized_at = now()
		WHERE id = $1 AND final_state IS NULL`, id, string(state))
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (r *JobRepository) Ping(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

func (r *JobRepository) Close() {
	r.db.Close()
}
