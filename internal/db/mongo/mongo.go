package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ssuji15/codemod-run/internal/config"
	"github.com/ssuji15/codemod-run/internal/custom_errors"
	"github.com/ssuji15/codemod-run/internal/db"
	"github.com/ssuji15/codemod-run/internal/job_tracer"
	"github.com/ssuji15/codemod-run/internal/service/logger"
	"github.com/ssuji15/codemod-run/internal/util"
	"github.com/ssuji15/codemod-run/model"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const CollectionJobs = "jobs"

// jobDocument is the stored shape of a job; the job id doubles as _id.
type jobDocument struct {
	ID              string               `bson:"_id"`
	Engine          string               `bson:"codemod_engine"`
	Name            string               `bson:"codemod_name"`
	SourceHash      string               `bson:"source_hash"`
	Args            model.ArgumentRecord `bson:"codemod_args,omitempty"`
	RepoURL         string               `bson:"repo_url"`
	Branch          string               `bson:"branch"`
	UserID          string               `bson:"user_id"`
	Persistent      bool                 `bson:"persistent"`
	DisablePrettier bool                 `bson:"disable_prettier,omitempty"`
	CreationTime    time.Time            `bson:"creation_time"`
	FinalState      *string              `bson:"final_state"`
	FinalizedAt     *time.Time           `bson:"finalized_at,omitempty"`
}

func toDocument(j *model.Job) jobDocument {
	ct := time.Now().UTC()
	if j.CreationTime != nil {
		ct = j.CreationTime.UTC()
	}
	return jobDocument{
		ID:              j.ID.String(),
		Engine:          string(j.Engine),
		Name:            j.Name,
		SourceHash:      j.SourceHash,
		Args:            j.Args,
		RepoURL:         j.RepoURL,
		Branch:          j.Branch,
		UserID:          j.UserID,
		Persistent:      j.Persistent,
		DisablePrettier: j.DisablePrettier,
		CreationTime:    ct,
	}
}

func (d jobDocument) toJob() (*model.Job, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid job id %q: %w", d.ID, err)
	}
	ct := d.CreationTime
	return &model.Job{
		ID:              id,
		Engine:          model.Engine(d.Engine),
		Name:            d.Name,
		SourceHash:      d.SourceHash,
		Args:            d.Args,
		RepoURL:         d.RepoURL,
		Branch:          d.Branch,
		UserID:          d.UserID,
		Persistent:      d.Persistent,
		DisablePrettier: d.DisablePrettier,
		CreationTime:    &ct,
	}, nil
}

// JobArchive stores job records in MongoDB.
type JobArchive struct {
	client     *mongo.Client
	collection *mongo.Collection
}

func NewJobArchive(ctx context.Context) (db.JobArchive, error) {
	cfg, err := config.GetMongoConfig()
	if err != nil {
		return nil, err
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(cfg.URI).
		SetMaxPoolSize(100).
		SetMinPoolSize(2).
		SetMaxConnIdleTime(30 * time.Second).
		SetConnectTimeout(10 * time.Second).
		SetServerSelectionTimeout(10 * time.Second).
		SetRetryWrites(true).
		SetRetryReads(true)

	client, err := mongo.Connect(connectCtx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	a := &JobArchive{
		client:     client,
		collection: client.Database(cfg.DATABASE).Collection(CollectionJobs),
	}
	if err := a.createIndexes(connectCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	logger.Log.Info().Str("database", cfg.DATABASE).Msg("connected to MongoDB job archive")
	return a, nil
}

func (a *JobArchive) createIndexes(ctx context.Context) error {
	_, err := a.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "final_state", Value: 1}, {Key: "creation_time", Value: 1}},
			Options: options.Index().SetName("idx_unfinished"),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create job indexes: %w", err)
	}
	return nil
}

// CreateJobs inserts each job unless a record with the same id already exists.
func (a *JobArchive) CreateJobs(ctx context.Context, jobs []*model.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Mongo/CreateJobs")
	defer span.End()

	writes := make([]mongo.WriteModel, 0, len(jobs))
	for _, j := range jobs {
		doc := toDocument(j)
		writes = append(writes, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": doc.ID}).
			SetUpdate(bson.M{"$setOnInsert": doc}).
			SetUpsert(true))
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := a.collection.BulkWrite(ctxTimeout, writes, options.BulkWrite().SetOrdered(false)); err != nil {
		util.RecordSpanError(span, err)
		return fmt.Errorf("failed to archive jobs: %w", err)
	}
	return nil
}

func (a *JobArchive) GetJobByID(ctx context.Context, id string) (*model.Job, error) {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Mongo/GetJob")
	defer span.End()

	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var doc jobDocument
	err := a.collection.FindOne(ctxTimeout, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, custom_errors.ErrJobNotFound
	}
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return doc.toJob()
}

func (a *JobArchive) ListUnfinished(ctx context.Context, olderThan time.Time, limit int) ([]*model.Job, error) {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Mongo/ListUnfinished")
	defer span.End()

	ctxTimeout, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	filter := bson.M{
		"final_state":   nil,
		"creation_time": bson.M{"$lt": olderThan.UTC()},
	}
	opts := options.Find().
		SetLimit(int64(limit)).
		SetSort(bson.D{{Key: "creation_time", Value: 1}})

	cursor, err := a.collection.Find(ctxTimeout, filter, opts)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, fmt.Errorf("failed to list unfinished jobs: %w", err)
	}
	defer cursor.Close(ctxTimeout)

	var docs []jobDocument
	if err := cursor.All(ctxTimeout, &docs); err != nil {
		util.RecordSpanError(span, err)
		return nil, fmt.Errorf("failed to decode jobs: %w", err)
	}

	jobs := make([]*model.Job, 0, len(docs))
	for _, d := range docs {
		j, err := d.toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (a *JobArchive) MarkFinalized(ctx context.Context, id string, state model.JobState) error {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Mongo/MarkFinalized")
	defer span.End()

	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := a.collection.UpdateOne(ctxTimeout,
		bson.M{"_id": id, "final_state": nil},
		bson.M{"$set": bson.M{"final_state": string(state), "finalized_at": time.Now().UTC()}},
	)
	if err != nil {
		util.RecordSpanError(span, err)
		return fmt.Errorf("failed to finalize job: %w", err)
	}
	return nil
}

func (a *JobArchive) Ping(ctx context.Context) error {
	return a.client.Ping(ctx, nil)
}

func (a *JobArchive) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.client.Disconnect(ctx); err != nil {
		logger.Log.Error().Err(err).Msg("failed to disconnect from MongoDB")
	}
}
