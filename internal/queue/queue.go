package queue

import (
	"context"
	"errors"
	"time"
)

// ErrNoMessages is returned by Fetch when nothing arrived before the timeout.
var ErrNoMessages = errors.New("queue: no messages")

type Queue interface {
	AddStream(name string, subjects []string, maxMsgs int) error
	AddConsumer(stream QueueEvent, consumer string, backoff []time.Duration, maxDeliver int) error
	// PublishEvent publishes id and returns the broker-assigned message identifier.
	PublishEvent(ctx context.Context, event QueueEvent, id string) (string, error)
	SubscribeEvent(event QueueEvent, consumer string) (Subscription, error)
	Ping(ctx context.Context) error
	Close() error
	ShutDown(ctx context.Context)
}

type Subscription interface {
	Fetch(n int, timeout time.Duration) ([]QMsg, error)
}

// QMsg is one delivery. Unacknowledged deliveries are redelivered until MaxDeliver.
type QMsg interface {
	Data() []byte
	Ctx() context.Context
	Ack() error
	Nak() error
	NakWithDelay(time.Duration) error
	Term() error
	InProgress() error
	RetryCount() int
	PublishedAt() time.Time
}

type QueueEvent string

const (
	EventStream      QueueEvent = "EVENTS"
	DeadLetterStream QueueEvent = "DEAD_LETTER"

	JobCreated      QueueEvent = "events.job.created"
	DeadLetterQueue QueueEvent = "dead.job"
)

const (
	WORKER_CONSUMER   = "WORKER"
	JOB_DB_CONSUMER   = "JOB_DB"
	JOB_CODE_CONSUMER = "JOB_CODE"
	DLQ_CONSUMER      = "DLQ_AUDIT"
)

const MaxDeliver = 5

var DefaultBackOff = []time.Duration{
	30 * time.Second,
	time.Minute,
	2 * time.Minute,
}
