package jetstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/ssuji15/codemod-run/internal/component/jetstream"
	"github.com/ssuji15/codemod-run/internal/config"
	"github.com/ssuji15/codemod-run/internal/custom_errors"
	"github.com/ssuji15/codemod-run/internal/job_tracer"
	"github.com/ssuji15/codemod-run/internal/queue"
	"github.com/ssuji15/codemod-run/internal/service/logger"
	"github.com/ssuji15/codemod-run/internal/util"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const publishTimeout = 2 * time.Second

type JetStreamQueueClient struct {
	connection *nats.Conn
	context    nats.JetStreamContext
}

var (
	jqc       *JetStreamQueueClient
	once      sync.Once
	initError error
)

// NewJetStreamQueueClient connects, then declares the job stream with its WORKER consumer and the
// dead-letter stream. Archive consumers are declared by the services that drain them.
func NewJetStreamQueueClient() (queue.Queue, error) {
	once.Do(func() {
		nc, err := jetstream.NewJetStreamClient()
		if err != nil {
			initError = err
			return
		}
		cfg, err := config.GetNatsQueueConfig()
		if err != nil {
			initError = err
			return
		}
		js, err := nc.JetStream()
		if err != nil {
			initError = err
			return
		}
		c := &JetStreamQueueClient{
			connection: nc,
			context:    js,
		}
		if err := c.AddStream(string(queue.EventStream), []string{"events.>"}, cfg.MAX_MESSAGES_JOB_QUEUE); err != nil {
			initError = err
			return
		}
		if err := c.AddConsumer(queue.EventStream, queue.WORKER_CONSUMER, queue.DefaultBackOff, queue.MaxDeliver); err != nil {
			initError = err
			return
		}
		if err := c.AddStream(string(queue.DeadLetterStream), []string{"dead.>"}, cfg.MAX_MESSAGES_JOB_QUEUE); err != nil {
			initError = err
			return
		}
		if err := c.AddConsumer(queue.DeadLetterStream, queue.DLQ_CONSUMER, nil, 1); err != nil {
			initError = err
			return
		}
		jqc = c
	})
	if initError != nil {
		return nil, initError
	}
	return jqc, nil
}

func (c *JetStreamQueueClient) AddStream(name string, subjects []string, maxMsgs int) error {
	if name == "" {
		return fmt.Errorf("stream name cannot be empty")
	}
	if maxMsgs <= 0 {
		return fmt.Errorf("max messages must be greater than 0")
	}
	_, err := c.context.AddStream(&nats.StreamConfig{
		Name:       name,
		Subjects:   subjects,
		Retention:  nats.InterestPolicy,
		Discard:    nats.DiscardNew,
		MaxMsgs:    int64(maxMsgs),
		Storage:    nats.FileStorage,
		Duplicates: 2 * time.Minute,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return err
	}
	return nil
}

func (c *JetStreamQueueClient) AddConsumer(stream queue.QueueEvent, consumer string, backoff []time.Duration, maxDeliver int) error {
	if consumer == "" {
		return fmt.Errorf("consumer name cannot be empty")
	}
	if maxDeliver <= 0 {
		return fmt.Errorf("max deliver must be greater than 0")
	}
	if len(backoff) > maxDeliver {
		return fmt.Errorf("backoff has more steps than max deliver")
	}
	_, err := c.context.AddConsumer(string(stream), &nats.ConsumerConfig{
		Durable:       consumer,
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    maxDeliver,
		BackOff:       backoff,
		DeliverPolicy: nats.DeliverAllPolicy,
	})
	if err != nil && !errors.Is(err, nats.ErrConsumerNameAlreadyInUse) {
		return err
	}
	return nil
}

func (c *JetStreamQueueClient) PublishEvent(ctx context.Context, event queue.QueueEvent, id string) (string, error) {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Nats/Publish")
	defer span.End()

	if id == "" {
		err := fmt.Errorf("id cannot be empty")
		util.RecordSpanError(span, err)
		return "", err
	}
	span.AddEvent("nats.context",
		trace.WithAttributes(attribute.String("subject", string(event)), attribute.String("id", id)),
	)

	if c.connection.Status() != nats.CONNECTED {
		err := fmt.Errorf("%w: nats connection status %s", custom_errors.ErrQueueUnavailable, c.connection.Status())
		util.RecordSpanError(span, err)
		return "", err
	}

	msg := nats.NewMsg(string(event))
	msg.Data = []byte(id)
	queue.InjectTrace(ctx, http.Header(msg.Header))

	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	ack, err := c.context.PublishMsg(msg, nats.MsgId(id), nats.Context(pctx))
	if err != nil {
		err := fmt.Errorf("%w: %v", custom_errors.ErrQueueUnavailable, err)
		util.RecordSpanError(span, err)
		return "", err
	}
	return fmt.Sprintf("%s:%d", ack.Stream, ack.Sequence), nil
}

func (c *JetStreamQueueClient) SubscribeEvent(event queue.QueueEvent, consumer string) (queue.Subscription, error) {
	sub, err := c.context.PullSubscribe(string(event), consumer, nats.ManualAck(), nats.AckExplicit())
	if err != nil {
		return nil, err
	}
	return &subscription{sub: sub}, nil
}

func (c *JetStreamQueueClient) Ping(ctx context.Context) error {
	if c.connection.Status() != nats.CONNECTED {
		return fmt.Errorf("%w: nats connection status %s", custom_errors.ErrQueueUnavailable, c.connection.Status())
	}
	return nil
}

func (c *JetStreamQueueClient) Close() error {
	return c.connection.Drain()
}

func (c *JetStreamQueueClient) ShutDown(ctx context.Context) {
	done := make(chan struct{})
	c.connection.SetClosedHandler(func(_ *nats.Conn) {
		close(done)
	})

	if err := c.Close(); err != nil {
		logger.Log.Err(err).Msg("unable to close nats connection")
		return
	}

	select {
	case <-done:
	case <-ctx.Done():
		c.connection.Close()
	}
}

type subscription struct {
	sub *nats.Subscription
}

func (s *subscription) Fetch(n int, timeout time.Duration) ([]queue.QMsg, error) {
	if n <= 0 {
		return nil, fmt.Errorf("fetch count must be greater than 0")
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("fetch timeout must be greater than 0")
	}
	msgs, err := s.sub.Fetch(n, nats.MaxWait(timeout))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, queue.ErrNoMessages
		}
		return nil, err
	}
	out := make([]queue.QMsg, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, &qMsg{msg: m})
	}
	return out, nil
}

type qMsg struct {
	msg *nats.Msg
}

func (m *qMsg) Data() []byte {
	return m.msg.Data
}

func (m *qMsg) Ctx() context.Context {
	return queue.ExtractTrace(http.Header(m.msg.Header))
}

func (m *qMsg) Ack() error {
	return m.msg.Ack()
}

func (m *qMsg) Nak() error {
	return m.msg.Nak()
}

func (m *qMsg) NakWithDelay(d time.Duration) error {
	return m.msg.NakWithDelay(d)
}

func (m *qMsg) Term() error {
	return m.msg.Term()
}

func (m *qMsg) InProgress() error {
	return m.msg.InProgress()
}

func (m *qMsg) RetryCount() int {
	meta, err := m.msg.Metadata()
	if err != nil {
		return 1
	}
	return int(meta.NumDelivered)
}

func (m *qMsg) PublishedAt() time.Time {
	meta, err := m.msg.Metadata()
	if err != nil {
		return time.Time{}
	}
	return meta.Timestamp
}
