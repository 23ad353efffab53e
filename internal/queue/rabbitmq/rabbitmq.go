package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/ssuji15/codemod-run/internal/config"
	"github.com/ssuji15/codemod-run/internal/custom_errors"
	"github.com/ssuji15/codemod-run/internal/job_tracer"
	"github.com/ssuji15/codemod-run/internal/queue"
	"github.com/ssuji15/codemod-run/internal/service/logger"
	"github.com/ssuji15/codemod-run/internal/util"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	publishTimeout = 2 * time.Second
	pollInterval   = 50 * time.Millisecond
)

type stream struct {
	subjects []string
	maxMsgs  int
}

type consumer struct {
	queue   string
	backoff []time.Duration
}

// RabbitMQQueueClient maps streams onto durable topic exchanges and consumers onto
// quorum queues bound to them. Quorum queues track x-delivery-count and enforce the
// delivery limit, which gives the same redelivery contract as a JetStream consumer.
type RabbitMQQueueClient struct {
	conn *amqp.Connection

	pubMu sync.Mutex
	pub   *amqp.Channel

	subMu sync.Mutex
	sub   *amqp.Channel

	mu        sync.RWMutex
	streams   map[string]stream
	consumers map[string]consumer
}

var (
	rqc       *RabbitMQQueueClient
	once      sync.Once
	initError error
)

func NewRabbitMQQueueClient() (queue.Queue, error) {
	once.Do(func() {
		cfg, err := config.GetRabbitMQConfig()
		if err != nil {
			initError = err
			return
		}
		qcfg, err := config.GetNatsQueueConfig()
		if err != nil {
			initError = err
			return
		}
		c, err := dial(cfg.URL)
		if err != nil {
			initError = err
			return
		}
		if err := c.AddStream(string(queue.EventStream), []string{"events.>"}, qcfg.MAX_MESSAGES_JOB_QUEUE); err != nil {
			initError = err
			return
		}
		if err := c.AddConsumer(queue.EventStream, queue.WORKER_CONSUMER, queue.DefaultBackOff, queue.MaxDeliver); err != nil {
			initError = err
			return
		}
		if err := c.AddStream(string(queue.DeadLetterStream), []string{"dead.>"}, qcfg.MAX_MESSAGES_JOB_QUEUE); err != nil {
			initError = err
			return
		}
		if err := c.AddConsumer(queue.DeadLetterStream, queue.DLQ_CONSUMER, nil, 1); err != nil {
			initError = err
			return
		}
		rqc = c
	})
	if initError != nil {
		return nil, initError
	}
	return rqc, nil
}

func dial(url string) (*RabbitMQQueueClient, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat:  10 * time.Second,
		Properties: amqp.Table{"connection_name": "codemod-run"},
	})
	if err != nil {
		return nil, err
	}

	pub, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := pub.Confirm(false); err != nil {
		conn.Close()
		return nil, err
	}

	sub, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	go func() {
		if err := <-conn.NotifyClose(make(chan *amqp.Error, 1)); err != nil {
			logger.Log.Error().Err(err).Msg("rabbitmq connection closed")
		}
	}()

	return &RabbitMQQueueClient{
		conn:      conn,
		pub:       pub,
		sub:       sub,
		streams:   map[string]stream{},
		consumers: map[string]consumer{},
	}, nil
}

// bindingKey converts a NATS style subject filter into an AMQP topic pattern.
func bindingKey(subject string) string {
	parts := strings.Split(subject, ".")
	for i, p := range parts {
		if p == ">" {
			parts[i] = "#"
		}
	}
	return strings.Join(parts, ".")
}

func (c *RabbitMQQueueClient) AddStream(name string, subjects []string, maxMsgs int) error {
	if name == "" {
		return fmt.Errorf("stream name cannot be empty")
	}
	if maxMsgs <= 0 {
		return fmt.Errorf("max messages must be greater than 0")
	}
	c.subMu.Lock()
	err := c.sub.ExchangeDeclare(
		name,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	)
	c.subMu.Unlock()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.streams[name] = stream{subjects: subjects, maxMsgs: maxMsgs}
	c.mu.Unlock()
	return nil
}

func queueName(stream queue.QueueEvent, consumer string) string {
	return fmt.Sprintf("%s.%s", stream, consumer)
}

func (c *RabbitMQQueueClient) AddConsumer(streamName queue.QueueEvent, name string, backoff []time.Duration, maxDeliver int) error {
	if name == "" {
		return fmt.Errorf("consumer name cannot be empty")
	}
	if maxDeliver <= 0 {
		return fmt.Errorf("max deliver must be greater than 0")
	}
	if len(backoff) > maxDeliver {
		return fmt.Errorf("backoff has more steps than max deliver")
	}

	c.mu.RLock()
	s, ok := c.streams[string(streamName)]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("stream %s is not declared", streamName)
	}

	qn := queueName(streamName, name)
	c.subMu.Lock()
	defer c.subMu.Unlock()

	// x-delivery-limit counts redeliveries, so the first delivery is not part of it.
	_, err := c.sub.QueueDeclare(
		qn,
		true,
		false,
		false,
		false,
		amqp.Table{
			amqp.QueueTypeArg:     amqp.QueueTypeQuorum,
			amqp.QueueMaxLenArg:   int64(s.maxMsgs),
			amqp.QueueOverflowArg: amqp.QueueOverflowRejectPublish,
			"x-delivery-limit":    int64(maxDeliver - 1),
		},
	)
	if err != nil {
		return err
	}
	for _, subj := range s.subjects {
		if err := c.sub.QueueBind(qn, bindingKey(subj), string(streamName), false, nil); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.consumers[name] = consumer{queue: qn, backoff: backoff}
	c.mu.Unlock()
	return nil
}

// streamFor returns the exchange whose subjects cover event.
func (c *RabbitMQQueueClient) streamFor(event queue.QueueEvent) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for name, s := range c.streams {
		for _, subj := range s.subjects {
			if prefix, ok := strings.CutSuffix(subj, ">"); ok {
				if strings.HasPrefix(string(event), prefix) {
					return name, true
				}
			} else if subj == string(event) {
				return name, true
			}
		}
	}
	return "", false
}

func (c *RabbitMQQueueClient) PublishEvent(ctx context.Context, event queue.QueueEvent, id string) (string, error) {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "RabbitMQ/PublishEvent")
	defer span.End()

	span.AddEvent("job.context",
		trace.WithAttributes(attribute.String("job_id", id), attribute.String("event", string(event))),
	)

	if id == "" {
		err := fmt.Errorf("message id cannot be empty")
		util.RecordSpanError(span, err)
		return "", err
	}
	if c.conn.IsClosed() {
		util.RecordSpanError(span, custom_errors.ErrQueueUnavailable)
		return "", custom_errors.ErrQueueUnavailable
	}
	exchange, ok := c.streamFor(event)
	if !ok {
		err := fmt.Errorf("no stream for event %s", event)
		util.RecordSpanError(span, err)
		return "", err
	}

	h := http.Header{}
	queue.InjectTrace(ctx, h)
	headers := amqp.Table{}
	for k := range h {
		headers[k] = h.Get(k)
	}

	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	c.pubMu.Lock()
	confirm, err := c.pub.PublishWithDeferredConfirmWithContext(
		pctx,
		exchange,
		string(event),
		false,
		false,
		amqp.Publishing{
			ContentType:  "text/plain",
			DeliveryMode: amqp.Persistent,
			MessageId:    id,
			Timestamp:    time.Now().UTC(),
			Headers:      headers,
			Body:         []byte(id),
		},
	)
	c.pubMu.Unlock()
	if err != nil {
		util.RecordSpanError(span, err)
		return "", fmt.Errorf("%w: %v", custom_errors.ErrQueueUnavailable, err)
	}

	acked, err := confirm.WaitContext(pctx)
	if err != nil {
		util.RecordSpanError(span, err)
		return "", fmt.Errorf("%w: %v", custom_errors.ErrQueueUnavailable, err)
	}
	if !acked {
		err := fmt.Errorf("%w: broker rejected message", custom_errors.ErrQueueUnavailable)
		util.RecordSpanError(span, err)
		return "", err
	}
	return fmt.Sprintf("%s:%d", exchange, confirm.DeliveryTag), nil
}

func (c *RabbitMQQueueClient) SubscribeEvent(event queue.QueueEvent, name string) (queue.Subscription, error) {
	if _, ok := c.streamFor(event); !ok {
		return nil, fmt.Errorf("no stream for event %s", event)
	}
	c.mu.RLock()
	cons, ok := c.consumers[name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("consumer %s is not declared", name)
	}
	return &subscription{client: c, consumer: cons}, nil
}

func (c *RabbitMQQueueClient) Ping(ctx context.Context) error {
	if c.conn.IsClosed() {
		return custom_errors.ErrQueueUnavailable
	}
	return nil
}

func (c *RabbitMQQueueClient) Close() error {
	if err := c.sub.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		_ = c.conn.Close()
		return err
	}
	if err := c.pub.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		_ = c.conn.Close()
		return err
	}
	return c.conn.Close()
}

func (c *RabbitMQQueueClient) ShutDown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		if err := c.Close(); err != nil {
			logger.Log.Error().Err(err).Msg("failed to close rabbitmq connection")
		}
		close(done)
	}()
	select {
	case <-done:
		logger.Log.Info().Msg("rabbitmq connection closed")
	case <-ctx.Done():
		logger.Log.Warn().Msg("rabbitmq shutdown timed out")
	}
}

type subscription struct {
	client   *RabbitMQQueueClient
	consumer consumer
}

// Fetch polls the consumer queue with basic.get until n deliveries arrived or the timeout elapsed.
func (s *subscription) Fetch(n int, timeout time.Duration) ([]queue.QMsg, error) {
	if n <= 0 {
		return nil, fmt.Errorf("fetch count must be greater than 0")
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("fetch timeout must be greater than 0")
	}

	deadline := time.Now().Add(timeout)
	msgs := make([]queue.QMsg, 0, n)
	for len(msgs) < n {
		s.client.subMu.Lock()
		d, ok, err := s.client.sub.Get(s.consumer.queue, false)
		s.client.subMu.Unlock()
		if err != nil {
			return msgs, fmt.Errorf("%w: %v", custom_errors.ErrQueueUnavailable, err)
		}
		if ok {
			msgs = append(msgs, &qMsg{d: d, backoff: s.consumer.backoff})
			continue
		}
		if len(msgs) > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(pollInterval)
	}
	if len(msgs) == 0 {
		return nil, queue.ErrNoMessages
	}
	return msgs, nil
}

type qMsg struct {
	d       amqp.Delivery
	backoff []time.Duration
}

func (m *qMsg) Data() []byte {
	return m.d.Body
}

func (m *qMsg) Ctx() context.Context {
	h := http.Header{}
	for k, v := range m.d.Headers {
		if s, ok := v.(string); ok {
			h.Set(k, s)
		}
	}
	return queue.ExtractTrace(h)
}

func (m *qMsg) Ack() error {
	return m.d.Ack(false)
}

// Nak requeues after the consumer's backoff step for this delivery.
func (m *qMsg) Nak() error {
	if len(m.backoff) == 0 {
		return m.d.Nack(false, true)
	}
	i := m.RetryCount() - 1
	if i >= len(m.backoff) {
		i = len(m.backoff) - 1
	}
	return m.NakWithDelay(m.backoff[i])
}

// NakWithDelay holds the delivery unacknowledged for d, then requeues it.
func (m *qMsg) NakWithDelay(d time.Duration) error {
	if d <= 0 {
		return m.d.Nack(false, true)
	}
	time.AfterFunc(d, func() {
		if err := m.d.Nack(false, true); err != nil {
			logger.Log.Error().Err(err).Msg("failed to requeue delivery")
		}
	})
	return nil
}

func (m *qMsg) Term() error {
	return m.d.Reject(false)
}

// InProgress is a no-op; RabbitMQ has no ack deadline shorter than the consumer timeout.
func (m *qMsg) InProgress() error {
	return nil
}

func (m *qMsg) RetryCount() int {
	switch v := m.d.Headers["x-delivery-count"].(type) {
	case int64:
		return int(v) + 1
	case int32:
		return int(v) + 1
	case int:
		return v + 1
	}
	return 1
}

func (m *qMsg) PublishedAt() time.Time {
	return m.d.Timestamp
}
