package fakes

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ssuji15/codemod-run/internal/queue"
)

// Queue is an in-memory queue.Queue. Each consumer sees every message published after it
// subscribed, mirroring a durable consumer on an interest stream.
type Queue struct {
	mu        sync.Mutex
	seq       int
	consumers map[string]*consumerState

	// PublishFunc, when set, decides the outcome of each publish.
	PublishFunc func(event queue.QueueEvent, id string) error
	PingErr     error

	Published []Published
}

type Published struct {
	Event queue.QueueEvent
	ID    string
}

type consumerState struct {
	pending []*Msg
}

var _ queue.Queue = (*Queue)(nil)

func NewQueue() *Queue {
	return &Queue{consumers: map[string]*consumerState{}}
}

func (q *Queue) AddStream(name string, subjects []string, maxMsgs int) error {
	return nil
}

func (q *Queue) AddConsumer(stream queue.QueueEvent, consumer string, backoff []time.Duration, maxDeliver int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.consumers[consumer]; !ok {
		q.consumers[consumer] = &consumerState{}
	}
	return nil
}

func (q *Queue) PublishEvent(ctx context.Context, event queue.QueueEvent, id string) (string, error) {
	if q.PublishFunc != nil {
		if err := q.PublishFunc(event, id); err != nil {
			return "", err
		}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	q.Published = append(q.Published, Published{Event: event, ID: id})
	for _, c := range q.consumers {
		c.pending = append(c.pending, &Msg{q: q, c: c, Event: event, Body: []byte(id), Deliveries: 0, At: time.Now()})
	}
	return fmt.Sprintf("FAKE:%d", q.seq), nil
}

// Deliver pushes a message straight to one consumer, for tests that need a
// specific delivery count.
func (q *Queue) Deliver(consumer string, id string, deliveries int) *Msg {
	q.mu.Lock()
	defer q.mu.Unlock()
	c, ok := q.consumers[consumer]
	if !ok {
		c = &consumerState{}
		q.consumers[consumer] = c
	}
	m := &Msg{q: q, c: c, Body: []byte(id), Deliveries: deliveries - 1, At: time.Now()}
	c.pending = append(c.pending, m)
	return m
}

func (q *Queue) PublishedIDs(event queue.QueueEvent) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var ids []string
	for _, p := range q.Published {
		if p.Event == event {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

func (q *Queue) SubscribeEvent(event queue.QueueEvent, consumer string) (queue.Subscription, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	c, ok := q.consumers[consumer]
	if !ok {
		return nil, fmt.Errorf("consumer %s is not declared", consumer)
	}
	return &subscription{q: q, c: c}, nil
}

func (q *Queue) Ping(ctx context.Context) error {
	return q.PingErr
}

func (q *Queue) Close() error {
	return nil
}

func (q *Queue) ShutDown(ctx context.Context) {}

type subscription struct {
	q *Queue
	c *consumerState
}

func (s *subscription) Fetch(n int, timeout time.Duration) ([]queue.QMsg, error) {
	deadline := time.Now().Add(timeout)
	for {
		s.q.mu.Lock()
		if len(s.c.pending) > 0 {
			k := min(n, len(s.c.pending))
			batch := s.c.pending[:k]
			s.c.pending = append([]*Msg(nil), s.c.pending[k:]...)
			out := make([]queue.QMsg, 0, k)
			for _, m := range batch {
				m.Deliveries++
				out = append(out, m)
			}
			s.q.mu.Unlock()
			return out, nil
		}
		s.q.mu.Unlock()
		if time.Now().After(deadline) {
			return nil, queue.ErrNoMessages
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Msg records how it was settled.
type Msg struct {
	q *Queue
	c *consumerState

	Event      queue.QueueEvent
	Body       []byte
	Deliveries int
	At         time.Time

	mu         sync.Mutex
	Acked      bool
	Naked      bool
	Termed     bool
	Heartbeats int
}

func (m *Msg) Data() []byte           { return m.Body }
func (m *Msg) Ctx() context.Context   { return context.Background() }
func (m *Msg) RetryCount() int        { return m.Deliveries }
func (m *Msg) PublishedAt() time.Time { return m.At }

func (m *Msg) Ack() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Acked = true
	return nil
}

// Nak puts the message back at the tail of its consumer.
func (m *Msg) Nak() error {
	m.mu.Lock()
	m.Naked = true
	m.mu.Unlock()
	m.q.mu.Lock()
	m.c.pending = append(m.c.pending, m)
	m.q.mu.Unlock()
	return nil
}

func (m *Msg) NakWithDelay(time.Duration) error {
	return m.Nak()
}

func (m *Msg) Term() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Termed = true
	return nil
}

func (m *Msg) InProgress() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Heartbeats++
	return nil
}

func (m *Msg) State() (acked, naked, termed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Acked, m.Naked, m.Termed
}
