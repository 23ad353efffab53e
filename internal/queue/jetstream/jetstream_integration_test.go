//go:build integration
// +build integration

package jetstream

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/ssuji15/codemod-run/internal/component/jetstream"
	"github.com/ssuji15/codemod-run/internal/queue"
	tjetstream "github.com/ssuji15/codemod-run/internal/testutil/jetstream"
)

var (
	natsContainer testcontainers.Container
	JETSTREAM_URL string
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	natsContainer, JETSTREAM_URL = tjetstream.SetupContainer(ctx)
	code := m.Run()
	_ = natsContainer.Terminate(ctx)
	os.Exit(code)
}

func resetQueueSingleton() {
	jqc = nil
	initError = nil
	once = sync.Once{}
	jetstream.ResetJetStreamClient()
}

func setQueueEnv() {
	os.Setenv("JETSTREAM_URL", JETSTREAM_URL)
	os.Setenv("MAX_MESSAGES_JOB_QUEUE", "5")
}

func newClient(t *testing.T) *JetStreamQueueClient {
	t.Helper()
	resetQueueSingleton()
	setQueueEnv()

	q, err := NewJetStreamQueueClient()
	require.NoError(t, err)

	client, ok := q.(*JetStreamQueueClient)
	require.True(t, ok)

	return client
}

func TestNewJetStreamQueueClient(t *testing.T) {
	tests := []struct {
		name      string
		unsetEnv  string
		expectErr bool
	}{
		{"unset JETSTREAM_URL fails", "JETSTREAM_URL", true},
		{"unset Max Message fail", "MAX_MESSAGES_JOB_QUEUE", true},
		{"create client successfully", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetQueueSingleton()
			setQueueEnv()

			if tt.unsetEnv != "" {
				os.Unsetenv(tt.unsetEnv)
			}
			q, err := NewJetStreamQueueClient()
			if tt.expectErr {
				require.Error(t, err)
				require.Nil(t, q)
				return
			}
			require.NoError(t, err)
			client, ok := q.(*JetStreamQueueClient)
			require.True(t, ok)
			_, err = client.context.StreamInfo(string(queue.EventStream))
			require.NoError(t, err)
			_, err = client.context.ConsumerInfo(string(queue.EventStream), queue.WORKER_CONSUMER)
			require.NoError(t, err)
			_, err = client.context.StreamInfo(string(queue.DeadLetterStream))
			require.NoError(t, err)
		})
	}
}

func TestJetStreamQueueClient_AddStream(t *testing.T) {
	client := newClient(t)

	tests := []struct {
		name           string
		stream         string
		subjects       []string
		maxMsgs        int
		expectErr      bool
		verifyBehavior func(t *testing.T)
	}{
		{
			name:      "empty stream name",
			stream:    "",
			subjects:  []string{"empty.>"},
			maxMsgs:   10,
			expectErr: true,
		},
		{
			name:      "maxMsgs zero is invalid",
			stream:    "ZERO_MAX_STREAM",
			subjects:  []string{"zero.>"},
			maxMsgs:   0,
			expectErr: true,
		},
		{
			name:     "stream config is applied correctly",
			stream:   "CONFIG_STREAM",
			subjects: []string{"config.>"},
			maxMsgs:  2,
			verifyBehavior: func(t *testing.T) {
				info, err := client.context.StreamInfo("CONFIG_STREAM")
				require.NoError(t, err)

				cfg := info.Config
				require.Equal(t, int64(2), cfg.MaxMsgs)
				require.Equal(t, nats.InterestPolicy, cfg.Retention)
				require.Equal(t, nats.DiscardNew, cfg.Discard)
			},
		},
		{
			name:     "duplicate job ids are published once",
			stream:   "DEDUPE_STREAM",
			subjects: []string{"dedupe.>"},
			maxMsgs:  10,
			verifyBehavior: func(t *testing.T) {
				require.NoError(t, client.AddConsumer("DEDUPE_STREAM", "DEDUPE_CONSUMER", nil, 5))

				id1, err := client.PublishEvent(context.Background(), "dedupe.test", "job-1")
				require.NoError(t, err)
				id2, err := client.PublishEvent(context.Background(), "dedupe.test", "job-1")
				require.NoError(t, err)
				require.Equal(t, id1, id2)

				info, err := client.context.StreamInfo("DEDUPE_STREAM")
				require.NoError(t, err)
				require.Equal(t, uint64(1), info.State.Msgs)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.AddStream(tt.stream, tt.subjects, tt.maxMsgs)

			if tt.expectErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)

			if tt.verifyBehavior != nil {
				tt.verifyBehavior(t)
			}

			_ = client.context.DeleteStream(tt.stream)
		})
	}
}

func TestJobStreamDeliversToWorkerAndDeadLetter(t *testing.T) {
	client := newClient(t)
	ctx := context.Background()

	jobs, err := client.SubscribeEvent(queue.JobCreated, queue.WORKER_CONSUMER)
	require.NoError(t, err)
	dead, err := client.SubscribeEvent(queue.DeadLetterQueue, queue.DLQ_CONSUMER)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("0192f7a8-0000-7000-8000-00000000000%d", i)
		qid, err := client.PublishEvent(ctx, queue.JobCreated, id)
		require.NoError(t, err)
		require.Contains(t, qid, string(queue.EventStream)+":")

		msgs, err := jobs.Fetch(1, 2*time.Second)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		require.Equal(t, []byte(id), msgs[0].Data())
		require.False(t, msgs[0].PublishedAt().IsZero())
		require.NotNil(t, msgs[0].Ctx())
		require.Equal(t, 1, msgs[0].RetryCount())
		require.NoError(t, msgs[0].InProgress())

		if i < 2 {
			require.NoError(t, msgs[0].Ack())
			continue
		}
		_, err = client.PublishEvent(ctx, queue.DeadLetterQueue, id)
		require.NoError(t, err)
		require.NoError(t, msgs[0].Term())

		dl, err := dead.Fetch(1, 2*time.Second)
		require.NoError(t, err)
		require.Equal(t, []byte(id), dl[0].Data())
		require.NoError(t, dl[0].Ack())
	}
}

func TestJetStreamQueueClient_AddConsumer(t *testing.T) {
	client := newClient(t)

	require.NoError(t, client.AddStream("CONSUMER_STREAM", []string{"consumer.>"}, 100))

	tests := []struct {
		name       string
		consumer   string
		backoff    []time.Duration
		maxDeliver int
		wantErr    bool
	}{
		{"Add new consumer succeeds", "TEST_CONSUMER", []time.Duration{time.Second}, 5, false},
		{"Add duplicate consumer again succeeds", "TEST_CONSUMER", []time.Duration{time.Second}, 5, false},
		{"Empty consumer returns error", "", nil, 5, true},
		{"invalid maxDeliver returns error", "BAD_CONSUMER", nil, -5, true},
		{"backoff longer than maxDeliver returns error", "BAD_BACKOFF", []time.Duration{time.Second, time.Second}, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.AddConsumer("CONSUMER_STREAM", tt.consumer, tt.backoff, tt.maxDeliver)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestJetStreamQueueClient_SubscribeEvent(t *testing.T) {
	client := newClient(t)

	require.NoError(t, client.AddStream("SUB_STREAM", []string{"sub.>"}, 100))
	require.NoError(t, client.AddConsumer("SUB_STREAM", "SUB_CONSUMER", nil, 5))

	_, err := client.PublishEvent(context.Background(), "sub.test", "hello")
	require.NoError(t, err)

	tests := []struct {
		name           string
		subject        queue.QueueEvent
		fetchCount     int
		timeout        time.Duration
		expectSubErr   bool
		expectFetchErr error
		expectMsgs     int
	}{
		{
			name:       "successfully fetch one message",
			subject:    "sub.test",
			fetchCount: 1,
			timeout:    5 * time.Second,
			expectMsgs: 1,
		},
		{
			name:         "subscribe to unknown stream",
			subject:      "unknown.test",
			expectSubErr: true,
		},
		{
			name:           "fetch when no data exists reports no messages",
			subject:        "sub.test",
			fetchCount:     1,
			timeout:        100 * time.Millisecond,
			expectFetchErr: queue.ErrNoMessages,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub, err := client.SubscribeEvent(tt.subject, "SUB_CONSUMER")
			if tt.expectSubErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)

			msgs, err := sub.Fetch(tt.fetchCount, tt.timeout)
			if tt.expectFetchErr != nil {
				require.ErrorIs(t, err, tt.expectFetchErr)
				return
			}
			require.NoError(t, err)
			require.Len(t, msgs, tt.expectMsgs)
			require.Equal(t, []byte("hello"), msgs[0].Data())
			require.NoError(t, msgs[0].Term())
		})
	}
}

func TestJetStreamQueueClient_NakRedelivers(t *testing.T) {
	client := newClient(t)

	require.NoError(t, client.AddStream("NAK_STREAM", []string{"nak.>"}, 100))
	require.NoError(t, client.AddConsumer("NAK_STREAM", "NAK_CONSUMER", nil, 3))
	sub, err := client.SubscribeEvent("nak.test", "NAK_CONSUMER")
	require.NoError(t, err)

	_, err = client.PublishEvent(context.Background(), "nak.test", "job-nak")
	require.NoError(t, err)

	msgs, err := sub.Fetch(1, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, msgs[0].RetryCount())
	require.NoError(t, msgs[0].Nak())

	msgs, err = sub.Fetch(1, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, 2, msgs[0].RetryCount())
	require.NoError(t, msgs[0].Ack())
}

func TestJetStreamQueueClient_ShutDown(t *testing.T) {
	client := newClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client.ShutDown(ctx)
	require.Error(t, client.Ping(ctx))
}
