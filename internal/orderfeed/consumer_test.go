package orderfeed

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	failures  int
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures > 0 {
		r.failures--
		return kafka.Message{}, errors.New("broker unreachable")
	}
	if len(r.queue) == 0 {
		return kafka.Message{}, io.EOF
	}
	msg := r.queue[0]
	r.queue = r.queue[1:]
	return msg, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, msg := range msgs {
		r.committed = append(r.committed, msg.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

type fakeNudger struct {
	mu      sync.Mutex
	tracked map[string]bool
	calls   []string
}

func (n *fakeNudger) Nudge(orderID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, orderID)
	return n.tracked[orderID]
}

func TestConsumerNudgesOrdersAndCommits(t *testing.T) {
	reader := &fakeReader{
		failures: 1,
		queue: []kafka.Message{
			{Offset: 1, Value: []byte(`{"order_id":"ord_0001","status":"SHIPPED"}`)},
			{Offset: 2, Value: []byte(`not json`)},
			{Offset: 3, Key: []byte("ord_0002"), Value: []byte(`{"status":"PACKED"}`)},
			{Offset: 4, Value: []byte(`{"status":"PACKED"}`)},
		},
	}
	nudger := &fakeNudger{tracked: map[string]bool{"ord_0001": true}}
	consumer, err := NewConsumer(ConsumerDeps{Reader: reader, Orders: nudger, ErrorBackoff: time.Millisecond})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		consumer.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop when the reader was drained")
	}

	assert.Equal(t, []string{"ord_0001", "ord_0002"}, nudger.calls)
	assert.Equal(t, []int64{1, 2, 3, 4}, reader.committed)

	require.NoError(t, consumer.Close())
	assert.True(t, reader.closed)
}

func TestConsumerStopsOnCancel(t *testing.T) {
	reader := &fakeReader{failures: 1 << 20}
	consumer, err := NewConsumer(ConsumerDeps{Reader: reader, Orders: &fakeNudger{}, ErrorBackoff: time.Hour})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		consumer.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer ignored cancellation during backoff")
	}
}

func TestConsumerHandleReportsTrackedOrders(t *testing.T) {
	nudger := &fakeNudger{tracked: map[string]bool{"ord_7": true}}
	consumer, err := NewConsumer(ConsumerDeps{Reader: &fakeReader{}, Orders: nudger})
	require.NoError(t, err)

	assert.True(t, consumer.Handle(context.Background(), kafka.Message{Value: []byte(`{"order_id":"ord_7"}`)}))
	assert.False(t, consumer.Handle(context.Background(), kafka.Message{Value: []byte(`{"order_id":"ord_8"}`)}))
}

func TestNewReaderRequiresTopic(t *testing.T) {
	_, err := NewReader(Config{Brokers: []string{"localhost:9092"}})
	require.Error(t, err)
}

func TestNewConsumerValidatesDeps(t *testing.T) {
	_, err := NewConsumer(ConsumerDeps{Orders: &fakeNudger{}})
	require.Error(t, err)
	_, err = NewConsumer(ConsumerDeps{Reader: &fakeReader{}})
	require.Error(t, err)
}
