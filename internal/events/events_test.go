package events

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type collector struct {
	mu   sync.Mutex
	seen []CustomerActivity
	err  error
}

func (c *collector) handle(_ context.Context, event CustomerActivity) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, event)
	return c.err
}

func (c *collector) events() []CustomerActivity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]CustomerActivity(nil), c.seen...)
}

func activity(customerID string) CustomerActivity {
	return CustomerActivity{
		CustomerID:    customerID,
		TransactionID: "sale_1",
		Cause:         CauseSale,
		OccurredAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestDirectSwallowsHandlerErrors(t *testing.T) {
	c := &collector{err: errors.New("db down")}
	d := NewDirect(c.handle, zaptest.NewLogger(t))

	require.NoError(t, d.Publish(context.Background(), activity("cust-1")))
	require.Len(t, c.events(), 1)
}

func TestLocalDeliversBeforeClose(t *testing.T) {
	c := &collector{}
	l := NewLocal(c.handle, zaptest.NewLogger(t), 8)

	for _, id := range []string{"cust-1", "cust-2", "cust-3"} {
		require.NoError(t, l.Publish(context.Background(), activity(id)))
	}
	require.NoError(t, l.Close())

	seen := c.events()
	require.Len(t, seen, 3)
	require.Equal(t, "cust-1", seen[0].CustomerID)
	require.Equal(t, "cust-3", seen[2].CustomerID)

	require.ErrorIs(t, l.Publish(context.Background(), activity("cust-4")), ErrBufferFull)
}

func TestLocalRejectsWhenFull(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{}, 1)
	l := NewLocal(func(context.Context, CustomerActivity) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-block
		return nil
	}, zaptest.NewLogger(t), 1)

	require.NoError(t, l.Publish(context.Background(), activity("cust-1")))
	<-started
	require.NoError(t, l.Publish(context.Background(), activity("cust-2")))
	require.ErrorIs(t, l.Publish(context.Background(), activity("cust-3")), ErrBufferFull)

	close(block)
	require.NoError(t, l.Close())
}

func TestDecodeRequiresCustomer(t *testing.T) {
	payload, err := encode(activity("cust-1"))
	require.NoError(t, err)

	event, err := decode(payload)
	require.NoError(t, err)
	require.Equal(t, activity("cust-1"), event)

	_, err = decode([]byte(`{"transaction_id":"sale_1"}`))
	require.Error(t, err)
	_, err = decode([]byte(`not json`))
	require.Error(t, err)
}

type fakeProducer struct {
	messages []kafka.Message
}

func (p *fakeProducer) WriteMessage(_ context.Context, msg kafka.Message) error {
	p.messages = append(p.messages, msg)
	return nil
}

func (p *fakeProducer) Close() error { return nil }

type fakeConsumer struct {
	messages []kafka.Message
	cancel   context.CancelFunc
}

func (c *fakeConsumer) ReadMessage(ctx context.Context) (*kafka.Message, error) {
	if len(c.messages) == 0 {
		c.cancel()
		return nil, ctx.Err()
	}
	msg := c.messages[0]
	c.messages = c.messages[1:]
	return &msg, nil
}

func (c *fakeConsumer) Close() error { return nil }

func TestKafkaKeysByCustomerAndSkipsMalformed(t *testing.T) {
	producer := &fakeProducer{}
	k := &Kafka{topic: "ledger.customer-activity", producer: producer, logger: zaptest.NewLogger(t)}

	require.NoError(t, k.Publish(context.Background(), activity("cust-9")))
	require.Len(t, producer.messages, 1)
	require.Equal(t, []byte("cust-9"), producer.messages[0].Key)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	k.consumer = &fakeConsumer{
		messages: []kafka.Message{{Value: []byte("garbage")}, producer.messages[0]},
		cancel:   cancel,
	}

	c := &collector{}
	require.NoError(t, k.Consume(ctx, c.handle))
	seen := c.events()
	require.Len(t, seen, 1)
	require.Equal(t, "cust-9", seen[0].CustomerID)
}

func TestRedisStreamDeliversEventsPublishedBeforeConsumerStarts(t *testing.T) {
	addr := os.Getenv("KASIRLEDGER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("KASIRLEDGER_TEST_REDIS_ADDR is not set")
	}

	stream := "ledger:test:" + time.Now().UTC().Format("150405.000000000")
	r := NewRedisStream(addr, "", 0, stream, "test-consumer", zaptest.NewLogger(t))
	t.Cleanup(func() { _ = r.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, r.Ping(ctx))
	require.NoError(t, r.EnsureGroup(ctx))
	require.NoError(t, r.EnsureGroup(ctx))

	require.NoError(t, r.Publish(ctx, activity("cust-redis")))

	got := make(chan CustomerActivity, 1)
	go func() {
		_ = r.Consume(ctx, func(_ context.Context, event CustomerActivity) error {
			got <- event
			return nil
		})
	}()

	select {
	case event := <-got:
		require.Equal(t, "cust-redis", event.CustomerID)
	case <-ctx.Done():
		t.Fatal("timed out waiting for stream event")
	}
}

func TestDialKafkaFailsForUnreachableBroker(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := DialKafka(ctx, "127.0.0.1:1")
	require.Error(t, err)
	require.ErrorContains(t, err, "dial kafka 127.0.0.1:1")
}
