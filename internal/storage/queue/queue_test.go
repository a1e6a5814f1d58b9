package queue

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateName(t *testing.T) {
	for _, name := range []string{"orders", "my-queue", "q12"} {
		assert.NoError(t, ValidateName(name), name)
	}
	for _, name := range []string{"MyQueue", "ab", "a--b", "-ab", "ab-", "has space", "under_score"} {
		err := ValidateName(name)
		assert.True(t, errors.Is(err, ErrInvalidName), name)
	}
	assert.Equal(t, "orders-poison", PoisonQueueName("orders"))
}

func testStore(t *testing.T, s Store, queue string) {
	ctx := context.Background()
	require.NoError(t, s.CreateIfNotExists(ctx, queue))

	_, err := s.Enqueue(ctx, queue, []byte("one"))
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, queue, []byte("two"))
	require.NoError(t, err)

	msgs, err := s.Dequeue(ctx, queue, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	first := msgs[0]
	assert.Equal(t, "one", first.AsString())
	assert.Equal(t, 1, first.DequeueCount)
	assert.NotEmpty(t, first.PopReceipt)

	msgs, err = s.Dequeue(ctx, queue, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	second := msgs[0]
	assert.Equal(t, "two", second.AsString())

	// hidden messages are not returned again
	msgs, err = s.Dequeue(ctx, queue, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	require.NoError(t, s.Delete(ctx, queue, first))
	assert.True(t, errors.Is(s.Delete(ctx, queue, first), ErrNotFound))

	require.NoError(t, s.Release(ctx, queue, second, 0))
	msgs, err = s.Dequeue(ctx, queue, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, 2, msgs[0].DequeueCount)

	stale := *second
	assert.True(t, errors.Is(s.Delete(ctx, queue, &stale), ErrNotFound), "old pop receipt must be rejected")
	require.NoError(t, s.Delete(ctx, queue, msgs[0]))
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore(), "mem-queue")
}

func TestMemoryStoreVisibilityTimeout(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	_, err := s.Enqueue(ctx, "vis", []byte("x"))
	require.NoError(t, err)
	msgs, err := s.Dequeue(ctx, "vis", 1, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	now = now.Add(31 * time.Second)
	msgs, err = s.Dequeue(ctx, "vis", 1, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, 2, msgs[0].DequeueCount)
}

func TestMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	_, err := s.Enqueue(ctx, "ttl", []byte("x"))
	require.NoError(t, err)
	now = now.Add(DefaultTimeToLive)
	msgs, err := s.Dequeue(ctx, "ttl", 1, time.Second)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Equal(t, 0, s.Len("ttl"))
}

func TestNotifyingStoreSignals(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := NewChannelNotifier()
	defer n.Close()
	s := &NotifyingStore{Store: NewMemoryStore(), Notifier: n}

	ch := n.Subscribe(ctx, "wake")
	_, err := s.Enqueue(ctx, "wake", []byte("x"))
	require.NoError(t, err)

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected a wake-up signal")
	}
}

func TestChannelNotifierIsolatesQueues(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n := NewChannelNotifier()
	defer n.Close()

	a := n.Subscribe(ctx, "a")
	b := n.Subscribe(ctx, "b")
	require.NoError(t, n.Notify(ctx, "a"))
	require.NoError(t, n.Notify(ctx, "a"))

	select {
	case <-a:
	case <-time.After(time.Second):
		t.Fatal("expected signal on a")
	}
	select {
	case <-b:
		t.Fatal("unexpected signal on b")
	case <-time.After(10 * time.Millisecond):
	}
}

func TestChannelNotifierClose(t *testing.T) {
	n := NewChannelNotifier()
	ch := n.Subscribe(context.Background(), "q")
	require.NoError(t, n.Close())
	_, ok := <-ch
	assert.False(t, ok)

	closed := n.Subscribe(context.Background(), "q")
	_, ok = <-closed
	assert.False(t, ok)
}

func TestNoopNotifierClosesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := NewNoopNotifier().Subscribe(ctx, "q")
	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func newTestRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available, skipping: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisStore(t *testing.T) {
	client := newTestRedisClient(t)
	queue := "redis-test-queue"
	ctx := context.Background()
	client.Del(ctx, msgsKey(queue), readyKey(queue), inflightKey(queue))
	testStore(t, NewRedisStore(client), queue)
}

func TestRedisListNotifier(t *testing.T) {
	client := newTestRedisClient(t)
	client.Del(context.Background(), redisSignalPrefix+"signal-test")

	n := NewRedisListNotifier(client)
	defer n.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := n.Subscribe(ctx, "signal-test")
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, n.Notify(ctx, "signal-test"))

	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatal("expected notification")
	}
}
