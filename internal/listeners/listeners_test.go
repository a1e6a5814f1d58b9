package listeners

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/oriys/jobhost/internal/domain"
	"github.com/oriys/jobhost/internal/observability"
	"github.com/oriys/jobhost/internal/servicebus"
	"github.com/oriys/jobhost/internal/storage/blob"
	"github.com/oriys/jobhost/internal/storage/queue"
	"github.com/oriys/jobhost/internal/storage/table"
	"github.com/oriys/jobhost/internal/triggers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func fastOptions() Options {
	return Options{
		BatchSize:           4,
		MaxDequeueCount:     2,
		MinPollingInterval:  5 * time.Millisecond,
		MaxPollingInterval:  20 * time.Millisecond,
		VisibilityTimeout:   time.Minute,
		MaxDeliveryCount:    2,
		PrefetchCount:       8,
		BlobPollingInterval: 10 * time.Millisecond,
	}
}

// recorder is an Executor that records what it was called with.
type recorder struct {
	mu     sync.Mutex
	values []any
	err    error
}

func (r *recorder) Execute(_ context.Context, value any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, value)
	return r.err
}

func (r *recorder) calls() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.values...)
}

func receiveOne(t *testing.T, c *servicebus.MemoryClient, entity string) *servicebus.Message {
	t.Helper()
	rcv, err := c.NewReceiver(entity)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msgs, err := rcv.Receive(ctx, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	return msgs[0]
}

func newBus(t *testing.T, entity string, bodies ...string) *servicebus.MemoryClient {
	t.Helper()
	c := servicebus.NewMemoryClient()
	require.NoError(t, c.CreateEntity(context.Background(), entity))
	for _, b := range bodies {
		require.NoError(t, c.Send(context.Background(), entity, servicebus.NewMessage(b)))
	}
	return c
}

func TestServiceBusInvokerCompletesInOrder(t *testing.T) {
	c := newBus(t, "orders", "a")
	msg := receiveOne(t, c, "orders")

	var order []string
	exec := func(name string) Executor {
		return ExecutorFunc(func(_ context.Context, value any) error {
			in := value.(triggers.Input[*servicebus.Message])
			assert.False(t, in.Batch)
			order = append(order, name)
			return nil
		})
	}
	err := ServiceBusInvoker{MaxDeliveryCount: 10}.Process(context.Background(), []*servicebus.Message{msg}, false,
		[]Executor{exec("first"), exec("second")})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, order)
	assert.Equal(t, 0, c.Pending("orders"))
}

func TestServiceBusInvokerCancelledBeforeInvocation(t *testing.T) {
	c := newBus(t, "orders", "a")
	msg := receiveOne(t, c, "orders")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := &recorder{}
	err := ServiceBusInvoker{}.Process(ctx, []*servicebus.Message{msg}, false, []Executor{rec})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, rec.calls())

	again := receiveOne(t, c, "orders")
	assert.Equal(t, 2, again.DeliveryCount, "abandoned message is delivered again")
}

func TestServiceBusInvokerCancelledDuringInvocation(t *testing.T) {
	c := newBus(t, "orders", "a")
	msg := receiveOne(t, c, "orders")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	first := ExecutorFunc(func(context.Context, any) error {
		cancel()
		return nil
	})
	rest := &recorder{}
	err := ServiceBusInvoker{}.Process(ctx, []*servicebus.Message{msg}, false, []Executor{first, rest, rest})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, rest.calls(), "remaining triggers must not run")

	again := receiveOne(t, c, "orders")
	assert.Equal(t, "a", string(again.Body))
}

func TestServiceBusInvokerFailureAbandonsThenDeadLetters(t *testing.T) {
	c := newBus(t, "orders", "a")
	failing := &recorder{err: errors.New("boom")}
	invoker := ServiceBusInvoker{MaxDeliveryCount: 2}

	msg := receiveOne(t, c, "orders")
	require.Error(t, invoker.Process(context.Background(), []*servicebus.Message{msg}, false, []Executor{failing}))
	assert.Equal(t, 1, c.Pending("orders"))

	msg = receiveOne(t, c, "orders")
	require.Equal(t, 2, msg.DeliveryCount)
	require.Error(t, invoker.Process(context.Background(), []*servicebus.Message{msg}, false, []Executor{failing}))
	assert.Equal(t, 0, c.Pending("orders"))
	assert.Equal(t, 1, c.Pending(servicebus.DeadLetterPath("orders")))
}

func TestServiceBusInvokerBatch(t *testing.T) {
	c := newBus(t, "orders", "a", "b", "c")
	rcv, err := c.NewReceiver("orders")
	require.NoError(t, err)
	msgs, err := rcv.Receive(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	rec := &recorder{}
	require.NoError(t, ServiceBusInvoker{}.Process(context.Background(), msgs, true, []Executor{rec}))
	calls := rec.calls()
	require.Len(t, calls, 1)
	in := calls[0].(triggers.Input[*servicebus.Message])
	assert.True(t, in.Batch)
	assert.Len(t, in.Messages, 3)
	assert.Equal(t, 0, c.Pending("orders"))
}

func TestServiceBusListenerCreatesMissingEntity(t *testing.T) {
	c := servicebus.NewMemoryClient()
	l := NewServiceBusListener(c, fastOptions())
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := &serviceBusRegistration{listener: l, functionID: "f", entity: "created", exec: rec}
	require.NoError(t, reg.Start(ctx))

	require.Eventually(t, func() bool {
		return c.Send(ctx, "created", servicebus.NewMessage("x")) == nil
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(rec.calls()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, reg.IsHealthy())
	require.Eventually(t, func() bool { return c.Pending("created") == 0 }, time.Second, 10*time.Millisecond)

	require.NoError(t, reg.Stop(context.Background()))
	assert.False(t, reg.IsHealthy())
}

func TestServiceBusListenerSharedReceiver(t *testing.T) {
	c := newBus(t, "events")
	l := NewServiceBusListener(c, fastOptions())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var order []string
	exec := func(name string) Executor {
		return ExecutorFunc(func(context.Context, any) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		})
	}
	l.Register(ctx, "a", "events", false, exec("a"))
	l.Register(ctx, "b", "events", false, exec("b"))

	require.NoError(t, c.Send(ctx, "events", servicebus.NewMessage("1")))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"a", "b"}, order)
	mu.Unlock()

	require.NoError(t, l.Unregister(context.Background(), "a", "events", false))
	assert.True(t, l.Healthy("events", false))
	require.NoError(t, l.Unregister(context.Background(), "b", "events", false))
	assert.False(t, l.Healthy("events", false))
}

func TestQueueListenerDeletesProcessedMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := queue.NewMemoryStore()
	notifier := queue.NewChannelNotifier()
	rec := &recorder{}

	l := NewQueueListener("f", "orders", store, notifier, rec, false, fastOptions())
	require.NoError(t, l.Start(ctx))
	defer l.Stop(context.Background())

	for _, b := range []string{"a", "b", "c"} {
		_, err := store.Enqueue(ctx, "orders", []byte(b))
		require.NoError(t, err)
	}
	require.NoError(t, notifier.Notify(ctx, "orders"))

	require.Eventually(t, func() bool { return store.Len("orders") == 0 }, 2*time.Second, 5*time.Millisecond)
	var bodies []string
	for _, v := range rec.calls() {
		in := v.(triggers.Input[*queue.Message])
		require.Len(t, in.Messages, 1)
		bodies = append(bodies, in.Messages[0].AsString())
	}
	assert.ElementsMatch(t, []string{"a", "b", "c"}, bodies)
	assert.True(t, l.IsHealthy())
}

func TestQueueListenerPoisonsAfterMaxDequeueCount(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := queue.NewMemoryStore()
	rec := &recorder{err: errors.New("always fails")}

	_, err := store.Enqueue(ctx, "orders", []byte("bad"))
	require.NoError(t, err)

	l := NewQueueListener("f", "orders", store, nil, rec, false, fastOptions())
	require.NoError(t, l.Start(ctx))
	defer l.Stop(context.Background())

	poison := queue.PoisonQueueName("orders")
	require.Eventually(t, func() bool {
		return store.Len(poison) == 1 && store.Len("orders") == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, rec.calls(), 2)

	msgs, err := store.Dequeue(ctx, poison, 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "bad", msgs[0].AsString())
}

func TestQueueListenerBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := queue.NewMemoryStore()
	for _, b := range []string{"a", "b", "c"} {
		_, err := store.Enqueue(ctx, "orders", []byte(b))
		require.NoError(t, err)
	}
	rec := &recorder{}
	l := NewQueueListener("f", "orders", store, nil, rec, true, fastOptions())
	require.NoError(t, l.Start(ctx))
	defer l.Stop(context.Background())

	require.Eventually(t, func() bool { return store.Len("orders") == 0 }, 2*time.Second, 5*time.Millisecond)
	calls := rec.calls()
	require.Len(t, calls, 1)
	in := calls[0].(triggers.Input[*queue.Message])
	assert.True(t, in.Batch)
	assert.Len(t, in.Messages, 3)
}

func TestQueueListenerCancellationReleases(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := queue.NewMemoryStore()
	_, err := store.Enqueue(ctx, "orders", []byte("slow"))
	require.NoError(t, err)

	var started atomic.Bool
	exec := ExecutorFunc(func(ctx context.Context, _ any) error {
		started.Store(true)
		<-ctx.Done()
		return ctx.Err()
	})
	l := NewQueueListener("f", "orders", store, nil, exec, false, fastOptions())
	require.NoError(t, l.Start(ctx))
	require.Eventually(t, started.Load, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, l.Stop(context.Background()))

	assert.Equal(t, 1, store.Len("orders"))
	msgs, err := store.Dequeue(context.Background(), "orders", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "released message is visible again")
	assert.Equal(t, 0, store.Len(queue.PoisonQueueName("orders")))
}

type pathMatcher string

func (p pathMatcher) Match(ref blob.Ref) (map[string]string, bool) {
	container, name := string(p), ref.Name
	if ref.Container != container || len(name) < 5 || name[len(name)-4:] != ".csv" {
		return nil, false
	}
	return map[string]string{"name": name[:len(name)-4]}, true
}

func TestBlobListenerScan(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore()
	queues := queue.NewMemoryStore()
	rec := &recorder{}

	l, err := NewBlobListener("f", "input/{name}.csv", pathMatcher("input"), store, queues, nil, rec, fastOptions())
	require.NoError(t, err)
	require.NoError(t, l.receipts.Init(ctx))

	_, err = store.Write(ctx, blob.Ref{Container: "input", Name: "a.csv"}, []byte("1"), "text/csv")
	require.NoError(t, err)
	_, err = store.Write(ctx, blob.Ref{Container: "input", Name: "skip.txt"}, []byte("2"), "text/plain")
	require.NoError(t, err)

	require.NoError(t, l.Scan(ctx))
	require.Equal(t, []any{blob.Ref{Container: "input", Name: "a.csv"}}, rec.calls())

	require.NoError(t, l.Scan(ctx))
	assert.Len(t, rec.calls(), 1, "unchanged blob is not processed twice")

	_, err = store.Write(ctx, blob.Ref{Container: "input", Name: "a.csv"}, []byte("changed"), "text/csv")
	require.NoError(t, err)
	require.NoError(t, l.Scan(ctx))
	assert.Len(t, rec.calls(), 2, "new ETag triggers again")
}

func TestBlobListenerPoison(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore()
	queues := queue.NewMemoryStore()
	rec := &recorder{err: errors.New("bad blob")}

	l, err := NewBlobListener("fn", "input/{name}.csv", pathMatcher("input"), store, queues, nil, rec, fastOptions())
	require.NoError(t, err)
	props, err := store.Write(ctx, blob.Ref{Container: "input", Name: "x.csv"}, []byte("1"), "text/csv")
	require.NoError(t, err)

	require.NoError(t, l.Scan(ctx))
	assert.Equal(t, 0, queues.Len(BlobPoisonQueue))
	require.NoError(t, l.Scan(ctx))
	require.Equal(t, 1, queues.Len(BlobPoisonQueue))
	require.NoError(t, l.Scan(ctx))
	assert.Len(t, rec.calls(), 2, "poisoned blob is not retried")

	msgs, err := queues.Dequeue(ctx, BlobPoisonQueue, 1, time.Minute)
	require.NoError(t, err)
	var poison BlobPoisonMessage
	require.NoError(t, json.Unmarshal(msgs[0].Body, &poison))
	assert.Equal(t, BlobPoisonMessage{
		Type:          "BlobTrigger",
		FunctionID:    "fn",
		BlobType:      "BlockBlob",
		ContainerName: "input",
		BlobName:      "x.csv",
		ETag:          props.ETag,
	}, poison)
}

func TestTimerListenerRunOnStartup(t *testing.T) {
	var reason atomic.Value
	infos := make(chan *triggers.TimerInfo, 1)
	exec := ExecutorFunc(func(ctx context.Context, value any) error {
		reason.Store(ReasonFrom(ctx))
		infos <- value.(*triggers.TimerInfo)
		return nil
	})
	cp := NewCheckpoints(nil)
	l, err := NewTimerListener("tick", triggers.TimerTrigger{Schedule: "@every 1h", RunOnStartup: true}, cp, exec)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, l.Start(ctx))
	defer l.Stop(context.Background())

	select {
	case info := <-infos:
		assert.False(t, info.IsPastDue)
		assert.Equal(t, "@every 1h", info.Schedule)
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not run on startup")
	}
	assert.Equal(t, domain.ReasonRunOnStartup, reason.Load())

	require.Eventually(t, func() bool {
		var s triggers.ScheduleStatus
		found, _ := cp.Load(context.Background(), KindTimer, "tick", &s)
		return found && s.Next.After(s.Last)
	}, time.Second, 5*time.Millisecond)
}

func TestTimerListenerPastDue(t *testing.T) {
	cp := NewCheckpoints(nil)
	ctx := context.Background()
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, cp.Save(ctx, KindTimer, "tick", triggers.ScheduleStatus{Last: past.Add(-time.Hour), Next: past}))

	infos := make(chan *triggers.TimerInfo, 1)
	exec := ExecutorFunc(func(_ context.Context, value any) error {
		infos <- value.(*triggers.TimerInfo)
		return nil
	})
	l, err := NewTimerListener("tick", triggers.TimerTrigger{Schedule: "@every 1h"}, cp, exec)
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	require.NoError(t, l.Start(runCtx))
	defer l.Stop(context.Background())

	select {
	case info := <-infos:
		assert.True(t, info.IsPastDue)
		require.NotNil(t, info.ScheduleStatus)
		assert.True(t, info.ScheduleStatus.Next.Equal(past))
	case <-time.After(2 * time.Second):
		t.Fatal("past due timer did not run")
	}
}

func TestCheckpoints(t *testing.T) {
	ctx := context.Background()
	cp := NewCheckpoints(table.NewMemoryStore())
	require.NoError(t, cp.Init(ctx))

	key := "fn/container/dir/blob?.csv"
	require.NoError(t, cp.Save(ctx, KindBlobReceipt, key, "etag-1"))

	var got string
	found, err := cp.Load(ctx, KindBlobReceipt, key, &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "etag-1", got)

	states, err := cp.List(ctx, KindBlobReceipt)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, key, states[0].Key)

	require.NoError(t, cp.Delete(ctx, KindBlobReceipt, key))
	require.NoError(t, cp.Delete(ctx, KindBlobReceipt, key))
	found, err = cp.Load(ctx, KindBlobReceipt, key, &got)
	require.NoError(t, err)
	assert.False(t, found)
}

type fakeListener struct {
	started, stopped atomic.Int32
	healthy          atomic.Bool
	startErr         error
}

func (f *fakeListener) Start(context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started.Add(1)
	f.healthy.Store(true)
	return nil
}

func (f *fakeListener) Stop(context.Context) error {
	f.stopped.Add(1)
	return nil
}

func (f *fakeListener) IsHealthy() bool { return f.healthy.Load() }

func TestManager(t *testing.T) {
	ctx := context.Background()
	m := NewManager()
	a, b := &fakeListener{}, &fakeListener{startErr: errors.New("no broker")}

	require.NoError(t, m.Register("a", "queue", a))
	require.NoError(t, m.Register("b", "servicebus", b))
	assert.Error(t, m.Register("a", "queue", a))

	err := m.StartAll(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no broker")
	assert.EqualValues(t, 1, a.started.Load())

	require.NoError(t, m.Start(ctx, "a"))
	assert.EqualValues(t, 1, a.started.Load(), "starting a running listener is a no-op")

	assert.Equal(t, []Status{
		{Function: "a", Kind: "queue", Running: true, Healthy: true},
		{Function: "b", Kind: "servicebus", Running: false, Healthy: false},
	}, m.Statuses())

	a.healthy.Store(false)
	s, err := m.GetStatus("a")
	require.NoError(t, err)
	assert.False(t, s.Healthy)

	require.NoError(t, m.Unregister(ctx, "a"))
	assert.EqualValues(t, 1, a.stopped.Load())
	assert.Error(t, m.Unregister(ctx, "a"))

	m.Shutdown(ctx)
	assert.Empty(t, m.Statuses())
	assert.EqualValues(t, 0, b.stopped.Load())
}

func TestReasonFrom(t *testing.T) {
	assert.Equal(t, domain.ReasonAutomaticTrigger, ReasonFrom(context.Background()))
	ctx := WithReason(context.Background(), domain.ReasonRunOnStartup)
	assert.Equal(t, domain.ReasonRunOnStartup, ReasonFrom(ctx))
}

func enableTracing(t *testing.T) {
	t.Helper()
	require.NoError(t, observability.Init(context.Background(),
		observability.Config{Enabled: true, Exporter: "none", ServiceName: "listeners", SampleRate: 1}))
	t.Cleanup(func() {
		_ = observability.Shutdown(context.Background())
		_ = observability.Init(context.Background(), observability.Config{})
	})
}

// spanAttrs returns the name and attributes of span.
func spanAttrs(t *testing.T, span trace.Span) (string, map[attribute.Key]attribute.Value) {
	t.Helper()
	ro, ok := span.(sdktrace.ReadOnlySpan)
	require.True(t, ok, "span is not recording")
	attrs := make(map[attribute.Key]attribute.Value)
	for _, kv := range ro.Attributes() {
		attrs[kv.Key] = kv.Value
	}
	return ro.Name(), attrs
}

func TestServiceBusInvokerStartsConsumerSpan(t *testing.T) {
	enableTracing(t)
	c := newBus(t, "orders", "a", "b")
	rcv, err := c.NewReceiver("orders")
	require.NoError(t, err)
	msgs, err := rcv.Receive(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	var span trace.Span
	exec := ExecutorFunc(func(ctx context.Context, _ any) error {
		span = trace.SpanFromContext(ctx)
		return nil
	})
	require.NoError(t, ServiceBusInvoker{Entity: "orders"}.Process(context.Background(), msgs, true, []Executor{exec}))

	name, attrs := spanAttrs(t, span)
	assert.Equal(t, "jobhost.servicebus.process", name)
	assert.Equal(t, "orders", attrs[observability.AttrEntity].AsString())
	assert.Equal(t, int64(2), attrs[observability.AttrBatchSize].AsInt64())
}

func TestQueueListenerStartsConsumerSpan(t *testing.T) {
	enableTracing(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := queue.NewMemoryStore()

	got := make(chan trace.Span, 1)
	exec := ExecutorFunc(func(ctx context.Context, _ any) error {
		select {
		case got <- trace.SpanFromContext(ctx):
		default:
		}
		return nil
	})

	l := NewQueueListener("f", "orders", store, nil, exec, true, fastOptions())
	_, err := store.Enqueue(ctx, "orders", []byte("a"))
	require.NoError(t, err)
	require.NoError(t, l.Start(ctx))
	defer l.Stop(context.Background())

	select {
	case span := <-got:
		name, attrs := spanAttrs(t, span)
		assert.Equal(t, "jobhost.queue.process", name)
		assert.Equal(t, "orders", attrs[observability.AttrEntity].AsString())
		assert.Equal(t, "f", attrs[observability.AttrFunctionID].AsString())
		assert.Equal(t, int64(1), attrs[observability.AttrBatchSize].AsInt64())
	case <-time.After(2 * time.Second):
		t.Fatal("queue message was not processed")
	}
}
