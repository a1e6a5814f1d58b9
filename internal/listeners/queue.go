package listeners

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/oriys/jobhost/internal/logging"
	"github.com/oriys/jobhost/internal/metrics"
	"github.com/oriys/jobhost/internal/observability"
	"github.com/oriys/jobhost/internal/storage/queue"
	"github.com/oriys/jobhost/internal/triggers"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const settlementQueue = "queue"

// QueueListener polls a storage queue. It backs off exponentially while the
// queue is empty and wakes early when the notifier signals a new message.
type QueueListener struct {
	functionID string
	queueName  string
	store      queue.Store
	notifier   queue.Notifier
	exec       Executor
	batch      bool
	opts       Options

	healthy atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewQueueListener builds a listener for queueName. A nil notifier polls
// only.
func NewQueueListener(functionID, queueName string, store queue.Store, notifier queue.Notifier, exec Executor,
	batch bool, opts Options) *QueueListener {
	if notifier == nil {
		notifier = queue.NewNoopNotifier()
	}
	return &QueueListener{
		functionID: functionID,
		queueName:  queueName,
		store:      store,
		notifier:   notifier,
		exec:       exec,
		batch:      batch,
		opts:       opts.withDefaults(),
	}
}

func newQueueListener(ctx context.Context, lc Context) (Listener, error) {
	attr := lc.Trigger.Attribute().(triggers.QueueTrigger)
	cs, err := lc.Services.StorageConnection(attr.Connection, lc.Inputs)
	if err != nil {
		return nil, err
	}
	acct, err := lc.Services.Accounts.Open(ctx, cs)
	if err != nil {
		return nil, err
	}
	store, err := acct.QueueStore()
	if err != nil {
		return nil, err
	}
	return NewQueueListener(lc.FunctionID, attr.QueueName, store, acct.QueueNotifier(), lc.Executor,
		lc.Trigger.Batch(), lc.Options), nil
}

func (l *QueueListener) Start(ctx context.Context) error {
	if err := l.store.CreateIfNotExists(ctx, l.queueName); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	l.healthy.Store(true)
	go l.run(runCtx)
	logging.Op().Info("queue listener started", "function", l.functionID, "queue", l.queueName, "batch", l.batch)
	return nil
}

func (l *QueueListener) Stop(ctx context.Context) error {
	if l.cancel == nil {
		return nil
	}
	l.cancel()
	select {
	case <-l.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	l.healthy.Store(false)
	logging.Op().Info("queue listener stopped", "function", l.functionID, "queue", l.queueName)
	return nil
}

func (l *QueueListener) IsHealthy() bool { return l.healthy.Load() }

func (l *QueueListener) run(ctx context.Context) {
	defer close(l.done)

	bo := &backoff.ExponentialBackOff{
		InitialInterval:     l.opts.MinPollingInterval,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          2,
		MaxInterval:         l.opts.MaxPollingInterval,
	}
	bo.Reset()
	signals := l.notifier.Subscribe(ctx, l.queueName)

	for {
		n, err := l.poll(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logging.Op().Warn("queue poll failed", "function", l.functionID, "queue", l.queueName, "error", err)
			l.healthy.Store(false)
		} else {
			l.healthy.Store(true)
			if n > 0 {
				bo.Reset()
				continue
			}
		}

		timer := time.NewTimer(bo.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		case _, ok := <-signals:
			timer.Stop()
			if !ok {
				signals = nil
			}
			bo.Reset()
		}
	}
}

// poll dequeues one batch and processes it. It returns the number of
// messages dequeued.
func (l *QueueListener) poll(ctx context.Context) (int, error) {
	msgs, err := l.store.Dequeue(ctx, l.queueName, l.opts.BatchSize, l.opts.VisibilityTimeout)
	if err != nil || len(msgs) == 0 {
		return 0, err
	}

	ready := msgs[:0:0]
	for _, m := range msgs {
		if m.DequeueCount > l.opts.MaxDequeueCount {
			l.poison(ctx, m)
			continue
		}
		ready = append(ready, m)
	}
	if len(ready) == 0 {
		return len(msgs), nil
	}

	if l.batch {
		l.processBatch(ctx, ready)
		return len(msgs), nil
	}
	var g errgroup.Group
	for _, m := range ready {
		g.Go(func() error {
			l.process(ctx, m)
			return nil
		})
	}
	_ = g.Wait()
	return len(msgs), nil
}

func (l *QueueListener) process(ctx context.Context, m *queue.Message) {
	ctx, span := l.startSpan(ctx, 1)
	defer span.End()
	err := l.exec.Execute(ctx, triggers.Single(m))
	endSpan(span, err)
	l.settle(ctx, m, err)
}

func (l *QueueListener) processBatch(ctx context.Context, msgs []*queue.Message) {
	ctx, span := l.startSpan(ctx, len(msgs))
	defer span.End()
	err := l.exec.Execute(ctx, triggers.BatchOf(msgs))
	endSpan(span, err)
	for _, m := range msgs {
		l.settle(ctx, m, err)
	}
}

func (l *QueueListener) startSpan(ctx context.Context, n int) (context.Context, trace.Span) {
	return observability.StartConsumerSpan(ctx, "jobhost.queue.process",
		observability.AttrFunctionID.String(l.functionID),
		observability.AttrEntity.String(l.queueName),
		observability.AttrBatchSize.Int(n),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		observability.SetSpanError(span, err)
		return
	}
	observability.SetSpanOK(span)
}

// settle deletes a processed message, releases a failed one for another
// attempt, and poisons it once it failed MaxDequeueCount times. Messages
// of a cancelled run are released.
func (l *QueueListener) settle(ctx context.Context, m *queue.Message, err error) {
	settleCtx := context.WithoutCancel(ctx)
	switch {
	case ctx.Err() != nil:
		l.release(settleCtx, m, 0)
	case err == nil:
		if derr := l.store.Delete(settleCtx, l.queueName, m); derr != nil {
			logging.Op().Warn("delete queue message failed", "queue", l.queueName, "id", m.ID, "error", derr)
			return
		}
		metrics.Global().RecordSettlement(settlementQueue, metrics.OutcomeComplete)
	case m.DequeueCount >= l.opts.MaxDequeueCount:
		l.poison(settleCtx, m)
	default:
		l.release(settleCtx, m, l.opts.RetryDelay)
	}
}

func (l *QueueListener) release(ctx context.Context, m *queue.Message, delay time.Duration) {
	if err := l.store.Release(ctx, l.queueName, m, delay); err != nil {
		logging.Op().Warn("release queue message failed", "queue", l.queueName, "id", m.ID, "error", err)
		return
	}
	metrics.Global().RecordSettlement(settlementQueue, metrics.OutcomeAbandon)
}

func (l *QueueListener) poison(ctx context.Context, m *queue.Message) {
	poisonQueue := queue.PoisonQueueName(l.queueName)
	logging.Op().Warn("moving message to poison queue",
		"function", l.functionID, "queue", l.queueName, "id", m.ID, "dequeue_count", m.DequeueCount, "poison_queue", poisonQueue)

	if err := l.store.CreateIfNotExists(ctx, poisonQueue); err != nil {
		logging.Op().Error("create poison queue failed", "queue", poisonQueue, "error", err)
		return
	}
	if _, err := l.store.Enqueue(ctx, poisonQueue, m.Body); err != nil {
		logging.Op().Error("enqueue poison message failed", "queue", poisonQueue, "error", err)
		return
	}
	if err := l.store.Delete(ctx, l.queueName, m); err != nil {
		logging.Op().Warn("delete poisoned message failed", "queue", l.queueName, "id", m.ID, "error", err)
	}
	metrics.Global().RecordSettlement(settlementQueue, metrics.OutcomePoison)
}
