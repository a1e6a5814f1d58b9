package listeners

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cockroachdb/errors"
	"github.com/oriys/jobhost/internal/logging"
	"github.com/oriys/jobhost/internal/metrics"
	"github.com/oriys/jobhost/internal/observability"
	"github.com/oriys/jobhost/internal/servicebus"
	"github.com/oriys/jobhost/internal/triggers"
	"golang.org/x/sync/singleflight"
)

const settlementServiceBus = "servicebus"

// ServiceBusInvoker runs the triggers registered on one receiver for the
// messages it received, and settles the messages.
type ServiceBusInvoker struct {
	MaxDeliveryCount int
	Entity           string
}

// Process runs triggers in order for msgs, as one batch or as a single
// message, inside a consumer span tagged with Entity. A context signalled
// before or after any trigger abandons the messages and stops. A failing
// trigger abandons them, or dead-letters those delivered MaxDeliveryCount
// times. Otherwise they are completed.
func (p ServiceBusInvoker) Process(ctx context.Context, msgs []*servicebus.Message, batch bool, execs []Executor) error {
	if len(msgs) == 0 {
		return nil
	}
	var value any
	if batch {
		value = triggers.BatchOf(msgs)
	} else {
		value = triggers.Single(msgs[0])
		ctx = observability.ExtractProperties(ctx, msgs[0].Properties)
	}
	ctx, span := observability.StartConsumerSpan(ctx, "jobhost.servicebus.process",
		observability.AttrEntity.String(p.Entity),
		observability.AttrBatchSize.Int(len(msgs)),
	)
	defer span.End()
	settleCtx := context.WithoutCancel(ctx)

	for _, exec := range execs {
		if err := ctx.Err(); err != nil {
			p.abandon(settleCtx, msgs)
			observability.SetSpanError(span, err)
			return err
		}
		err := exec.Execute(ctx, value)
		if cerr := ctx.Err(); cerr != nil {
			p.abandon(settleCtx, msgs)
			observability.SetSpanError(span, cerr)
			return cerr
		}
		if err != nil {
			p.fail(settleCtx, msgs, err)
			observability.SetSpanError(span, err)
			return err
		}
	}
	observability.SetSpanOK(span)

	for _, m := range msgs {
		if err := m.Complete(settleCtx); err != nil {
			logging.Op().Warn("complete message failed", "message_id", m.MessageID, "error", err)
			continue
		}
		metrics.Global().RecordSettlement(settlementServiceBus, metrics.OutcomeComplete)
	}
	return nil
}

func (p ServiceBusInvoker) abandon(ctx context.Context, msgs []*servicebus.Message) {
	for _, m := range msgs {
		if err := m.Abandon(ctx); err != nil {
			logging.Op().Warn("abandon message failed", "message_id", m.MessageID, "error", err)
			continue
		}
		metrics.Global().RecordSettlement(settlementServiceBus, metrics.OutcomeAbandon)
	}
}

func (p ServiceBusInvoker) fail(ctx context.Context, msgs []*servicebus.Message, cause error) {
	for _, m := range msgs {
		if p.MaxDeliveryCount > 0 && m.DeliveryCount >= p.MaxDeliveryCount {
			if err := m.DeadLetter(ctx, cause.Error()); err != nil {
				logging.Op().Warn("dead-letter message failed", "message_id", m.MessageID, "error", err)
				continue
			}
			metrics.Global().RecordSettlement(settlementServiceBus, metrics.OutcomeDeadLetter)
			continue
		}
		if err := m.Abandon(ctx); err != nil {
			logging.Op().Warn("abandon message failed", "message_id", m.MessageID, "error", err)
			continue
		}
		metrics.Global().RecordSettlement(settlementServiceBus, metrics.OutcomeAbandon)
	}
}

// ServiceBusListeners shares one ServiceBusListener per connection.
type ServiceBusListeners struct {
	resolver *servicebus.Resolver
	opts     Options

	mu        sync.Mutex
	listeners map[string]*ServiceBusListener
}

func NewServiceBusListeners(resolver *servicebus.Resolver, opts Options) *ServiceBusListeners {
	return &ServiceBusListeners{
		resolver:  resolver,
		opts:      opts.withDefaults(),
		listeners: make(map[string]*ServiceBusListener),
	}
}

// For returns the listener of connectionString, creating it on first use.
func (s *ServiceBusListeners) For(ctx context.Context, connectionString string) (*ServiceBusListener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.listeners[connectionString]; ok {
		return l, nil
	}
	client, err := s.resolver.Client(ctx, connectionString)
	if err != nil {
		return nil, err
	}
	l := NewServiceBusListener(client, s.opts)
	s.listeners[connectionString] = l
	return l, nil
}

type receiverKey struct {
	entity string
	batch  bool
}

type trigger struct {
	functionID string
	exec       Executor
}

type receiver struct {
	key      receiverKey
	triggers []trigger
	cancel   context.CancelFunc
	done     chan struct{}
	healthy  atomic.Bool
}

// ServiceBusListener receives from every entity its functions trigger on,
// over one client. Functions triggered by the same entity in the same
// dispatch mode share one receiver and run sequentially in registration
// order.
type ServiceBusListener struct {
	client  servicebus.Client
	opts    Options
	invoker ServiceBusInvoker
	create  singleflight.Group

	mu        sync.Mutex
	receivers map[receiverKey]*receiver
}

func NewServiceBusListener(client servicebus.Client, opts Options) *ServiceBusListener {
	opts = opts.withDefaults()
	return &ServiceBusListener{
		client:    client,
		opts:      opts,
		invoker:   ServiceBusInvoker{MaxDeliveryCount: opts.MaxDeliveryCount},
		receivers: make(map[receiverKey]*receiver),
	}
}

// Register adds a trigger on entity and starts its receiver if it is the
// first one.
func (l *ServiceBusListener) Register(ctx context.Context, functionID, entity string, batch bool, exec Executor) {
	key := receiverKey{entity: entity, batch: batch}

	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.receivers[key]
	if !ok {
		r = &receiver{key: key, done: make(chan struct{})}
		l.receivers[key] = r
	}
	r.triggers = append(r.triggers, trigger{functionID: functionID, exec: exec})
	if ok {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.healthy.Store(true)
	go l.receive(runCtx, r)
	logging.Op().Info("service bus receiver started", "entity", entity, "batch", batch)
}

// Unregister removes the trigger of functionID from entity and stops the
// receiver once no trigger is left.
func (l *ServiceBusListener) Unregister(ctx context.Context, functionID, entity string, batch bool) error {
	key := receiverKey{entity: entity, batch: batch}

	l.mu.Lock()
	r, ok := l.receivers[key]
	if !ok {
		l.mu.Unlock()
		return nil
	}
	kept := r.triggers[:0]
	for _, t := range r.triggers {
		if t.functionID != functionID {
			kept = append(kept, t)
		}
	}
	r.triggers = kept
	if len(kept) > 0 {
		l.mu.Unlock()
		return nil
	}
	delete(l.receivers, key)
	l.mu.Unlock()

	r.cancel()
	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	logging.Op().Info("service bus receiver stopped", "entity", entity, "batch", batch)
	return nil
}

// Healthy reports the health of the receiver of entity.
func (l *ServiceBusListener) Healthy(entity string, batch bool) bool {
	l.mu.Lock()
	r, ok := l.receivers[receiverKey{entity: entity, batch: batch}]
	l.mu.Unlock()
	return ok && r.healthy.Load()
}

func (l *ServiceBusListener) executors(r *receiver) []Executor {
	l.mu.Lock()
	defer l.mu.Unlock()
	execs := make([]Executor, len(r.triggers))
	for i, t := range r.triggers {
		execs[i] = t.exec
	}
	return execs
}

// ensureEntity creates a missing entity. Concurrent receivers of the same
// entity share one attempt.
func (l *ServiceBusListener) ensureEntity(ctx context.Context, entity string) error {
	_, err, _ := l.create.Do(entity, func() (any, error) {
		err := l.client.CreateEntity(ctx, entity)
		if errors.Is(err, servicebus.ErrAlreadyExists) {
			return nil, nil
		}
		return nil, err
	})
	return err
}

func (l *ServiceBusListener) receive(ctx context.Context, r *receiver) {
	defer close(r.done)
	entity := r.key.entity

	maxMessages := 1
	if r.key.batch {
		maxMessages = l.opts.PrefetchCount
	}
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     l.opts.MinPollingInterval,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          2,
		MaxInterval:         l.opts.MaxPollingInterval,
	}
	bo.Reset()

	created := false
	for {
		rcv, err := l.client.NewReceiver(entity)
		if err != nil {
			logging.Op().Error("create service bus receiver failed", "entity", entity, "error", err)
			r.healthy.Store(false)
			return
		}
		err = l.drain(ctx, rcv, r, maxMessages, bo)
		_ = rcv.Close()
		if ctx.Err() != nil {
			return
		}
		if !errors.Is(err, servicebus.ErrEntityNotFound) {
			return
		}
		if created {
			logging.Op().Error("service bus entity still missing after creating it", "entity", entity, "error", err)
			r.healthy.Store(false)
			return
		}
		created = true
		logging.Op().Info("service bus entity not found, creating it", "entity", entity)
		if err := l.ensureEntity(ctx, entity); err != nil {
			logging.Op().Error("create service bus entity failed", "entity", entity, "error", err)
			r.healthy.Store(false)
			return
		}
	}
}

// drain receives and processes until ctx is done or the entity turns out
// to be missing.
func (l *ServiceBusListener) drain(ctx context.Context, rcv servicebus.Receiver, r *receiver, maxMessages int,
	bo *backoff.ExponentialBackOff) error {
	for {
		msgs, err := rcv.Receive(ctx, maxMessages)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, servicebus.ErrEntityNotFound) {
			return err
		}
		if err != nil {
			r.healthy.Store(false)
			wait := bo.NextBackOff()
			logging.Op().Warn("service bus receive failed", "entity", r.key.entity, "retry_in", wait, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()
		r.healthy.Store(true)

		execs := l.executors(r)
		invoker := l.invoker
		invoker.Entity = r.key.entity
		if r.key.batch {
			_ = invoker.Process(ctx, msgs, true, execs)
			continue
		}
		for i, m := range msgs {
			if err := invoker.Process(ctx, []*servicebus.Message{m}, false, execs); err != nil && ctx.Err() != nil {
				invoker.abandon(context.WithoutCancel(ctx), msgs[i+1:])
				return ctx.Err()
			}
		}
	}
}

// serviceBusRegistration is the per-function handle on a shared listener.
type serviceBusRegistration struct {
	listener   *ServiceBusListener
	functionID string
	entity     string
	batch      bool
	exec       Executor
}

func newServiceBusRegistration(ctx context.Context, lc Context) (Listener, error) {
	attr := lc.Trigger.Attribute().(triggers.ServiceBusTrigger)
	entity, err := attr.EntityPath()
	if err != nil {
		return nil, err
	}
	cs, err := lc.Services.ServiceBusConnection(attr.Connection, lc.Inputs)
	if err != nil {
		return nil, err
	}
	if lc.ServiceBus == nil {
		return nil, errors.New("no service bus listeners configured")
	}
	l, err := lc.ServiceBus.For(ctx, cs)
	if err != nil {
		return nil, err
	}
	return &serviceBusRegistration{
		listener:   l,
		functionID: lc.FunctionID,
		entity:     entity,
		batch:      lc.Trigger.Batch(),
		exec:       lc.Executor,
	}, nil
}

func (r *serviceBusRegistration) Start(ctx context.Context) error {
	r.listener.Register(ctx, r.functionID, r.entity, r.batch, r.exec)
	return nil
}

func (r *serviceBusRegistration) Stop(ctx context.Context) error {
	return r.listener.Unregister(ctx, r.functionID, r.entity, r.batch)
}

func (r *serviceBusRegistration) IsHealthy() bool {
	return r.listener.Healthy(r.entity, r.batch)
}
