// Package listeners watches trigger sources and hands every event to the
// executor of the function it belongs to. Listeners own settlement: a
// message is completed or deleted only after its function succeeded.
package listeners

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/oriys/jobhost/internal/binding"
	"github.com/oriys/jobhost/internal/domain"
	"github.com/oriys/jobhost/internal/triggers"
)

// Listener produces trigger events for one function until stopped.
type Listener interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// HealthChecker is implemented by listeners that can report their health.
type HealthChecker interface {
	IsHealthy() bool
}

// Executor runs a function for one trigger value. The value is what the
// trigger binding of the function accepts: triggers.Input[M], blob.Ref or
// *triggers.TimerInfo.
type Executor interface {
	Execute(ctx context.Context, value any) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, value any) error

func (f ExecutorFunc) Execute(ctx context.Context, value any) error { return f(ctx, value) }

type reasonKey struct{}

// WithReason records why the listener runs the function.
func WithReason(ctx context.Context, reason domain.ExecutionReason) context.Context {
	return context.WithValue(ctx, reasonKey{}, reason)
}

// ReasonFrom returns the execution reason stored in ctx, defaulting to an
// automatic trigger.
func ReasonFrom(ctx context.Context) domain.ExecutionReason {
	if r, ok := ctx.Value(reasonKey{}).(domain.ExecutionReason); ok {
		return r
	}
	return domain.ReasonAutomaticTrigger
}

// Options tune every listener of a host.
type Options struct {
	// BatchSize is the number of queue messages dequeued per poll and run
	// concurrently.
	BatchSize int
	// MaxDequeueCount is the number of attempts before a queue message or
	// a blob is poisoned.
	MaxDequeueCount    int
	MinPollingInterval time.Duration
	MaxPollingInterval time.Duration
	// VisibilityTimeout hides a dequeued message while it is processed.
	VisibilityTimeout time.Duration
	// RetryDelay hides a failed message before its next attempt.
	RetryDelay time.Duration
	// MaxDeliveryCount is the delivery count at which a failing Service
	// Bus message is dead-lettered instead of abandoned.
	MaxDeliveryCount int
	// PrefetchCount is the number of Service Bus messages received at once
	// in batch mode.
	PrefetchCount       int
	BlobPollingInterval time.Duration
}

// DefaultOptions returns the default listener options.
func DefaultOptions() Options {
	return Options{
		BatchSize:           16,
		MaxDequeueCount:     5,
		MinPollingInterval:  100 * time.Millisecond,
		MaxPollingInterval:  time.Minute,
		VisibilityTimeout:   10 * time.Minute,
		MaxDeliveryCount:    10,
		PrefetchCount:       32,
		BlobPollingInterval: 10 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.MaxDequeueCount <= 0 {
		o.MaxDequeueCount = d.MaxDequeueCount
	}
	if o.MinPollingInterval <= 0 {
		o.MinPollingInterval = d.MinPollingInterval
	}
	if o.MaxPollingInterval < o.MinPollingInterval {
		o.MaxPollingInterval = max(d.MaxPollingInterval, o.MinPollingInterval)
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = d.VisibilityTimeout
	}
	if o.MaxDeliveryCount <= 0 {
		o.MaxDeliveryCount = d.MaxDeliveryCount
	}
	if o.PrefetchCount <= 0 {
		o.PrefetchCount = d.PrefetchCount
	}
	if o.BlobPollingInterval <= 0 {
		o.BlobPollingInterval = d.BlobPollingInterval
	}
	return o
}

// Context is what a Factory needs to build the listener of one function.
type Context struct {
	FunctionID  string
	Trigger     triggers.Binding
	Executor    Executor
	Services    *binding.Services
	Inputs      binding.RuntimeInputs
	Options     Options
	ServiceBus  *ServiceBusListeners
	Checkpoints *Checkpoints
}

// Factory builds a listener.
type Factory func(ctx context.Context, lc Context) (Listener, error)

// FactoryFor returns the listener factory for a trigger binding.
func FactoryFor(tb triggers.Binding) (Factory, error) {
	switch tb.Attribute().(type) {
	case triggers.QueueTrigger:
		return newQueueListener, nil
	case triggers.ServiceBusTrigger:
		return newServiceBusRegistration, nil
	case triggers.BlobTrigger:
		return newBlobListener, nil
	case triggers.TimerTrigger:
		return newTimerListener, nil
	}
	return nil, errors.Newf("no listener for trigger %s on parameter %s", tb.Kind(), tb.ParameterName())
}
