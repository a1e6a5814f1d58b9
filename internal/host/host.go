// Package host runs indexed functions: it starts a listener per triggered
// function, executes functions when their listener fires or when they are
// called directly, and records every execution in the instance log.
package host

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/oriys/jobhost/internal/binding"
	"github.com/oriys/jobhost/internal/config"
	"github.com/oriys/jobhost/internal/convert"
	"github.com/oriys/jobhost/internal/domain"
	"github.com/oriys/jobhost/internal/indexer"
	"github.com/oriys/jobhost/internal/listeners"
	"github.com/oriys/jobhost/internal/logging"
	"github.com/oriys/jobhost/internal/servicebus"
	"github.com/oriys/jobhost/internal/storage"
	"github.com/oriys/jobhost/internal/storage/table"
	"github.com/oriys/jobhost/internal/triggers"
)

// ErrShuttingDown is returned for executions requested after Stop.
var ErrShuttingDown = errors.New("host is shutting down")

// ErrFunctionNotFound is returned by Call for unknown functions.
var ErrFunctionNotFound = errors.New("function not found")

// JobHost owns the indexed functions of a process and their listeners.
type JobHost struct {
	cfg        *config.Config
	svc        *binding.Services
	inputs     binding.RuntimeInputs
	accounts   *storage.Resolver
	serviceBus *servicebus.Resolver
	index      *indexer.Index

	indexerOpts     []indexer.Option
	checkpointStore table.Store

	manager     *listeners.Manager
	sbListeners *listeners.ServiceBusListeners
	checkpoints *listeners.Checkpoints
	instances   *logging.FunctionInstanceLog
	outputs     *logging.OutputStore

	started  atomic.Bool
	closing  atomic.Bool
	inflight sync.WaitGroup
}

type Option func(*JobHost)

// WithStorageAccount registers an already opened account under a
// connection string.
func WithStorageAccount(connectionString string, acct *storage.Account) Option {
	return func(h *JobHost) {
		h.accounts.Add(connectionString, acct)
	}
}

// WithServiceBusClient registers a Service Bus client under a connection
// string.
func WithServiceBusClient(connectionString string, c servicebus.Client) Option {
	return func(h *JobHost) {
		h.serviceBus.Add(connectionString, c)
	}
}

// WithTriggerProvider adds a trigger provider to the indexer.
func WithTriggerProvider(p triggers.Provider) Option {
	return func(h *JobHost) {
		h.indexerOpts = append(h.indexerOpts, indexer.WithTriggerProvider(p))
	}
}

// WithInstanceLog sets the function instance log
func WithInstanceLog(l *logging.FunctionInstanceLog) Option {
	return func(h *JobHost) {
		h.instances = l
	}
}

// WithOutputStore sets where captured console output is kept
func WithOutputStore(s *logging.OutputStore) Option {
	return func(h *JobHost) {
		h.outputs = s
	}
}

// WithCheckpointStore keeps listener checkpoints in store instead of the
// table store of the default storage account.
func WithCheckpointStore(store table.Store) Option {
	return func(h *JobHost) {
		h.checkpointStore = store
	}
}

// WithAccountType makes account-typed parameters of type T bindable.
func WithAccountType[T any](fn func(ctx context.Context, acct *storage.Account) (T, error)) Option {
	return func(h *JobHost) {
		binding.RegisterAccountType(h.svc.AccountTypes, fn)
	}
}

// New indexes the functions of catalogs. Functions that fail to index are
// logged and left out; the others are still hosted.
func New(cfg *config.Config, catalogs []indexer.Catalog, opts ...Option) (*JobHost, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	conv := convert.NewManager()
	convert.RegisterDefaults(conv)
	binding.RegisterConverters(conv)

	accounts := storage.NewResolver(cfg.Connections.Named)
	sb := servicebus.NewResolver(cfg.Connections.Named)

	h := &JobHost{
		cfg:        cfg,
		svc:        binding.NewServices(conv, accounts, sb),
		accounts:   accounts,
		serviceBus: sb,
		inputs: binding.RuntimeInputs{
			StorageConnection:    cfg.Connections.Storage,
			ServiceBusConnection: cfg.Connections.ServiceBus,
		},
		manager: listeners.NewManager(),
	}
	for _, opt := range opts {
		opt(h)
	}

	if h.instances == nil {
		h.instances = logging.NewFunctionInstanceLog(cfg.Logging.InstanceLogCapacity)
		if cfg.Logging.InstanceLogFile != "" {
			if err := h.instances.SetOutput(cfg.Logging.InstanceLogFile); err != nil {
				return nil, errors.Wrap(err, "open instance log")
			}
		}
	}
	if h.outputs == nil {
		outputs, err := logging.NewOutputStore(cfg.Logging.OutputDir, cfg.Logging.OutputMaxSize, cfg.Logging.OutputRetention)
		if err != nil {
			return nil, errors.Wrap(err, "create output store")
		}
		h.outputs = outputs
	}

	regs := indexer.NewLocator(catalogs...).Registrations()
	h.index = indexer.New(h.svc, h.inputs, h.indexerOpts...).Index(regs)
	if n := len(h.index.Errors); n > 0 {
		logging.Op().Warn("some functions failed to index", "failed", n, "indexed", len(h.index.Definitions))
	}
	return h, nil
}

// Start creates and starts the listener of every triggered function. A
// listener that cannot be created or started is logged; the other
// functions keep running.
func (h *JobHost) Start(ctx context.Context) error {
	if h.closing.Load() {
		return ErrShuttingDown
	}
	if !h.started.CompareAndSwap(false, true) {
		return errors.New("host already started")
	}

	store := h.checkpointStore
	if store == nil {
		if acct, err := h.accounts.Open(ctx, h.inputs.StorageConnection); err != nil {
			logging.Op().Warn("default storage account unavailable, checkpoints kept in memory", "error", err)
		} else if ts, err := acct.TableStore(); err != nil {
			logging.Op().Warn("default storage account has no table store, checkpoints kept in memory", "error", err)
		} else {
			store = ts
		}
	}
	h.checkpoints = listeners.NewCheckpoints(store)
	if err := h.checkpoints.Init(ctx); err != nil {
		return errors.Wrap(err, "init checkpoints")
	}

	opts := h.cfg.Listeners.Options()
	h.sbListeners = listeners.NewServiceBusListeners(h.serviceBus, opts)

	for _, def := range h.index.Definitions {
		if def.ListenerFactory == nil {
			continue
		}
		l, err := def.ListenerFactory(ctx, listeners.Context{
			FunctionID:  def.Descriptor.ID,
			Trigger:     def.Trigger,
			Executor:    &functionExecutor{host: h, def: def},
			Services:    h.svc,
			Inputs:      h.inputs,
			Options:     opts,
			ServiceBus:  h.sbListeners,
			Checkpoints: h.checkpoints,
		})
		if err != nil {
			logging.Op().Error("listener creation failed", "function", def.Descriptor.Name, "error", err)
			continue
		}
		if err := h.manager.Register(def.Descriptor.ID, def.Descriptor.Trigger, l); err != nil {
			logging.Op().Error("listener registration failed", "function", def.Descriptor.Name, "error", err)
		}
	}

	if err := h.manager.StartAll(ctx); err != nil {
		logging.Op().Error("some listeners failed to start", "error", err)
	}
	logging.Op().Info("job host started", "functions", len(h.index.Definitions), "listeners", len(h.manager.Statuses()))
	return nil
}

// Stop stops every listener, waits for running executions until ctx is
// done and releases the connections of the host.
func (h *JobHost) Stop(ctx context.Context) error {
	if !h.closing.CompareAndSwap(false, true) {
		return nil
	}
	h.manager.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		h.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		logging.Op().Info("all running functions completed")
	case <-ctx.Done():
		logging.Op().Warn("shutdown timeout waiting for running functions", "error", ctx.Err())
	}

	h.instances.Close()
	return errors.Join(h.serviceBus.Close(), h.accounts.Close())
}

// Functions describes the indexed functions.
func (h *JobHost) Functions() []domain.FunctionDescriptor {
	return h.index.Descriptors()
}

// IndexErrors returns one error per function that failed to index.
func (h *JobHost) IndexErrors() []error {
	return h.index.Errors
}

// Listeners reports the status of every registered listener.
func (h *JobHost) Listeners() []listeners.Status {
	return h.manager.Statuses()
}

// Healthy reports whether every registered listener is running and
// healthy.
func (h *JobHost) Healthy() bool {
	for _, s := range h.manager.Statuses() {
		if !s.Running || !s.Healthy {
			return false
		}
	}
	return true
}

// Instances returns the function instance log
func (h *JobHost) Instances() *logging.FunctionInstanceLog { return h.instances }

// Outputs returns the captured console output store
func (h *JobHost) Outputs() *logging.OutputStore { return h.outputs }

// Services returns the binding services of the host
func (h *JobHost) Services() *binding.Services { return h.svc }

// ShutdownTimeout is the configured grace period for Stop.
func (h *JobHost) ShutdownTimeout() time.Duration {
	if h.cfg.Daemon.ShutdownTimeout <= 0 {
		return 30 * time.Second
	}
	return h.cfg.Daemon.ShutdownTimeout
}
