package listeners

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/oriys/jobhost/internal/logging"
	"github.com/oriys/jobhost/internal/metrics"
)

type entry struct {
	function string
	kind     string
	listener Listener
	running  bool
}

// Manager coordinates the listeners of all functions of a host.
type Manager struct {
	mu        sync.RWMutex
	listeners map[string]*entry
}

func NewManager() *Manager {
	return &Manager{listeners: make(map[string]*entry)}
}

// Register adds the listener of function without starting it.
func (m *Manager) Register(function, kind string, l Listener) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.listeners[function]; exists {
		return errors.Newf("listener for function %s already registered", function)
	}
	m.listeners[function] = &entry{function: function, kind: kind, listener: l}
	logging.Op().Debug("listener registered", "function", function, "kind", kind)
	return nil
}

// Start starts the listener of one function.
func (m *Manager) Start(ctx context.Context, function string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, exists := m.listeners[function]
	if !exists {
		return errors.Newf("listener for function %s not found", function)
	}
	return m.start(ctx, e)
}

func (m *Manager) start(ctx context.Context, e *entry) error {
	if e.running {
		return nil
	}
	if err := e.listener.Start(ctx); err != nil {
		metrics.SetListenerHealthy(e.function, false)
		return errors.Wrapf(err, "start %s listener of function %s", e.kind, e.function)
	}
	e.running = true
	metrics.SetListenerHealthy(e.function, true)
	return nil
}

// StartAll starts every registered listener. A listener that fails to
// start is logged and skipped; the joined errors are returned.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, e := range m.sorted() {
		if err := m.start(ctx, e); err != nil {
			logging.Op().Error("failed to start listener", "function", e.function, "kind", e.kind, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Unregister stops and removes the listener of function.
func (m *Manager) Unregister(ctx context.Context, function string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, exists := m.listeners[function]
	if !exists {
		return errors.Newf("listener for function %s not found", function)
	}
	m.stop(ctx, e)
	delete(m.listeners, function)
	logging.Op().Info("listener unregistered", "function", function)
	return nil
}

func (m *Manager) stop(ctx context.Context, e *entry) {
	if !e.running {
		return
	}
	if err := e.listener.Stop(ctx); err != nil {
		logging.Op().Warn("failed to stop listener", "function", e.function, "error", err)
	}
	e.running = false
	metrics.SetListenerHealthy(e.function, false)
}

// Shutdown stops all listeners.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.sorted() {
		m.stop(ctx, e)
	}
	m.listeners = make(map[string]*entry)
	logging.Op().Info("listener manager shutdown complete")
}

func (m *Manager) sorted() []*entry {
	out := make([]*entry, 0, len(m.listeners))
	for _, e := range m.listeners {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].function < out[j].function })
	return out
}

// Status contains runtime status for a registered listener.
type Status struct {
	Function string `json:"function"`
	Kind     string `json:"kind"`
	Running  bool   `json:"running"`
	Healthy  bool   `json:"healthy"`
}

func (e *entry) status() Status {
	healthy := e.running
	if hc, ok := e.listener.(HealthChecker); ok && e.running {
		healthy = hc.IsHealthy()
	}
	return Status{Function: e.function, Kind: e.kind, Running: e.running, Healthy: healthy}
}

// Statuses returns the runtime status of all registered listeners.
func (m *Manager) Statuses() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]Status, 0, len(m.listeners))
	for _, e := range m.sorted() {
		s := e.status()
		metrics.SetListenerHealthy(s.Function, s.Healthy)
		statuses = append(statuses, s)
	}
	return statuses
}

// GetStatus returns the runtime status of one listener.
func (m *Manager) GetStatus(function string) (*Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, exists := m.listeners[function]
	if !exists {
		return nil, errors.Newf("listener for function %s not found", function)
	}
	s := e.status()
	return &s, nil
}
