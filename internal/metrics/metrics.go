package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const maxInt64 = int64(^uint64(0) >> 1)

// Metrics collects in-process invocation and dispatch counters for the
// host's /stats endpoint.
type Metrics struct {
	TotalInvocations   atomic.Int64
	SuccessInvocations atomic.Int64
	FailedInvocations  atomic.Int64

	// Latency metrics (in milliseconds)
	TotalLatencyMs atomic.Int64
	MinLatencyMs   atomic.Int64
	MaxLatencyMs   atomic.Int64

	MessagesCompleted atomic.Int64
	MessagesAbandoned atomic.Int64
	MessagesPoisoned  atomic.Int64
	IndexErrors       atomic.Int64

	funcMetrics sync.Map // function -> *FunctionMetrics

	startTime time.Time
}

// FunctionMetrics tracks metrics for a single function
type FunctionMetrics struct {
	Invocations atomic.Int64
	Successes   atomic.Int64
	Failures    atomic.Int64
	TotalMs     atomic.Int64
	MinMs       atomic.Int64
	MaxMs       atomic.Int64
}

var global = newMetrics()

func newMetrics() *Metrics {
	m := &Metrics{startTime: time.Now()}
	m.MinLatencyMs.Store(maxInt64)
	return m
}

// Global returns the global metrics instance
func Global() *Metrics {
	return global
}

// RecordInvocation records the outcome of one function invocation.
func (m *Metrics) RecordInvocation(function, trigger string, durationMs int64, success bool) {
	m.TotalInvocations.Add(1)
	if success {
		m.SuccessInvocations.Add(1)
	} else {
		m.FailedInvocations.Add(1)
	}
	m.TotalLatencyMs.Add(durationMs)
	updateMin(&m.MinLatencyMs, durationMs)
	updateMax(&m.MaxLatencyMs, durationMs)

	fm := m.getFunctionMetrics(function)
	fm.Invocations.Add(1)
	if success {
		fm.Successes.Add(1)
	} else {
		fm.Failures.Add(1)
	}
	fm.TotalMs.Add(durationMs)
	updateMin(&fm.MinMs, durationMs)
	updateMax(&fm.MaxMs, durationMs)

	RecordPrometheusInvocation(function, trigger, durationMs, success)
}

// Settlement outcomes.
const (
	OutcomeComplete   = "complete"
	OutcomeAbandon    = "abandon"
	OutcomeDeadLetter = "dead_letter"
	OutcomePoison     = "poison"
)

// RecordSettlement records how a trigger message was settled.
func (m *Metrics) RecordSettlement(source, outcome string) {
	switch outcome {
	case OutcomeComplete:
		m.MessagesCompleted.Add(1)
	case OutcomeAbandon:
		m.MessagesAbandoned.Add(1)
	case OutcomeDeadLetter, OutcomePoison:
		m.MessagesPoisoned.Add(1)
	}
	RecordPrometheusSettlement(source, outcome)
}

// RecordIndexError records a function that failed to index.
func (m *Metrics) RecordIndexError(function string) {
	m.IndexErrors.Add(1)
	RecordPrometheusIndexError(function)
}

func (m *Metrics) getFunctionMetrics(function string) *FunctionMetrics {
	if v, ok := m.funcMetrics.Load(function); ok {
		return v.(*FunctionMetrics)
	}

	fm := &FunctionMetrics{}
	fm.MinMs.Store(maxInt64)
	actual, _ := m.funcMetrics.LoadOrStore(function, fm)
	return actual.(*FunctionMetrics)
}

// Snapshot returns a point-in-time snapshot of all metrics
func (m *Metrics) Snapshot() map[string]interface{} {
	total := m.TotalInvocations.Load()
	avgLatency := float64(0)
	if total > 0 {
		avgLatency = float64(m.TotalLatencyMs.Load()) / float64(total)
	}

	minLatency := m.MinLatencyMs.Load()
	if minLatency == maxInt64 {
		minLatency = 0
	}

	return map[string]interface{}{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"invocations": map[string]interface{}{
			"total":   total,
			"success": m.SuccessInvocations.Load(),
			"failed":  m.FailedInvocations.Load(),
		},
		"latency_ms": map[string]interface{}{
			"avg": avgLatency,
			"min": minLatency,
			"max": m.MaxLatencyMs.Load(),
		},
		"messages": map[string]interface{}{
			"completed": m.MessagesCompleted.Load(),
			"abandoned": m.MessagesAbandoned.Load(),
			"poisoned":  m.MessagesPoisoned.Load(),
		},
		"index_errors": m.IndexErrors.Load(),
	}
}

// FunctionStats returns per-function metrics
func (m *Metrics) FunctionStats() map[string]interface{} {
	result := make(map[string]interface{})

	m.funcMetrics.Range(func(key, value interface{}) bool {
		fm := value.(*FunctionMetrics)

		total := fm.Invocations.Load()
		avgMs := float64(0)
		if total > 0 {
			avgMs = float64(fm.TotalMs.Load()) / float64(total)
		}
		minMs := fm.MinMs.Load()
		if minMs == maxInt64 {
			minMs = 0
		}

		result[key.(string)] = map[string]interface{}{
			"invocations": total,
			"successes":   fm.Successes.Load(),
			"failures":    fm.Failures.Load(),
			"avg_ms":      avgMs,
			"min_ms":      minMs,
			"max_ms":      fm.MaxMs.Load(),
		}
		return true
	})

	return result
}

// JSONHandler returns an HTTP handler that exposes metrics in JSON format
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		result := m.Snapshot()
		result["functions"] = m.FunctionStats()
		json.NewEncoder(w).Encode(result)
	})
}

func updateMin(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value >= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

func updateMax(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value <= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}
