package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/oriys/jobhost/internal/domain"
)

const defaultInstanceCapacity = 1000

// FunctionInstanceLog records every function instance: a human-readable
// line on the console, a JSON line in the optional log file, and the most
// recent instances in memory so they can be looked up and replayed.
type FunctionInstanceLog struct {
	mu       sync.Mutex
	file     *os.File
	console  io.Writer
	capacity int
	recent   map[string]*domain.FunctionInstance
	order    []string
}

// NewFunctionInstanceLog keeps up to capacity instances in memory.
func NewFunctionInstanceLog(capacity int) *FunctionInstanceLog {
	if capacity <= 0 {
		capacity = defaultInstanceCapacity
	}
	return &FunctionInstanceLog{
		console:  os.Stdout,
		capacity: capacity,
		recent:   make(map[string]*domain.FunctionInstance),
	}
}

// SetOutput appends JSON instance records to path.
func (l *FunctionInstanceLog) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// SetConsole sets the console destination; nil disables console output.
func (l *FunctionInstanceLog) SetConsole(w io.Writer) {
	l.mu.Lock()
	l.console = w
	l.mu.Unlock()
}

// Log records a finished instance.
func (l *FunctionInstanceLog) Log(inst *domain.FunctionInstance) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.console != nil {
		status := "✓"
		if !inst.Succeeded {
			status = "✗"
		}
		parent := ""
		if inst.ParentID != "" {
			parent = " [parent:" + inst.ParentID + "]"
		}
		fmt.Fprintf(l.console, "[function] %s %s %s %dms (%s)%s\n",
			status, inst.ID, inst.FunctionName, inst.Duration().Milliseconds(), inst.Reason, parent)
		if inst.Error != "" {
			fmt.Fprintf(l.console, "[function]   error: %s\n", inst.Error)
		}
	}

	if l.file != nil {
		data, _ := json.Marshal(inst)
		l.file.Write(append(data, '\n'))
	}

	if _, ok := l.recent[inst.ID]; !ok {
		l.order = append(l.order, inst.ID)
	}
	l.recent[inst.ID] = inst
	for len(l.order) > l.capacity {
		delete(l.recent, l.order[0])
		l.order = l.order[1:]
	}
}

// Get returns a recorded instance.
func (l *FunctionInstanceLog) Get(id string) (*domain.FunctionInstance, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	inst, ok := l.recent[id]
	return inst, ok
}

// Recent returns up to limit instances of function, newest first. An
// empty function matches all.
func (l *FunctionInstanceLog) Recent(function string, limit int) []*domain.FunctionInstance {
	l.mu.Lock()
	var out []*domain.FunctionInstance
	for _, inst := range l.recent {
		if function == "" || inst.FunctionName == function {
			out = append(out, inst)
		}
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Close closes the log file
func (l *FunctionInstanceLog) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
