package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// OutputEntry stores the console output of one function instance.
type OutputEntry struct {
	InstanceID string    `json:"instance_id"`
	Function   string    `json:"function"`
	Output     string    `json:"output,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// OutputStore keeps captured console output with TTL cleanup. When a
// storage directory is set, entries are also persisted as JSON files.
type OutputStore struct {
	mu         sync.RWMutex
	storageDir string
	maxSize    int
	retention  time.Duration
	entries    map[string]*OutputEntry
}

// NewOutputStore creates a store. storageDir may be empty for memory-only
// retention; maxSize <= 0 disables truncation.
func NewOutputStore(storageDir string, maxSize int, retention time.Duration) (*OutputStore, error) {
	if storageDir != "" {
		if err := os.MkdirAll(storageDir, 0755); err != nil {
			return nil, err
		}
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &OutputStore{
		storageDir: storageDir,
		maxSize:    maxSize,
		retention:  retention,
		entries:    make(map[string]*OutputEntry),
	}, nil
}

// Store saves the output of an instance.
func (s *OutputStore) Store(instanceID, function, output string) {
	if s == nil {
		return
	}
	if s.maxSize > 0 && len(output) > s.maxSize {
		output = output[:s.maxSize] + "...[truncated]"
	}

	now := time.Now()
	entry := &OutputEntry{
		InstanceID: instanceID,
		Function:   function,
		Output:     output,
		Timestamp:  now,
		ExpiresAt:  now.Add(s.retention),
	}

	s.mu.Lock()
	s.entries[instanceID] = entry
	s.mu.Unlock()

	s.persistEntry(entry)
}

// Get retrieves the output of an instance.
func (s *OutputStore) Get(instanceID string) (*OutputEntry, bool) {
	if s == nil {
		return nil, false
	}

	s.mu.RLock()
	entry, ok := s.entries[instanceID]
	s.mu.RUnlock()
	if ok && time.Now().Before(entry.ExpiresAt) {
		return entry, true
	}
	return s.loadEntry(instanceID)
}

// GetByFunction retrieves the last limit outputs of a function.
func (s *OutputStore) GetByFunction(function string, limit int) []*OutputEntry {
	if s == nil {
		return nil
	}

	now := time.Now()
	s.mu.RLock()
	var results []*OutputEntry
	for _, entry := range s.entries {
		if entry.Function == function && now.Before(entry.ExpiresAt) {
			results = append(results, entry)
		}
	}
	s.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool { return results[i].Timestamp.After(results[j].Timestamp) })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

func (s *OutputStore) persistEntry(entry *OutputEntry) {
	if s.storageDir == "" {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	_ = os.WriteFile(filepath.Join(s.storageDir, entry.InstanceID+".json"), data, 0644)
}

func (s *OutputStore) loadEntry(instanceID string) (*OutputEntry, bool) {
	if s.storageDir == "" {
		return nil, false
	}
	path := filepath.Join(s.storageDir, instanceID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}

	var entry OutputEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false
	}
	if time.Now().After(entry.ExpiresAt) {
		os.Remove(path)
		return nil, false
	}

	s.mu.Lock()
	s.entries[instanceID] = &entry
	s.mu.Unlock()
	return &entry, true
}

// Run removes expired entries every interval until ctx is done.
func (s *OutputStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanup(time.Now())
		}
	}
}

func (s *OutputStore) cleanup(now time.Time) {
	s.mu.Lock()
	for id, entry := range s.entries {
		if now.After(entry.ExpiresAt) {
			delete(s.entries, id)
		}
	}
	s.mu.Unlock()

	if s.storageDir == "" {
		return
	}
	entries, err := os.ReadDir(s.storageDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > s.retention {
			os.Remove(filepath.Join(s.storageDir, e.Name()))
		}
	}
}

// ConsoleBuffer is the io.Writer handed to functions that ask for console
// output. Writes past limit are dropped.
type ConsoleBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func NewConsoleBuffer(limit int) *ConsoleBuffer {
	return &ConsoleBuffer{limit: limit}
}

func (b *ConsoleBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limit > 0 {
		room := b.limit - b.buf.Len()
		if room <= 0 {
			b.truncated = true
			return len(p), nil
		}
		if len(p) > room {
			b.buf.Write(p[:room])
			b.truncated = true
			return len(p), nil
		}
	}
	return b.buf.Write(p)
}

func (b *ConsoleBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + "...[truncated]"
	}
	return b.buf.String()
}
