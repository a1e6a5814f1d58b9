package table

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

type entityKey struct{ pk, rk string }

// MemoryStore is an in-process table store.
type MemoryStore struct {
	mu      sync.RWMutex
	tables  map[string]map[entityKey]*Entity
	version uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tables: make(map[string]map[entityKey]*Entity)}
}

func (s *MemoryStore) CreateTableIfNotExists(_ context.Context, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[table]; !ok {
		s.tables[table] = make(map[entityKey]*Entity)
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, table, pk, rk string) (*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.tables[table][entityKey{pk, rk}]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "%s/%s/%s", table, pk, rk)
	}
	return clone(e), nil
}

func (s *MemoryStore) Upsert(_ context.Context, table string, e *Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[table]
	if !ok {
		t = make(map[entityKey]*Entity)
		s.tables[table] = t
	}
	s.version++
	stored := clone(e)
	stored.ETag = fmt.Sprintf("W/\"%d\"", s.version)
	stored.Timestamp = time.Now().UTC()
	t[entityKey{e.PartitionKey, e.RowKey}] = stored
	e.ETag, e.Timestamp = stored.ETag, stored.Timestamp
	return nil
}

func (s *MemoryStore) Query(_ context.Context, table, pk string) ([]*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Entity
	for k, e := range s.tables[table] {
		if pk == "" || k.pk == pk {
			out = append(out, clone(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PartitionKey != out[j].PartitionKey {
			return out[i].PartitionKey < out[j].PartitionKey
		}
		return out[i].RowKey < out[j].RowKey
	})
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, table, pk, rk string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tables[table]
	if _, ok := t[entityKey{pk, rk}]; !ok {
		return errors.Wrapf(ErrNotFound, "%s/%s/%s", table, pk, rk)
	}
	delete(t, entityKey{pk, rk})
	return nil
}

func clone(e *Entity) *Entity {
	c := *e
	c.Properties = append([]byte(nil), e.Properties...)
	return &c
}
