package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

type memoryBlob struct {
	data  []byte
	props Properties
}

// MemoryStore keeps blobs in process memory. Used for development storage
// and tests.
type MemoryStore struct {
	mu         sync.RWMutex
	containers map[string]map[string]*memoryBlob
	version    uint64
	now        func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		containers: make(map[string]map[string]*memoryBlob),
		now:        time.Now,
	}
}

func (s *MemoryStore) CreateContainerIfNotExists(_ context.Context, container string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.containers[container]; !ok {
		s.containers[container] = make(map[string]*memoryBlob)
	}
	return nil
}

func (s *MemoryStore) Read(_ context.Context, ref Ref) (io.ReadCloser, Properties, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.containers[ref.Container][ref.Name]
	if !ok {
		return nil, Properties{}, errors.Wrapf(ErrNotFound, "%s", ref)
	}
	return io.NopCloser(bytes.NewReader(b.data)), copyProps(b.props), nil
}

func (s *MemoryStore) Write(_ context.Context, ref Ref, data []byte, contentType string) (Properties, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.containers[ref.Container]
	if !ok {
		c = make(map[string]*memoryBlob)
		s.containers[ref.Container] = c
	}
	s.version++
	props := Properties{
		ETag:         fmt.Sprintf("\"0x%X\"", s.version),
		LastModified: s.now().UTC(),
		Size:         int64(len(data)),
		ContentType:  contentType,
		Metadata: map[string]string{
			metaHash:     contentHash(data),
			metaHashAlgo: "blake3",
		},
	}
	c[ref.Name] = &memoryBlob{data: append([]byte(nil), data...), props: props}
	return copyProps(props), nil
}

func (s *MemoryStore) Properties(_ context.Context, ref Ref) (Properties, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.containers[ref.Container][ref.Name]
	if !ok {
		return Properties{}, errors.Wrapf(ErrNotFound, "%s", ref)
	}
	return copyProps(b.props), nil
}

func (s *MemoryStore) List(_ context.Context, container, prefix string) ([]Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var items []Item
	for name, b := range s.containers[container] {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		items = append(items, Item{Ref: Ref{Container: container, Name: name}, Properties: copyProps(b.props)})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Ref.Name < items[j].Ref.Name })
	return items, nil
}

func (s *MemoryStore) Delete(_ context.Context, ref Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.containers[ref.Container]
	if _, ok := c[ref.Name]; !ok {
		return errors.Wrapf(ErrNotFound, "%s", ref)
	}
	delete(c, ref.Name)
	return nil
}

func copyProps(p Properties) Properties {
	if p.Metadata != nil {
		m := make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			m[k] = v
		}
		p.Metadata = m
	}
	return p
}
