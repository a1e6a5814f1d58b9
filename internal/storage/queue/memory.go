package queue

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// MemoryStore is an in-process queue store.
type MemoryStore struct {
	mu     sync.Mutex
	queues map[string][]*Message
	ttl    time.Duration
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		queues: make(map[string][]*Message),
		ttl:    DefaultTimeToLive,
		now:    time.Now,
	}
}

func (s *MemoryStore) CreateIfNotExists(_ context.Context, queue string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queues[queue]; !ok {
		s.queues[queue] = nil
	}
	return nil
}

func (s *MemoryStore) Enqueue(_ context.Context, queue string, body []byte) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	msg := &Message{
		ID:              uuid.NewString(),
		Body:            append([]byte(nil), body...),
		InsertionTime:   now,
		ExpirationTime:  now.Add(s.ttl),
		NextVisibleTime: now,
	}
	s.queues[queue] = append(s.queues[queue], msg)
	c := *msg
	return &c, nil
}

func (s *MemoryStore) Dequeue(_ context.Context, queue string, max int, visibility time.Duration) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()

	kept := s.queues[queue][:0]
	var out []*Message
	for _, m := range s.queues[queue] {
		if !now.Before(m.ExpirationTime) {
			continue
		}
		kept = append(kept, m)
		if len(out) >= max || now.Before(m.NextVisibleTime) {
			continue
		}
		m.DequeueCount++
		m.PopReceipt = uuid.NewString()
		m.NextVisibleTime = now.Add(visibility)
		c := *m
		out = append(out, &c)
	}
	s.queues[queue] = kept
	return out, nil
}

func (s *MemoryStore) find(queue string, msg *Message) (int, error) {
	for i, m := range s.queues[queue] {
		if m.ID == msg.ID {
			if m.PopReceipt != msg.PopReceipt {
				return -1, errors.Wrapf(ErrNotFound, "message %s in %s: pop receipt mismatch", msg.ID, queue)
			}
			return i, nil
		}
	}
	return -1, errors.Wrapf(ErrNotFound, "message %s in %s", msg.ID, queue)
}

func (s *MemoryStore) Delete(_ context.Context, queue string, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, err := s.find(queue, msg)
	if err != nil {
		return err
	}
	q := s.queues[queue]
	s.queues[queue] = append(q[:i], q[i+1:]...)
	return nil
}

func (s *MemoryStore) Release(_ context.Context, queue string, msg *Message, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, err := s.find(queue, msg)
	if err != nil {
		return err
	}
	m := s.queues[queue][i]
	m.NextVisibleTime = s.now().UTC().Add(delay)
	m.PopReceipt = ""
	return nil
}

// Len reports the number of unexpired messages, visible or not.
func (s *MemoryStore) Len(queue string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[queue])
}
