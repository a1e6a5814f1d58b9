package servicebus

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

type memoryEntity struct {
	path     string
	messages []*memoryMessage
	signal   chan struct{}
}

type memoryMessage struct {
	msg     Message
	locked  bool
	settled bool
}

// MemoryClient is an in-process broker. Topics are implicit: sending to a
// path delivers to the queue of that name and to every subscription whose
// topic matches.
type MemoryClient struct {
	mu       sync.Mutex
	entities map[string]*memoryEntity
	closed   bool
}

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{entities: make(map[string]*memoryEntity)}
}

func (c *MemoryClient) CreateEntity(_ context.Context, entityPath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entities[entityPath]; ok {
		return errors.Wrapf(ErrAlreadyExists, "%s", entityPath)
	}
	c.entities[entityPath] = &memoryEntity{path: entityPath, signal: make(chan struct{}, 1)}
	return nil
}

func (c *MemoryClient) Send(_ context.Context, entityPath string, msg *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var targets []*memoryEntity
	if e, ok := c.entities[entityPath]; ok {
		targets = append(targets, e)
	}
	for path, e := range c.entities {
		if topic, _, ok := SplitSubscriptionPath(path); ok && topic == entityPath && !strings.HasSuffix(path, "/$DeadLetterQueue") {
			targets = append(targets, e)
		}
	}
	if len(targets) == 0 {
		return errors.Wrapf(ErrEntityNotFound, "%s", entityPath)
	}

	for _, e := range targets {
		c.enqueueLocked(e, msg)
	}
	return nil
}

func (c *MemoryClient) enqueueLocked(e *memoryEntity, msg *Message) {
	m := *msg
	m.Body = append([]byte(nil), msg.Body...)
	if m.MessageID == "" {
		m.MessageID = uuid.NewString()
	}
	if msg.Properties != nil {
		m.Properties = make(map[string]any, len(msg.Properties))
		for k, v := range msg.Properties {
			m.Properties[k] = v
		}
	}
	m.EnqueuedTime = time.Now().UTC()
	m.DeliveryCount = 0
	m.settler = nil
	e.messages = append(e.messages, &memoryMessage{msg: m})
	select {
	case e.signal <- struct{}{}:
	default:
	}
}

func (c *MemoryClient) NewReceiver(entityPath string) (Receiver, error) {
	return &memoryReceiver{client: c, path: entityPath}, nil
}

func (c *MemoryClient) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// Pending reports how many unsettled messages an entity holds.
func (c *MemoryClient) Pending(entityPath string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entities[entityPath]
	if !ok {
		return 0
	}
	return len(e.messages)
}

type memoryReceiver struct {
	client *MemoryClient
	path   string
}

func (r *memoryReceiver) Receive(ctx context.Context, max int) ([]*Message, error) {
	for {
		r.client.mu.Lock()
		if r.client.closed {
			r.client.mu.Unlock()
			return nil, errors.New("servicebus: client closed")
		}
		e, ok := r.client.entities[r.path]
		if !ok {
			r.client.mu.Unlock()
			return nil, errors.Wrapf(ErrEntityNotFound, "%s", r.path)
		}
		var out []*Message
		for _, mm := range e.messages {
			if len(out) >= max {
				break
			}
			if mm.locked {
				continue
			}
			mm.locked = true
			mm.msg.DeliveryCount++
			m := mm.msg
			m.settler = &memorySettler{client: r.client, entity: e, item: mm}
			out = append(out, &m)
		}
		signal := e.signal
		r.client.mu.Unlock()

		if len(out) > 0 {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-signal:
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (r *memoryReceiver) Close() error { return nil }

type memorySettler struct {
	client *MemoryClient
	entity *memoryEntity
	item   *memoryMessage
}

func (s *memorySettler) remove() error {
	if s.item.settled {
		return ErrSettled
	}
	s.item.settled = true
	msgs := s.entity.messages
	for i, mm := range msgs {
		if mm == s.item {
			s.entity.messages = append(msgs[:i], msgs[i+1:]...)
			break
		}
	}
	return nil
}

func (s *memorySettler) complete(context.Context) error {
	s.client.mu.Lock()
	defer s.client.mu.Unlock()
	return s.remove()
}

func (s *memorySettler) abandon(context.Context) error {
	s.client.mu.Lock()
	defer s.client.mu.Unlock()
	if s.item.settled {
		return ErrSettled
	}
	if !s.item.locked {
		return ErrSettled
	}
	s.item.locked = false
	select {
	case s.entity.signal <- struct{}{}:
	default:
	}
	return nil
}

func (s *memorySettler) deadLetter(_ context.Context, reason string) error {
	s.client.mu.Lock()
	defer s.client.mu.Unlock()
	if err := s.remove(); err != nil {
		return err
	}
	dlqPath := DeadLetterPath(s.entity.path)
	dlq, ok := s.client.entities[dlqPath]
	if !ok {
		dlq = &memoryEntity{path: dlqPath, signal: make(chan struct{}, 1)}
		s.client.entities[dlqPath] = dlq
	}
	m := s.item.msg
	if m.Properties == nil {
		m.Properties = make(map[string]any)
	}
	m.Properties["DeadLetterReason"] = reason
	dlq.messages = append(dlq.messages, &memoryMessage{msg: m})
	return nil
}
