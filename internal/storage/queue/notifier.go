package queue

import (
	"context"
	"sync"
)

// Notifier wakes queue listeners when a message is enqueued so they do not
// have to wait for the next poll.
type Notifier interface {
	Notify(ctx context.Context, queue string) error
	// Subscribe returns a channel that receives a signal when new messages
	// may be available. It is closed when ctx is done or Close is called.
	Subscribe(ctx context.Context, queue string) <-chan struct{}
	Close() error
}

// NoopNotifier never signals; listeners rely on polling.
type NoopNotifier struct{}

func NewNoopNotifier() *NoopNotifier { return &NoopNotifier{} }

func (n *NoopNotifier) Notify(context.Context, string) error { return nil }

func (n *NoopNotifier) Subscribe(ctx context.Context, _ string) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}

func (n *NoopNotifier) Close() error { return nil }

// ChannelNotifier is an in-process notifier for single-instance hosts.
type ChannelNotifier struct {
	mu          sync.Mutex
	subscribers map[string][]chan struct{}
	closed      bool
}

func NewChannelNotifier() *ChannelNotifier {
	return &ChannelNotifier{subscribers: make(map[string][]chan struct{})}
}

func (n *ChannelNotifier) Notify(_ context.Context, queue string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	for _, ch := range n.subscribers[queue] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

func (n *ChannelNotifier) Subscribe(ctx context.Context, queue string) <-chan struct{} {
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		close(ch)
		return ch
	}
	n.subscribers[queue] = append(n.subscribers[queue], ch)
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		defer n.mu.Unlock()
		subs := n.subscribers[queue]
		for i, s := range subs {
			if s == ch {
				n.subscribers[queue] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}()

	return ch
}

func (n *ChannelNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	for _, subs := range n.subscribers {
		for _, ch := range subs {
			close(ch)
		}
	}
	n.subscribers = nil
	return nil
}

// NotifyingStore signals a Notifier after every successful enqueue.
type NotifyingStore struct {
	Store
	Notifier Notifier
}

func (s *NotifyingStore) Enqueue(ctx context.Context, queue string, body []byte) (*Message, error) {
	msg, err := s.Store.Enqueue(ctx, queue, body)
	if err != nil {
		return nil, err
	}
	_ = s.Notifier.Notify(ctx, queue)
	return msg, nil
}
