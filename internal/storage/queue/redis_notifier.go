package queue

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

const redisSignalPrefix = "jobhost:queue:signal:"

// RedisListNotifier delivers wake-up signals between hosts through a Redis
// list. Each LPUSH is consumed by exactly one BRPOP, so a signal wakes a
// single listener somewhere in the cluster.
type RedisListNotifier struct {
	client *redis.Client
	mu     sync.Mutex
	subs   map[string][]*redisListSub
	closed bool
}

type redisListSub struct {
	ch     chan struct{}
	cancel context.CancelFunc
}

func NewRedisListNotifier(client *redis.Client) *RedisListNotifier {
	return &RedisListNotifier{
		client: client,
		subs:   make(map[string][]*redisListSub),
	}
}

func (n *RedisListNotifier) Notify(ctx context.Context, queue string) error {
	return n.client.LPush(ctx, redisSignalPrefix+queue, "1").Err()
}

func (n *RedisListNotifier) Subscribe(ctx context.Context, queue string) <-chan struct{} {
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		close(ch)
		return ch
	}
	subCtx, cancel := context.WithCancel(ctx)
	rs := &redisListSub{ch: ch, cancel: cancel}
	n.subs[queue] = append(n.subs[queue], rs)
	n.mu.Unlock()

	key := redisSignalPrefix + queue
	go func() {
		defer func() {
			n.removeSub(queue, rs)
			close(ch)
		}()
		for subCtx.Err() == nil {
			// short timeout keeps cancellation responsive
			result, err := n.client.BRPop(subCtx, time.Second, key).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				if subCtx.Err() != nil {
					return
				}
				select {
				case <-subCtx.Done():
					return
				case <-time.After(100 * time.Millisecond):
				}
				continue
			}
			if len(result) >= 2 {
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}
	}()
	return ch
}

func (n *RedisListNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	for _, subs := range n.subs {
		for _, s := range subs {
			s.cancel()
		}
	}
	n.subs = nil
	return nil
}

func (n *RedisListNotifier) removeSub(queue string, target *redisListSub) {
	n.mu.Lock()
	defer n.mu.Unlock()
	subs := n.subs[queue]
	for i, s := range subs {
		if s == target {
			n.subs[queue] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}
