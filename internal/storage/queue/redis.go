package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "jobhost:queue:"
	redisQueuesKey = "jobhost:queues"
)

// RedisStore keeps queues in Redis. Each queue uses three keys: a hash of
// message records, a list of visible message ids and a sorted set of hidden
// message ids scored by the time they become visible again.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, ttl: DefaultTimeToLive}
}

// NewRedisStoreFromURL parses a redis:// URL and pings the server.
func NewRedisStoreFromURL(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrapf(err, "parse redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return NewRedisStore(client), nil
}

// Client exposes the underlying connection, e.g. for a RedisListNotifier.
func (s *RedisStore) Client() *redis.Client { return s.client }

func (s *RedisStore) Close() error { return s.client.Close() }

func msgsKey(q string) string     { return redisKeyPrefix + q + ":msgs" }
func readyKey(q string) string    { return redisKeyPrefix + q + ":ready" }
func inflightKey(q string) string { return redisKeyPrefix + q + ":inflight" }

func (s *RedisStore) CreateIfNotExists(ctx context.Context, queue string) error {
	return s.client.SAdd(ctx, redisQueuesKey, queue).Err()
}

func (s *RedisStore) Enqueue(ctx context.Context, queue string, body []byte) (*Message, error) {
	now := time.Now().UTC()
	msg := &Message{
		ID:              uuid.NewString(),
		Body:            body,
		InsertionTime:   now,
		ExpirationTime:  now.Add(s.ttl),
		NextVisibleTime: now,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "marshal queue message")
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, msgsKey(queue), msg.ID, data)
		p.LPush(ctx, readyKey(queue), msg.ID)
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "enqueue to %s", queue)
	}
	return msg, nil
}

func (s *RedisStore) promote(ctx context.Context, queue string, now time.Time) error {
	ids, err := s.client.ZRangeByScore(ctx, inflightKey(queue), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		removed, err := s.client.ZRem(ctx, inflightKey(queue), id).Result()
		if err != nil {
			return err
		}
		if removed == 1 {
			if err := s.client.RPush(ctx, readyKey(queue), id).Err(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *RedisStore) load(ctx context.Context, queue, id string) (*Message, error) {
	data, err := s.client.HGet(ctx, msgsKey(queue), id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errors.Wrapf(ErrNotFound, "message %s in %s", id, queue)
	}
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, errors.Wrapf(err, "decode message %s", id)
	}
	return &msg, nil
}

func (s *RedisStore) save(ctx context.Context, p redis.Pipeliner, queue string, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	p.HSet(ctx, msgsKey(queue), msg.ID, data)
	return nil
}

func (s *RedisStore) Dequeue(ctx context.Context, queue string, max int, visibility time.Duration) ([]*Message, error) {
	now := time.Now().UTC()
	if err := s.promote(ctx, queue, now); err != nil {
		return nil, errors.Wrapf(err, "promote hidden messages in %s", queue)
	}

	var out []*Message
	for len(out) < max {
		id, err := s.client.RPop(ctx, readyKey(queue)).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return out, errors.Wrapf(err, "dequeue from %s", queue)
		}
		msg, err := s.load(ctx, queue, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return out, err
		}
		if !now.Before(msg.ExpirationTime) {
			s.client.HDel(ctx, msgsKey(queue), id)
			continue
		}

		msg.DequeueCount++
		msg.PopReceipt = uuid.NewString()
		msg.NextVisibleTime = now.Add(visibility)
		_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			if err := s.save(ctx, p, queue, msg); err != nil {
				return err
			}
			p.ZAdd(ctx, inflightKey(queue), redis.Z{Score: float64(msg.NextVisibleTime.UnixMilli()), Member: id})
			return nil
		})
		if err != nil {
			return out, errors.Wrapf(err, "hide message %s", id)
		}
		out = append(out, msg)
	}
	return out, nil
}

func (s *RedisStore) checkReceipt(ctx context.Context, queue string, msg *Message) (*Message, error) {
	stored, err := s.load(ctx, queue, msg.ID)
	if err != nil {
		return nil, err
	}
	if stored.PopReceipt != msg.PopReceipt {
		return nil, errors.Wrapf(ErrNotFound, "message %s in %s: pop receipt mismatch", msg.ID, queue)
	}
	return stored, nil
}

func (s *RedisStore) Delete(ctx context.Context, queue string, msg *Message) error {
	if _, err := s.checkReceipt(ctx, queue, msg); err != nil {
		return err
	}
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, inflightKey(queue), msg.ID)
		p.HDel(ctx, msgsKey(queue), msg.ID)
		return nil
	})
	return errors.Wrapf(err, "delete message %s", msg.ID)
}

func (s *RedisStore) Release(ctx context.Context, queue string, msg *Message, delay time.Duration) error {
	stored, err := s.checkReceipt(ctx, queue, msg)
	if err != nil {
		return err
	}
	stored.PopReceipt = ""
	stored.NextVisibleTime = time.Now().UTC().Add(delay)
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if err := s.save(ctx, p, queue, stored); err != nil {
			return err
		}
		if delay <= 0 {
			p.ZRem(ctx, inflightKey(queue), stored.ID)
			p.RPush(ctx, readyKey(queue), stored.ID)
			return nil
		}
		p.ZAdd(ctx, inflightKey(queue), redis.Z{Score: float64(stored.NextVisibleTime.UnixMilli()), Member: stored.ID})
		return nil
	})
	return errors.Wrapf(err, "release message %s", msg.ID)
}
