package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/metrics"
)

// RedisStore implements KV on top of a Redis server.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, unavailable("ping", err)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Client exposes the underlying client.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	defer observe("ping", time.Now())
	return unavailable("ping", s.client.Ping(ctx).Err())
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	defer observe("zadd", time.Now())
	err := s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	return unavailable("zadd", err)
}

// ZPopMin atomically removes and returns the lowest-scored member.
func (s *RedisStore) ZPopMin(ctx context.Context, key string) (string, bool, error) {
	defer observe("zpopmin", time.Now())
	results, err := s.client.ZPopMin(ctx, key, 1).Result()
	if err != nil {
		return "", false, unavailable("zpopmin", err)
	}
	if len(results) == 0 {
		return "", false, nil
	}
	member, _ := results[0].Member.(string)
	return member, true, nil
}

func (s *RedisStore) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	defer observe("zrange", time.Now())
	results, err := s.client.ZRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, unavailable("zrange", err)
	}
	return results, nil
}

func (s *RedisStore) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	defer observe("zrem", time.Now())
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return unavailable("zrem", s.client.ZRem(ctx, key, args...).Err())
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	defer observe("zcard", time.Now())
	n, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, unavailable("zcard", err)
	}
	return n, nil
}

// XAdd appends to a Redis stream and returns the server-assigned id.
func (s *RedisStore) XAdd(ctx context.Context, key string, values map[string]string) (string, error) {
	defer observe("xadd", time.Now())
	fields := make(map[string]interface{}, len(values))
	for k, v := range values {
		fields[k] = v
	}
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: fields,
	}).Result()
	if err != nil {
		return "", unavailable("xadd", err)
	}
	return id, nil
}

// XRangeAfter reads entries strictly after afterID. The exclusive start is
// computed client-side so servers older than 6.2 behave the same.
func (s *RedisStore) XRangeAfter(ctx context.Context, key, afterID string, count int64) ([]Entry, error) {
	after, err := ParseStreamID(afterID)
	if err != nil {
		return nil, err
	}
	defer observe("xrange", time.Now())
	msgs, err := s.client.XRangeN(ctx, key, after.Next().String(), "+", count).Result()
	if err != nil {
		return nil, unavailable("xrange", err)
	}
	return toEntries(msgs), nil
}

func (s *RedisStore) XRevRange(ctx context.Context, key string, count int64) ([]Entry, error) {
	defer observe("xrevrange", time.Now())
	msgs, err := s.client.XRevRangeN(ctx, key, "+", "-", count).Result()
	if err != nil {
		return nil, unavailable("xrevrange", err)
	}
	return toEntries(msgs), nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	defer observe("set", time.Now())
	return unavailable("set", s.client.Set(ctx, key, value, ttl).Err())
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	defer observe("setnx", time.Now())
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, unavailable("setnx", err)
	}
	return ok, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	defer observe("get", time.Now())
	value, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable("get", err)
	}
	return value, true, nil
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	defer observe("del", time.Now())
	return unavailable("del", s.client.Del(ctx, keys...).Err())
}

func toEntries(msgs []redis.XMessage) []Entry {
	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		values := make(map[string]string, len(msg.Values))
		for k, v := range msg.Values {
			values[k] = fmt.Sprint(v)
		}
		entries = append(entries, Entry{ID: msg.ID, Values: values})
	}
	return entries
}

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

func observe(op string, start time.Time) {
	metrics.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
