// Package redis adapts a Redis server to the kv port. It backs the snapshot
// cache, the checkpoint store and the outbox queues in production.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/evertide/evertide-go/ports/kv"
)

type Config struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces every key, so several deployments can share one
	// Redis database.
	KeyPrefix string
}

// Store implements kv.Store on a Redis client. Values are stored raw, list
// and sorted-set operations map one-to-one onto Redis primitives, so the
// atomicity guarantees of the port (SETNX dedupe, LMOVE claim, ZREM claim)
// are Redis's own. Entry.Meta is not persisted.
type Store struct {
	rdb    *goredis.Client
	prefix string
}

// NewClient creates a Redis client for cfg.
func NewClient(cfg Config) *goredis.Client {
	return goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// NewStore wraps an existing client.
func NewStore(rdb *goredis.Client, keyPrefix string) *Store {
	return &Store{rdb: rdb, prefix: keyPrefix}
}

// Connect creates a client from cfg, verifies the connection and returns the
// store.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	rdb := NewClient(cfg)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connect %s: %w", cfg.Addr, err)
	}
	return NewStore(rdb, cfg.KeyPrefix), nil
}

// Close releases the underlying client.
func (s *Store) Close() error { return s.rdb.Close() }

func (s *Store) key(k string) string { return s.prefix + k }

func (s *Store) Put(ctx context.Context, key string, entry kv.Entry, opts kv.PutOptions) error {
	if opts.IfNotExists {
		ok, err := s.rdb.SetNX(ctx, s.key(key), entry.Data, opts.TTL).Result()
		if err != nil {
			return fmt.Errorf("setnx %s: %w", key, err)
		}
		if !ok {
			return kv.ErrExists
		}
		return nil
	}
	if err := s.rdb.Set(ctx, s.key(key), entry.Data, opts.TTL).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (kv.Entry, error) {
	data, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return kv.Entry{}, kv.ErrNotFound
		}
		return kv.Entry{}, fmt.Errorf("get %s: %w", key, err)
	}
	return kv.Entry{Data: data}, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, s.key(key)).Err()
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return n > 0, nil
}

func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	var (
		out    []string
		cursor uint64
	)
	// SCAN instead of KEYS so a large keyspace does not block the server
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, s.key(pattern), 256).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", pattern, err)
		}
		for _, k := range keys {
			out = append(out, k[len(s.prefix):])
		}
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

func (s *Store) GetMany(ctx context.Context, keys []string) (map[string]kv.Entry, error) {
	if len(keys) == 0 {
		return map[string]kv.Entry{}, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	vals, err := s.rdb.MGet(ctx, full...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget: %w", err)
	}

	out := make(map[string]kv.Entry, len(keys))
	for i, v := range vals {
		if v == nil {
			continue
		}
		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("mget %s: unexpected value type %T", keys[i], v)
		}
		out[keys[i]] = kv.Entry{Data: []byte(str)}
	}
	return out, nil
}

func (s *Store) PutMany(ctx context.Context, entries map[string]kv.Entry, opts kv.PutOptions) error {
	pipe := s.rdb.Pipeline()
	for key, entry := range entries {
		pipe.Set(ctx, s.key(key), entry.Data, opts.TTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pipelined set: %w", err)
	}
	return nil
}

func (s *Store) ListPush(ctx context.Context, key string, values ...string) error {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return s.rdb.LPush(ctx, s.key(key), args...).Err()
}

func (s *Store) ListMove(ctx context.Context, src, dst string) (string, error) {
	val, err := s.rdb.LMove(ctx, s.key(src), s.key(dst), "RIGHT", "LEFT").Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", kv.ErrNotFound
		}
		return "", fmt.Errorf("lmove %s -> %s: %w", src, dst, err)
	}
	return val, nil
}

func (s *Store) ListRemove(ctx context.Context, key, value string) (int64, error) {
	n, err := s.rdb.LRem(ctx, s.key(key), 0, value).Result()
	if err != nil {
		return 0, fmt.Errorf("lrem %s: %w", key, err)
	}
	return n, nil
}

func (s *Store) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := s.rdb.LRange(ctx, s.key(key), start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", key, err)
	}
	return vals, nil
}

func (s *Store) ListLen(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.LLen(ctx, s.key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("llen %s: %w", key, err)
	}
	return n, nil
}

func (s *Store) SortedSetAdd(ctx context.Context, key string, score float64, member string) error {
	return s.rdb.ZAdd(ctx, s.key(key), goredis.Z{Score: score, Member: member}).Err()
}

func (s *Store) SortedSetRangeByScore(ctx context.Context, key string, max float64, limit int64) ([]string, error) {
	by := &goredis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", max),
	}
	if limit > 0 {
		by.Count = limit
	}
	vals, err := s.rdb.ZRangeByScore(ctx, s.key(key), by).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore %s: %w", key, err)
	}
	return vals, nil
}

func (s *Store) SortedSetRemove(ctx context.Context, key string, members ...string) (int64, error) {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	n, err := s.rdb.ZRem(ctx, s.key(key), args...).Result()
	if err != nil {
		return 0, fmt.Errorf("zrem %s: %w", key, err)
	}
	return n, nil
}

var _ kv.Store = (*Store)(nil)

// SetTTL refreshes the TTL of an existing key. Operational helper.
func (s *Store) SetTTL(ctx context.Context, key string, ttl time.Duration) error {
	return s.rdb.Expire(ctx, s.key(key), ttl).Err()
}
