package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const ttlHistory = 7 * 24 * time.Hour

// RedisStore keeps a capped, newest-first list of entries per group.
type RedisStore struct {
	rdb   *redis.Client
	limit int64
}

// NewRedisStore parses a redis:// URL and pings the server.
func NewRedisStore(ctx context.Context, url string, limit int) (*RedisStore, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(url))
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisStoreFromClient(rdb, limit), nil
}

func NewRedisStoreFromClient(rdb *redis.Client, limit int) *RedisStore {
	if limit <= 0 {
		limit = 200
	}
	return &RedisStore{rdb: rdb, limit: int64(limit)}
}

func (s *RedisStore) keyGroup(groupID string) string { return "audit:group:" + strings.TrimSpace(groupID) }
func (s *RedisStore) keyTrace(id string) string      { return "audit:trace:" + strings.TrimSpace(id) }

func (s *RedisStore) Record(ctx context.Context, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	key := s.keyGroup(e.GroupID)
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, key, raw)
	pipe.LTrim(ctx, key, 0, s.limit-1)
	pipe.Expire(ctx, key, ttlHistory)
	if e.TraceID != "" {
		pipe.Set(ctx, s.keyTrace(e.TraceID), raw, ttlHistory)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("audit redis: %w", err)
	}
	return nil
}

// Recent returns up to n entries for group, newest first.
func (s *RedisStore) Recent(ctx context.Context, groupID string, n int) ([]Entry, error) {
	if n <= 0 {
		n = int(s.limit)
	}
	items, err := s.rdb.LRange(ctx, s.keyGroup(groupID), 0, int64(n-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(items))
	for _, raw := range items {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// ByTrace loads one entry by trace id; (nil, nil) when it expired or never existed.
func (s *RedisStore) ByTrace(ctx context.Context, traceID string) (*Entry, error) {
	raw, err := s.rdb.Get(ctx, s.keyTrace(traceID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *RedisStore) Close() error { return s.rdb.Close() }
