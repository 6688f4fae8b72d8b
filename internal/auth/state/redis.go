package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pysugar/issuebridge/internal/apperr"
	goredis "github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "oauth:state:"

// RedisStore keeps state values in Redis; expiry is delegated to key TTLs.
type RedisStore struct {
	rdb *goredis.Client
}

func NewRedisStore(rdb *goredis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// NewRedisStoreFromURL parses a redis:// URL and pings the server.
func NewRedisStoreFromURL(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := goredis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{rdb: rdb}, nil
}

func (s *RedisStore) Create(ctx context.Context, data Data, ttl time.Duration) (string, error) {
	token, err := NewToken()
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal oauth state: %w", err)
	}
	if err := s.rdb.Set(ctx, redisKeyPrefix+token, payload, ttl).Err(); err != nil {
		return "", fmt.Errorf("store oauth state: %w", err)
	}
	return token, nil
}

// Consume uses GETDEL so that retrieval and deletion are one atomic step.
func (s *RedisStore) Consume(ctx context.Context, token string) (Data, error) {
	if token == "" {
		return Data{}, apperr.New(apperr.KindInvalidState, "missing oauth state")
	}
	raw, err := s.rdb.GetDel(ctx, redisKeyPrefix+token).Bytes()
	if errors.Is(err, goredis.Nil) {
		return Data{}, apperr.New(apperr.KindInvalidState, "unknown, used or expired oauth state")
	}
	if err != nil {
		return Data{}, fmt.Errorf("consume oauth state: %w", err)
	}
	var data Data
	if err := json.Unmarshal(raw, &data); err != nil {
		return Data{}, fmt.Errorf("unmarshal oauth state: %w", err)
	}
	return data, nil
}

// Prune is a no-op: Redis expires keys itself.
func (s *RedisStore) Prune(ctx context.Context) (int64, error) {
	return 0, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
