package db

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const seenKeyPrefix = "agora:seen:"

// RedisSeen keeps the seen-set in redis. Entries expire after the retention
// period, so no pruning is needed.
type RedisSeen struct {
	rdb       *redis.Client
	retention time.Duration
}

func NewRedisSeen(ctx context.Context, addr string, db int, retention time.Duration) (*RedisSeen, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis %s: %w", addr, err)
	}
	return &RedisSeen{rdb: rdb, retention: retention}, nil
}

func (s *RedisSeen) HasSeenActivity(ctx context.Context, id string) (bool, error) {
	n, err := s.rdb.Exists(ctx, seenKeyPrefix+id).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisSeen) RecordSeenActivity(ctx context.Context, id string) error {
	return s.rdb.SetNX(ctx, seenKeyPrefix+id, time.Now().Unix(), s.retention).Err()
}

func (s *RedisSeen) Close() error {
	return s.rdb.Close()
}
