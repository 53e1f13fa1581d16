package main

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/mahaj/livechat/pkg/model"
)

// redisPresence keeps the online user set in Redis, shared by every
// gateway instance and read by the api service.
type redisPresence struct {
	rdb *redis.Client
}

func newRedisPresence(addr string) *redisPresence {
	return &redisPresence{rdb: redis.NewClient(&redis.Options{Addr: addr})}
}

func (p *redisPresence) Online(ctx context.Context, userID string) error {
	return p.rdb.SAdd(ctx, model.OnlineUsersKey, userID).Err()
}

func (p *redisPresence) Offline(ctx context.Context, userID string) error {
	return p.rdb.SRem(ctx, model.OnlineUsersKey, userID).Err()
}

func (p *redisPresence) Members(ctx context.Context) ([]string, error) {
	return p.rdb.SMembers(ctx, model.OnlineUsersKey).Result()
}

func (p *redisPresence) Close() error { return p.rdb.Close() }
