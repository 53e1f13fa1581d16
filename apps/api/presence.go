package main

import (
	"context"
	"log"
	"net/http"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/mahaj/livechat/pkg/model"
)

// OnlineLister reports the users with a registered gateway connection.
type OnlineLister interface {
	Online(ctx context.Context) ([]string, error)
}

type redisOnline struct {
	redis *redis.Client
}

func newRedisOnline(redisAddr string) *redisOnline {
	rdb := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})
	return &redisOnline{redis: rdb}
}

func (o *redisOnline) Online(ctx context.Context) ([]string, error) {
	return o.redis.SMembers(ctx, model.OnlineUsersKey).Result()
}

func (o *redisOnline) Close() error { return o.redis.Close() }

// OnlineHandler returns the sorted list of online users.
func OnlineHandler(online OnlineLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		users, err := online.Online(r.Context())
		if err != nil {
			log.Printf("Failed to fetch online users: %v", err)
			http.Error(w, "Failed to fetch presence", http.StatusInternalServerError)
			return
		}
		if users == nil {
			users = []string{}
		}
		sort.Strings(users)
		writeJSON(w, users)
	}
}
