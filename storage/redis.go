package storage

import (
	"strings"

	"github.com/go-redis/redis/v8"
)

var Redis *redis.Client

// InitializeRedis accepts either a bare host:port or a redis:// URL.
func InitializeRedis(addr string) (*redis.Client, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	opts := &redis.Options{Addr: addr}
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, err
		}
		opts = parsed
	}

	Redis = redis.NewClient(opts)
	return Redis, nil
}
