package cache

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/convoyhq/convoy/internal/config"
)

// NewRedisClient builds a go-redis client from the cache section of Config.
func NewRedisClient(cfg config.CacheConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// TTLsFromConfig converts the configured domain->duration map into the
// Domain-keyed TTLs this package expects.
func TTLsFromConfig(cfg config.CacheConfig) TTLs {
	ttls := make(TTLs, len(cfg.TTLs))
	for domain, ttl := range cfg.TTLs {
		ttls[Domain(domain)] = ttl
	}
	return ttls
}
