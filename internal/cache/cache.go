// Package cache implements the read-through/write-through cache described
// in §4.6: a Redis-backed primary store with per-domain TTLs, falling back
// to an in-process TTL cache when Redis is unreachable, and ASCII-safe
// hashed keys so arbitrary identifiers (emails, URLs, tool names) never
// break the wire protocol.
package cache

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/convoyhq/convoy/internal/infra"
)

// Domain names the cache families with their own TTL, matching §4.6 and
// config.CacheConfig.TTLs.
type Domain string

const (
	DomainUser             Domain = "user"
	DomainSession          Domain = "session"
	DomainSessionSummary   Domain = "session_summary"
	DomainMessageHistory   Domain = "message_history"
	DomainAnalysis         Domain = "analysis"
	DomainToolSearch       Domain = "tool_search"
	DomainAppRouting       Domain = "app_routing"
	DomainConnectionStatus Domain = "connection_status"
	DomainConversations    Domain = "conversations"
	DomainUserConnections  Domain = "user_connections"
)

// HashKey builds the ASCII-safe cache key for a domain and its raw
// identifier parts: base64-encode the joined UTF-8 parts, then replace the
// base64 alphabet's non-ASCII-safe characters ('/', '+', '=') with '_' so
// the resulting key is always a safe Redis key component (§4.6).
func HashKey(domain Domain, parts ...string) string {
	joined := strings.Join(parts, "\x1f")
	encoded := base64.StdEncoding.EncodeToString([]byte(joined))
	safe := strings.NewReplacer("/", "_", "+", "_", "=", "_").Replace(encoded)
	return fmt.Sprintf("%s:%s", domain, safe)
}

// Cache is the raw byte-oriented cache contract. Callers almost always want
// the generic GetJSON/SetJSON/GetOrLoad helpers below instead of calling
// this directly.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// RedisCache is the primary cache implementation. On any Redis error it
// degrades to a process-local TTL cache rather than failing the request;
// degraded entries are never shared across instances, which is an accepted
// cost of staying available during a Redis outage.
type RedisCache struct {
	client   *redis.Client
	fallback *infra.TTLCache[string, []byte]
}

// NewRedisCache constructs a cache backed by the given Redis client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{
		client:   client,
		fallback: infra.NewTTLCache[string, []byte](infra.CacheConfig{DefaultTTL: 5 * time.Minute, CleanupInterval: time.Minute}),
	}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		return value, true, nil
	case err == redis.Nil:
		if fb, ok := c.fallback.Get(key); ok {
			return fb, true, nil
		}
		return nil, false, nil
	default:
		if fb, ok := c.fallback.Get(key); ok {
			return fb, true, nil
		}
		return nil, false, nil
	}
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.fallback.SetWithTTL(key, value, ttl)
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return nil
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	c.fallback.Delete(key)
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return nil
	}
	return nil
}

// TTLs maps a Domain to its configured time-to-live.
type TTLs map[Domain]time.Duration

// TTLFor returns the configured TTL for a domain, or the given fallback if
// the domain has no explicit entry.
func (t TTLs) TTLFor(domain Domain, fallback time.Duration) time.Duration {
	if ttl, ok := t[domain]; ok {
		return ttl
	}
	return fallback
}

// Store wraps a raw Cache with per-domain TTLs and JSON (de)serialization,
// the shape every pipeline stage actually calls.
type Store struct {
	cache Cache
	ttls  TTLs
	group infra.Group[string, []byte]
}

// NewStore builds a Store over cache using the given per-domain TTLs.
func NewStore(cache Cache, ttls TTLs) *Store {
	return &Store{cache: cache, ttls: ttls}
}

// GetJSON reads and JSON-decodes a cached value into dest. Returns false if
// the key was absent.
func (s *Store) GetJSON(ctx context.Context, domain Domain, key string, dest any) (bool, error) {
	raw, ok, err := s.cache.Get(ctx, HashKey(domain, key))
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("cache: decode %s/%s: %w", domain, key, err)
	}
	return true, nil
}

// SetJSON JSON-encodes value and writes it under the domain's configured
// TTL (write-through).
func (s *Store) SetJSON(ctx context.Context, domain Domain, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: encode %s/%s: %w", domain, key, err)
	}
	ttl := s.ttls.TTLFor(domain, 5*time.Minute)
	return s.cache.Set(ctx, HashKey(domain, key), raw, ttl)
}

// Delete invalidates a cached value.
func (s *Store) Delete(ctx context.Context, domain Domain, key string) error {
	return s.cache.Delete(ctx, HashKey(domain, key))
}

// GetOrLoadJSON implements read-through caching: on a miss it calls load,
// coalescing concurrent misses for the same domain/key into a single load
// call (§4.6's read-through contract; prevents a thundering herd of
// identical analysis/tool-search calls against the LLM or broker).
func GetOrLoadJSON[T any](ctx context.Context, s *Store, domain Domain, key string, load func(context.Context) (T, error)) (T, error) {
	var cached T
	if ok, err := s.GetJSON(ctx, domain, key, &cached); err == nil && ok {
		return cached, nil
	}

	groupKey := string(domain) + "\x1f" + key
	raw, err, _ := s.group.Do(groupKey, func() ([]byte, error) {
		value, err := load(ctx)
		if err != nil {
			return nil, err
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		_ = s.SetJSON(ctx, domain, key, value)
		return encoded, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}

	var result T
	if unmarshalErr := json.Unmarshal(raw, &result); unmarshalErr != nil {
		var zero T
		return zero, unmarshalErr
	}
	return result, nil
}
