// Package rediscache implements the analytics read-through cache.
package rediscache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sellsight/sellsight/internal/adapter/observability"
	"github.com/sellsight/sellsight/internal/domain"
)

// DefaultTTL bounds staleness between a sync and the next recompute.
const DefaultTTL = 5 * time.Minute

const keyPrefix = "analytics"

// Cache stores analytics payloads in Redis. Every backend failure degrades
// to a miss; a broken cache must never break an analytics request.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

func New(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb, ttl: DefaultTTL}
}

// Key builds `analytics:{connection}:{endpoint}:{hash}` where hash is the
// first 8 hex chars of a digest over the canonical (sorted-key) JSON of
// params. Equal params always produce equal keys regardless of map order.
func Key(connectionID, endpoint string, params map[string]any) string {
	return fmt.Sprintf("%s:%s:%s:%s", keyPrefix, connectionID, endpoint, paramsHash(params))
}

func paramsHash(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	canon := make(map[string]any, len(params))
	for _, k := range keys {
		canon[k] = params[k]
	}
	// encoding/json sorts map keys, so this is a stable canonical form.
	b, err := json.Marshal(canon)
	if err != nil {
		b = []byte(fmt.Sprintf("%v", params))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:4])
}

func (c *Cache) Get(ctx domain.Context, connectionID, endpoint string, params map[string]any) ([]byte, bool) {
	key := Key(connectionID, endpoint, params)
	val, err := c.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		observability.CacheLookup("miss")
		return nil, false
	}
	if err != nil {
		slog.Warn("analytics cache get failed", slog.String("key", key), slog.Any("error", err))
		observability.CacheLookup("error")
		return nil, false
	}
	observability.CacheLookup("hit")
	return val, true
}

func (c *Cache) Set(ctx domain.Context, connectionID, endpoint string, params map[string]any, payload []byte) {
	key := Key(connectionID, endpoint, params)
	if err := c.rdb.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		slog.Warn("analytics cache set failed", slog.String("key", key), slog.Any("error", err))
	}
}

// Invalidate removes every cached payload for a connection using SCAN so
// large keyspaces never block Redis the way KEYS would.
func (c *Cache) Invalidate(ctx domain.Context, connectionID string) error {
	pattern := fmt.Sprintf("%s:%s:*", keyPrefix, connectionID)
	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) >= 500 {
			if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("op=rediscache.Invalidate: %w", err)
			}
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("op=rediscache.Invalidate: %w", err)
	}
	if len(keys) > 0 {
		if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("op=rediscache.Invalidate: %w", err)
		}
	}
	return nil
}

var _ domain.AnalyticsCache = (*Cache)(nil)
