package redisdb

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"vectorkb/internal/domain/kb"
	applog "vectorkb/internal/platform/log"
)

// AnswerCache RAG 问答结果 Redis 缓存。
// 实现 kb.AnswerCacheStore。key 包含向量库 ID，批次完成后按库失效。
type AnswerCache struct {
	redis  *redis.Client
	ttl    time.Duration
	prefix string
}

var _ kb.AnswerCacheStore = (*AnswerCache)(nil)

// NewAnswerCache 创建问答缓存
func NewAnswerCache(rdb *redis.Client, ttlSeconds int) *AnswerCache {
	ttl := 5 * time.Minute
	if ttlSeconds > 0 {
		ttl = time.Duration(ttlSeconds) * time.Second
	}
	return &AnswerCache{
		redis:  rdb,
		ttl:    ttl,
		prefix: "kb:answer:",
	}
}

// Get 从缓存读取问答结果
func (c *AnswerCache) Get(ctx context.Context, key *kb.AnswerCacheKey) (*kb.Answer, bool) {
	data, err := c.redis.Get(ctx, c.cacheKey(key)).Bytes()
	if err != nil {
		return nil, false
	}

	var ans kb.Answer
	if err := json.Unmarshal(data, &ans); err != nil {
		applog.Warn("[KB/Cache] Failed to unmarshal cached answer", "error", err)
		return nil, false
	}

	applog.Debug("[KB/Cache] Hit", "store_id", key.StoreID, "query", key.Query)
	return &ans, true
}

// Set 写入问答结果
func (c *AnswerCache) Set(ctx context.Context, key *kb.AnswerCacheKey, ans *kb.Answer) {
	data, err := json.Marshal(ans)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, c.cacheKey(key), data, c.ttl).Err(); err != nil {
		applog.Warn("[KB/Cache] Failed to set cache", "store_id", key.StoreID, "error", err)
	}
}

// InvalidateByStore 批次完成后清除对应向量库的所有缓存条目
func (c *AnswerCache) InvalidateByStore(ctx context.Context, storeID string) {
	pattern := c.prefix + storeID + ":*"
	iter := c.redis.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		applog.Warn("[KB/Cache] Scan failed during invalidation", "store_id", storeID, "error", err)
		return
	}
	if len(keys) > 0 {
		c.redis.Del(ctx, keys...)
		applog.Info("[KB/Cache] Invalidated", "store_id", storeID, "keys_deleted", len(keys))
	}
}

// cacheKey 生成缓存 key = prefix + storeID + hash(query|model|maxResults)
func (c *AnswerCache) cacheKey(key *kb.AnswerCacheKey) string {
	raw := fmt.Sprintf("%s|%s|%d", key.Query, key.Model, key.MaxResults)
	hash := sha256.Sum256([]byte(raw))
	return c.prefix + key.StoreID + ":" + fmt.Sprintf("%x", hash[:12])
}
