package rerank

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/BaSui01/evidenceloop/internal/cache"
	"github.com/BaSui01/evidenceloop/internal/metrics"
	"github.com/BaSui01/evidenceloop/types"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// ScoreCache 按不透明键存储后端原始分数
type ScoreCache interface {
	// GetMany 返回已缓存的分数，缺失的键即未命中
	GetMany(ctx context.Context, keys []string) (map[string]float64, error)
	SetMany(ctx context.Context, scores map[string]float64) error
	Name() string
}

// =============================================================================
// In-process LRU
// =============================================================================

// LRUScoreCache 有界的进程内分数缓存
type LRUScoreCache struct {
	cache *lru.Cache[string, float64]
}

// NewLRUScoreCache 创建最多保存 size 个分数的 LRU 缓存
func NewLRUScoreCache(size int) (*LRUScoreCache, error) {
	c, err := lru.New[string, float64](size)
	if err != nil {
		return nil, fmt.Errorf("create score lru: %w", err)
	}
	return &LRUScoreCache{cache: c}, nil
}

func (c *LRUScoreCache) GetMany(_ context.Context, keys []string) (map[string]float64, error) {
	out := make(map[string]float64, len(keys))
	for _, k := range keys {
		if v, ok := c.cache.Get(k); ok {
			out[k] = v
		}
	}
	return out, nil
}

func (c *LRUScoreCache) SetMany(_ context.Context, scores map[string]float64) error {
	for k, v := range scores {
		c.cache.Add(k, v)
	}
	return nil
}

func (c *LRUScoreCache) Name() string { return "lru" }

// Len 返回已缓存的分数个数
func (c *LRUScoreCache) Len() int { return c.cache.Len() }

// =============================================================================
// Redis
// =============================================================================

// RedisScoreCache 通过缓存管理器把分数存入 Redis
type RedisScoreCache struct {
	manager *cache.Manager
	ttl     time.Duration
}

// NewRedisScoreCache 包装 manager，ttl 为 0 时使用 manager 的默认过期时间
func NewRedisScoreCache(manager *cache.Manager, ttl time.Duration) *RedisScoreCache {
	return &RedisScoreCache{manager: manager, ttl: ttl}
}

func (c *RedisScoreCache) GetMany(ctx context.Context, keys []string) (map[string]float64, error) {
	raw, err := c.manager.MGet(ctx, keys)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(raw))
	for k, v := range raw {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			continue
		}
		out[k] = f
	}
	return out, nil
}

func (c *RedisScoreCache) SetMany(ctx context.Context, scores map[string]float64) error {
	values := make(map[string]string, len(scores))
	for k, v := range scores {
		values[k] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return c.manager.MSet(ctx, values, c.ttl)
}

func (c *RedisScoreCache) Name() string { return "redis" }

// =============================================================================
// Caching decorator
// =============================================================================

// CachedBackend 先查分数缓存，只把未命中的候选发给内层后端。
// 缓存故障时退化为完整的后端调用。
type CachedBackend struct {
	inner   Backend
	cache   ScoreCache
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewCachedBackend 为 inner 加上分数缓存，collector 可以为 nil
func NewCachedBackend(inner Backend, sc ScoreCache, collector *metrics.Collector, logger *zap.Logger) *CachedBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedBackend{
		inner:   inner,
		cache:   sc,
		metrics: collector,
		logger:  logger.With(zap.String("component", "score_cache"), zap.String("cache_type", sc.Name())),
	}
}

// Name 实现 Backend
func (c *CachedBackend) Name() string { return c.inner.Name() }

// Unwrap 返回被包装的后端
func (c *CachedBackend) Unwrap() Backend { return c.inner }

// Rank 实现 Backend
func (c *CachedBackend) Rank(ctx context.Context, query string, candidates []types.Candidate) ([]types.Candidate, error) {
	if len(candidates) == 0 {
		return []types.Candidate{}, nil
	}

	keys := make([]string, len(candidates))
	for i := range candidates {
		keys[i] = scoreKey(c.inner.Name(), query, &candidates[i])
	}

	hits, err := c.cache.GetMany(ctx, keys)
	if err != nil {
		c.logger.Warn("score cache lookup failed", zap.Error(err))
		hits = nil
	}

	out := types.CloneCandidates(candidates)
	var missIdx []int
	for i, k := range keys {
		if v, ok := hits[k]; ok {
			out[i].RerankerRawScore = v
			continue
		}
		missIdx = append(missIdx, i)
	}
	c.metrics.RecordCacheHit(c.cache.Name(), len(candidates)-len(missIdx))
	c.metrics.RecordCacheMiss(c.cache.Name(), len(missIdx))
	if len(missIdx) == 0 {
		return out, nil
	}

	misses := make([]types.Candidate, len(missIdx))
	for j, i := range missIdx {
		misses[j] = candidates[i]
	}
	ranked, err := c.inner.Rank(ctx, query, misses)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]float64, len(ranked))
	for i := range ranked {
		byID[ranked[i].ID] = ranked[i].RerankerRawScore
	}
	fresh := make(map[string]float64, len(missIdx))
	for _, i := range missIdx {
		v, ok := byID[candidates[i].ID]
		if !ok {
			return nil, types.Errorf(types.ErrRerankMalformed, "%s dropped candidate %q", c.inner.Name(), candidates[i].ID).
				WithBackend(c.inner.Name())
		}
		out[i].RerankerRawScore = v
		fresh[keys[i]] = v
	}
	if err := c.cache.SetMany(ctx, fresh); err != nil {
		c.logger.Warn("score cache store failed", zap.Error(err))
	}
	return out, nil
}

// scoreKey identifies a (backend, query, candidate) score. Content is part of
// the key so an edited document is rescored.
func scoreKey(backend, query string, c *types.Candidate) string {
	h := sha256.New()
	for _, part := range []string{backend, query, c.ID, c.Content} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return "score:" + hex.EncodeToString(h.Sum(nil))
}
