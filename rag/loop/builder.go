package loop

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/BaSui01/evidenceloop/config"
	"github.com/BaSui01/evidenceloop/internal/cache"
	"github.com/BaSui01/evidenceloop/internal/metrics"
	"github.com/BaSui01/evidenceloop/llm/circuitbreaker"
	"github.com/BaSui01/evidenceloop/llm/rerank"
	"github.com/BaSui01/evidenceloop/llm/tokenizer"
	"github.com/BaSui01/evidenceloop/rag/fusion"
	"github.com/BaSui01/evidenceloop/rag/routing"
	"github.com/BaSui01/evidenceloop/rag/widening"
	"github.com/BaSui01/evidenceloop/types"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// =============================================================================
// 🏗️ 组装
// =============================================================================

// Deps 交给 Build 的进程级协作者，均可为空
type Deps struct {
	Logger    *zap.Logger
	Collector *metrics.Collector
	Notifier  Notifier
	Tracer    trace.Tracer
	// Complexity 替换默认的启发式查询复杂度信号
	Complexity widening.ComplexitySignal
}

// Components 装配完成的控制回路
type Components struct {
	Controller *Controller
	Selector   *rerank.Selector
	Engine     *fusion.Engine
	// Local 本地推理端点，供健康检查使用
	Local []*rerank.LocalBackend
	// Guards 带熔断保护的后端
	Guards []*rerank.GuardedBackend

	closers []func() error
}

// Close 排空控制器事件队列并释放 Redis 连接（如有）
func (c *Components) Close() error {
	var errs []error
	for _, fn := range c.closers {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Build 按配置装配重排后端、分数缓存、融合引擎、路由器与放宽选择器
func Build(ctx context.Context, cfg *config.Config, deps Deps) (*Components, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	comps := &Components{}
	ok := false
	defer func() {
		if !ok {
			_ = comps.Close()
		}
	}()

	encoding := cfg.Rerank.Encoding
	if encoding == "" {
		encoding = "cl100k_base"
	}
	tok := tokenizer.WithFallback(tokenizer.NewTiktokenTokenizer(encoding), tokenizer.NewEstimatorTokenizer(), logger)

	scoreCache, err := buildScoreCache(ctx, cfg, comps, logger)
	if err != nil {
		return nil, err
	}
	breaker := circuitbreaker.Config{
		Threshold:    cfg.Rerank.Breaker.Threshold,
		Timeout:      cfg.Rerank.Breaker.Timeout,
		ResetTimeout: cfg.Rerank.Breaker.ResetTimeout,
	}
	wrap := func(b rerank.Backend) rerank.Backend {
		guarded := rerank.NewGuardedBackend(b, breaker, deps.Collector, logger)
		comps.Guards = append(comps.Guards, guarded)
		if scoreCache == nil {
			return guarded
		}
		return rerank.NewCachedBackend(guarded, scoreCache, deps.Collector, logger)
	}

	var hosted, local, large rerank.Backend
	if h := cfg.Rerank.Hosted; h.APIKey != "" {
		b, err := rerank.NewHostedBackend(rerank.HostedConfig{
			Dialect:          rerank.Dialect(strings.ToLower(h.Provider)),
			APIKey:           h.APIKey,
			BaseURL:          h.BaseURL,
			Model:            h.Model,
			Timeout:          h.Timeout,
			RateLimitRPS:     h.RateLimitRPS,
			RateLimitBurst:   h.RateLimitBurst,
			MaxContentTokens: cfg.Rerank.MaxContentTokens,
		}, tok, logger)
		if err != nil {
			return nil, fmt.Errorf("hosted backend: %w", err)
		}
		hosted = wrap(b)
	}
	l := cfg.Rerank.Local
	if l.BaseURL != "" {
		b, err := rerank.NewLocalBackend(rerank.LocalConfig{
			BaseURL:          l.BaseURL,
			Model:            l.Model,
			Variant:          rerank.VariantBase,
			Timeout:          l.Timeout,
			MaxContentTokens: cfg.Rerank.MaxContentTokens,
		}, tok, logger)
		if err != nil {
			return nil, fmt.Errorf("local backend: %w", err)
		}
		comps.Local = append(comps.Local, b)
		local = wrap(b)
	}
	if l.LargeBaseURL != "" {
		b, err := rerank.NewLocalBackend(rerank.LocalConfig{
			BaseURL:          l.LargeBaseURL,
			Model:            l.LargeModel,
			Variant:          rerank.VariantLarge,
			Timeout:          l.Timeout,
			MaxContentTokens: cfg.Rerank.MaxContentTokens,
		}, tok, logger)
		if err != nil {
			return nil, fmt.Errorf("local large backend: %w", err)
		}
		comps.Local = append(comps.Local, b)
		large = wrap(b)
	}

	selector, err := rerank.NewSelector(hosted, local, large)
	if err != nil {
		return nil, err
	}
	comps.Selector = selector

	fusionCfg, err := fusionConfig(cfg.Fusion)
	if err != nil {
		return nil, err
	}
	engine, err := fusion.NewEngine(fusionCfg, selector, deps.Collector, logger)
	if err != nil {
		return nil, err
	}
	comps.Engine = engine

	complexity := deps.Complexity
	if complexity == nil {
		complexity = widening.NewHeuristicComplexity()
	}
	widener := widening.NewSelector(widening.Config{
		MaxAttempts:   cfg.Widening.MaxAttempts,
		BaseRelevance: cfg.Widening.BaseRelevance,
	}, complexity, deps.Collector, logger)

	notifier := deps.Notifier
	if notifier == nil {
		notifier = NewLogNotifier(logger)
	}
	var opts []Option
	if deps.Tracer != nil {
		opts = append(opts, WithTracer(deps.Tracer))
	}
	controller, err := NewController(engine, routing.NewRouter(), widener, notifier, deps.Collector, logger, opts...)
	if err != nil {
		return nil, err
	}
	comps.Controller = controller
	comps.closers = append(comps.closers, controller.Close)

	logger.Info("control loop assembled",
		zap.Int("backends", len(selector.Backends())),
		zap.String("fusion_mode", string(fusionCfg.Mode)),
		zap.String("score_cache", cfg.Rerank.Cache.Type))
	ok = true
	return comps, nil
}

func buildScoreCache(ctx context.Context, cfg *config.Config, comps *Components, logger *zap.Logger) (rerank.ScoreCache, error) {
	switch strings.ToLower(cfg.Rerank.Cache.Type) {
	case "", "none":
		return nil, nil
	case "lru":
		return rerank.NewLRUScoreCache(cfg.Rerank.Cache.Size)
	case "redis":
		r := cfg.Redis
		manager, err := cache.NewManager(ctx, cache.Config{
			Addr:                r.Addr,
			Password:            r.Password,
			DB:                  r.DB,
			KeyPrefix:           r.KeyPrefix,
			DefaultTTL:          cfg.Rerank.Cache.TTL,
			PoolSize:            r.PoolSize,
			HealthCheckInterval: r.HealthCheckInterval,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("score cache: %w", err)
		}
		comps.closers = append(comps.closers, manager.Close)
		return rerank.NewRedisScoreCache(manager, cfg.Rerank.Cache.TTL), nil
	default:
		return nil, types.Errorf(types.ErrInvalidConfig, "unknown score cache type %q", cfg.Rerank.Cache.Type)
	}
}

// fusionConfig converts the loader section; labels go through the same
// normalization as candidate categories.
func fusionConfig(fc config.FusionConfig) (fusion.Config, error) {
	out := fusion.Config{
		Mode:               fusion.Mode(fc.Mode),
		DefaultThreshold:   fc.DefaultThreshold,
		MaxResults:         fc.MaxResults,
		KeepBelowThreshold: fc.KeepBelowThreshold,
		MaxConcurrency:     fc.MaxConcurrency,
	}
	if len(fc.Thresholds) > 0 {
		out.Thresholds = make(map[types.SourceCategory]float64, len(fc.Thresholds))
		for label, v := range fc.Thresholds {
			cat, err := types.ParseSourceCategory(label)
			if err != nil {
				return fusion.Config{}, fmt.Errorf("fusion threshold %q: %w", label, err)
			}
			out.Thresholds[cat] = v
		}
	}
	return out, nil
}
