package rerank

import (
	"context"
	"time"

	"github.com/BaSui01/evidenceloop/internal/metrics"
	"github.com/BaSui01/evidenceloop/llm/circuitbreaker"
	"github.com/BaSui01/evidenceloop/types"
	"go.uber.org/zap"
)

// GuardedBackend 为每次调用施加超时与熔断保护
type GuardedBackend struct {
	inner   Backend
	breaker *circuitbreaker.Breaker
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewGuardedBackend 包装 inner，collector 可以为 nil
func NewGuardedBackend(inner Backend, cfg circuitbreaker.Config, collector *metrics.Collector, logger *zap.Logger) *GuardedBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &GuardedBackend{
		inner:   inner,
		metrics: collector,
		logger:  logger.With(zap.String("component", "rerank_guard"), zap.String("backend", inner.Name())),
	}
	g.breaker = circuitbreaker.New(inner.Name(), cfg, logger,
		circuitbreaker.WithStateChange(func(name string, _, to circuitbreaker.State) {
			collector.RecordBreakerState(name, int(to))
		}))
	collector.RecordBreakerState(inner.Name(), int(circuitbreaker.StateClosed))
	return g
}

// Name 实现 Backend
func (g *GuardedBackend) Name() string { return g.inner.Name() }

// State 返回熔断器状态，供健康检查使用
func (g *GuardedBackend) State() circuitbreaker.State { return g.breaker.State() }

// Unwrap 返回被包装的后端
func (g *GuardedBackend) Unwrap() Backend { return g.inner }

// Rank 实现 Backend
func (g *GuardedBackend) Rank(ctx context.Context, query string, candidates []types.Candidate) ([]types.Candidate, error) {
	start := time.Now()
	out, err := circuitbreaker.Execute(ctx, g.breaker, func(ctx context.Context) ([]types.Candidate, error) {
		return g.inner.Rank(ctx, query, candidates)
	})
	g.metrics.RecordBackendCall(g.Name(), callStatus(err), time.Since(start))
	if err != nil {
		g.logger.Warn("rerank call failed",
			zap.Int("candidates", len(candidates)),
			zap.String("code", string(types.GetErrorCode(err))),
			zap.Error(err))
		return nil, err
	}
	return out, nil
}

func callStatus(err error) string {
	if err == nil {
		return "ok"
	}
	switch types.GetErrorCode(err) {
	case types.ErrCircuitOpen:
		return "circuit_open"
	case types.ErrUpstreamTimeout:
		return "timeout"
	case types.ErrRerankMalformed:
		return "malformed"
	case types.ErrRerankUnauthorized:
		return "unauthorized"
	}
	return "error"
}
