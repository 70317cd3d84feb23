// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// 融合指标
	fusionTasksTotal     *prometheus.CounterVec
	fusionDuration       *prometheus.HistogramVec
	fusionCandidatesIn   *prometheus.HistogramVec
	fusionCandidatesKept *prometheus.HistogramVec

	// 后端指标
	backendCallsTotal   *prometheus.CounterVec
	backendCallDuration *prometheus.HistogramVec
	breakerState        *prometheus.GaugeVec

	// 路由与放宽指标
	routingVerdictsTotal *prometheus.CounterVec
	wideningTotal        *prometheus.CounterVec
	wideningExhausted    *prometheus.CounterVec

	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// 事件指标
	notifierDropped *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	candidateBuckets := []float64{0, 1, 2, 4, 8, 16, 32, 64, 128}

	// 融合指标
	c.fusionTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fusion_tasks_total",
			Help:      "Total number of retrieval tasks fused",
		},
		[]string{"mode", "category", "fallback"},
	)

	c.fusionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fusion_duration_seconds",
			Help:      "Fusion duration per task in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"mode"},
	)

	c.fusionCandidatesIn = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fusion_candidates_in",
			Help:      "Candidates per task before threshold filtering",
			Buckets:   candidateBuckets,
		},
		[]string{"category"},
	)

	c.fusionCandidatesKept = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fusion_candidates_kept",
			Help:      "Candidates per task after filtering and capping",
			Buckets:   candidateBuckets,
		},
		[]string{"category"},
	)

	// 后端指标
	c.backendCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rerank_backend_calls_total",
			Help:      "Total number of reranking backend calls",
		},
		[]string{"backend", "status"},
	)

	c.backendCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rerank_backend_call_duration_seconds",
			Help:      "Reranking backend call duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"backend"},
	)

	c.breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rerank_breaker_state",
			Help:      "Circuit breaker state per backend (0 closed, 1 open, 2 half-open)",
		},
		[]string{"backend"},
	)

	// 路由与放宽指标
	c.routingVerdictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_verdicts_total",
			Help:      "Total number of routing verdicts by action",
		},
		[]string{"action"},
	)

	c.wideningTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "widening_cycles_total",
			Help:      "Total number of widening cycles by strategy",
		},
		[]string{"strategy"},
	)

	c.wideningExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "widening_exhausted_total",
			Help:      "Total number of lineages that hit the widening retry bound",
		},
		[]string{"category"},
	)

	// 缓存指标
	c.cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "score_cache_hits_total",
			Help:      "Total number of score cache hits",
		},
		[]string{"cache_type"},
	)

	c.cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "score_cache_misses_total",
			Help:      "Total number of score cache misses",
		},
		[]string{"cache_type"},
	)

	// 事件指标
	c.notifierDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifier_events_dropped_total",
			Help:      "Total number of trace events dropped because the delivery queue was full",
		},
		[]string{"event"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// =============================================================================
// 🎯 记录方法
// =============================================================================

// RecordFusion 记录一个任务的融合结果
func (c *Collector) RecordFusion(mode, category, fallback string, before, kept int, duration time.Duration) {
	if c == nil {
		return
	}
	c.fusionTasksTotal.WithLabelValues(mode, category, fallback).Inc()
	c.fusionDuration.WithLabelValues(mode).Observe(duration.Seconds())
	c.fusionCandidatesIn.WithLabelValues(category).Observe(float64(before))
	c.fusionCandidatesKept.WithLabelValues(category).Observe(float64(kept))
}

// RecordBackendCall 记录一次重排后端调用
func (c *Collector) RecordBackendCall(backend, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.backendCallsTotal.WithLabelValues(backend, status).Inc()
	c.backendCallDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

// RecordBreakerState 记录熔断器状态
func (c *Collector) RecordBreakerState(backend string, state int) {
	if c == nil {
		return
	}
	c.breakerState.WithLabelValues(backend).Set(float64(state))
}

// RecordRoutingVerdict 记录路由判决
func (c *Collector) RecordRoutingVerdict(action string) {
	if c == nil {
		return
	}
	c.routingVerdictsTotal.WithLabelValues(action).Inc()
}

// RecordWidening 记录一次放宽
func (c *Collector) RecordWidening(strategy string) {
	if c == nil {
		return
	}
	c.wideningTotal.WithLabelValues(strategy).Inc()
}

// RecordWideningExhausted 记录放宽耗尽
func (c *Collector) RecordWideningExhausted(category string) {
	if c == nil {
		return
	}
	c.wideningExhausted.WithLabelValues(category).Inc()
}

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(cacheType string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.cacheHits.WithLabelValues(cacheType).Add(float64(n))
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(cacheType string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.cacheMisses.WithLabelValues(cacheType).Add(float64(n))
}

// RecordNotifierDrop 记录因队列已满而丢弃的事件
func (c *Collector) RecordNotifierDrop(event string) {
	if c == nil {
		return
	}
	c.notifierDropped.WithLabelValues(event).Inc()
}
