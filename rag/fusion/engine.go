package fusion

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/BaSui01/evidenceloop/internal/metrics"
	"github.com/BaSui01/evidenceloop/llm/rerank"
	"github.com/BaSui01/evidenceloop/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// RerankWeight 归一化重排分数的权重
	RerankWeight = 0.7
	// VectorWeight 向量分数的权重
	VectorWeight = 0.3
	// UnreliableCutoff 整批原始分数都低于该值时视为不可靠
	UnreliableCutoff = -2.0
)

// BackendSelector 为一批候选选择重排后端，由 *rerank.Selector 实现
type BackendSelector interface {
	Select(query string, candidates []types.Candidate) rerank.Backend
}

// Result 融合结果
type Result struct {
	// Tasks 与输入任务一一对应，候选已打分、过滤并截断
	Tasks []types.RetrievalTask
	// Pool 仅全局池模式下填充：跨任务统一排序并截断的候选
	Pool []types.Candidate
}

// Engine 分数融合引擎。并发安全，可被多个 turn 共享。
type Engine struct {
	config   Config
	selector BackendSelector
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// NewEngine 创建融合引擎。collector 可以为 nil。
func NewEngine(config Config, selector BackendSelector, collector *metrics.Collector, logger *zap.Logger) (*Engine, error) {
	if selector == nil {
		return nil, types.NewError(types.ErrInvalidConfig, "fusion engine requires a backend selector")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		config:   config.withDefaults(),
		selector: selector,
		metrics:  collector,
		logger:   logger.With(zap.String("component", "fusion")),
	}, nil
}

// Config 返回生效的配置
func (e *Engine) Config() Config { return e.config }

// Fuse 为每个任务打分、过滤并截断。query 是全局池模式使用的 turn 查询，
// 为空时取第一个任务的查询。不修改输入；唯一的错误是 ctx 被取消。
func (e *Engine) Fuse(ctx context.Context, query string, tasks []types.RetrievalTask) (Result, error) {
	out := make([]types.RetrievalTask, len(tasks))
	for i := range tasks {
		out[i] = tasks[i]
		out[i].Candidates = types.CloneCandidates(tasks[i].Candidates)
		out[i].Widening = tasks[i].Widening.Clone()
		out[i].RequiredTools = append([]string(nil), tasks[i].RequiredTools...)
	}

	var pool []types.Candidate
	switch e.config.Mode {
	case ModeGlobalPool:
		pool = e.fusePool(ctx, query, out)
	default:
		e.fuseEach(ctx, out)
	}

	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("fusion cancelled: %w", err)
	}
	return Result{Tasks: out, Pool: pool}, nil
}

// =============================================================================
// Per-category mode
// =============================================================================

// fuseEach fans tasks out; each goroutine owns tasks[i] exclusively.
func (e *Engine) fuseEach(ctx context.Context, tasks []types.RetrievalTask) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.MaxConcurrency)
	for i := range tasks {
		task := &tasks[i]
		g.Go(func() error {
			e.fuseTask(gctx, task)
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) fuseTask(ctx context.Context, task *types.RetrievalTask) {
	start := time.Now()
	pending := pendingIndexes(task.Candidates)
	if len(pending) == 0 {
		e.finish(task, "", types.FallbackNone, len(task.Candidates), 0, ModePerCategory, len(task.Candidates) == 0)
		return
	}

	view := make([]types.Candidate, len(pending))
	for j, i := range pending {
		view[j] = backendView(task, &task.Candidates[i])
	}
	backend := e.selector.Select(task.Query, view)
	raw, err := e.rank(ctx, backend, task.Query, view)

	reason := types.FallbackNone
	switch {
	case err != nil:
		reason = fallbackFor(err)
		e.logger.Warn("rerank failed, falling back to vector scores",
			zap.String("backend", backend.Name()),
			zap.String("category", string(task.Category)),
			zap.Int("candidates", len(view)),
			zap.Error(err))
	case allUnreliable(raw):
		reason = types.FallbackUnreliableScores
		e.logger.Info("all raw scores below cutoff, using vector scores",
			zap.String("backend", backend.Name()),
			zap.Int("candidates", len(view)))
	}

	for j, i := range pending {
		applyScore(&task.Candidates[i], raw, view[j].ID, reason)
	}
	e.finish(task, backend.Name(), reason, len(task.Candidates), time.Since(start), ModePerCategory, false)
}

// =============================================================================
// Global pool mode
// =============================================================================

// poolRef locates a pooled candidate in its originating task.
type poolRef struct {
	task, index int
}

func (e *Engine) fusePool(ctx context.Context, query string, tasks []types.RetrievalTask) []types.Candidate {
	start := time.Now()
	if query == "" && len(tasks) > 0 {
		query = tasks[0].Query
	}

	var view []types.Candidate
	var refs []poolRef
	for ti := range tasks {
		for _, ci := range pendingIndexes(tasks[ti].Candidates) {
			c := backendView(&tasks[ti], &tasks[ti].Candidates[ci])
			c.ID = poolID(ti, c.ID)
			view = append(view, c)
			refs = append(refs, poolRef{task: ti, index: ci})
		}
	}

	backendName := ""
	reason := types.FallbackNone
	var raw map[string]float64
	if len(view) > 0 {
		backend := e.selector.Select(query, view)
		backendName = backend.Name()
		var err error
		raw, err = e.rank(ctx, backend, query, view)
		switch {
		case err != nil:
			reason = fallbackFor(err)
			e.logger.Warn("pooled rerank failed, falling back to vector scores",
				zap.String("backend", backendName),
				zap.Int("candidates", len(view)),
				zap.Error(err))
		case allUnreliable(raw):
			reason = types.FallbackUnreliableScores
		}
		for k, ref := range refs {
			applyScore(&tasks[ref.task].Candidates[ref.index], raw, view[k].ID, reason)
		}
	}

	elapsed := time.Since(start)
	var pool []types.Candidate
	for ti := range tasks {
		before := len(tasks[ti].Candidates)
		e.finish(&tasks[ti], backendName, reason, before, elapsed, ModeGlobalPool, before == 0)
		pool = append(pool, types.CloneCandidates(tasks[ti].Candidates)...)
	}
	sortByHybrid(pool)
	if len(pool) > e.config.MaxResults {
		pool = pool[:e.config.MaxResults]
	}
	if pool == nil {
		pool = []types.Candidate{}
	}
	return pool
}

func poolID(task int, id string) string {
	return fmt.Sprintf("%d/%s", task, id)
}

// =============================================================================
// Shared steps
// =============================================================================

// rank calls the backend and indexes raw scores by candidate id.
func (e *Engine) rank(ctx context.Context, backend rerank.Backend, query string, view []types.Candidate) (map[string]float64, error) {
	ranked, err := backend.Rank(ctx, query, view)
	if err != nil {
		return nil, err
	}
	if len(ranked) != len(view) {
		return nil, types.Errorf(types.ErrRerankMalformed,
			"%s returned %d candidates for %d", backend.Name(), len(ranked), len(view)).WithBackend(backend.Name())
	}
	raw := make(map[string]float64, len(ranked))
	for i := range ranked {
		raw[ranked[i].ID] = ranked[i].RerankerRawScore
	}
	for i := range view {
		if _, ok := raw[view[i].ID]; !ok {
			return nil, types.Errorf(types.ErrRerankMalformed,
				"%s dropped candidate %q", backend.Name(), view[i].ID).WithBackend(backend.Name())
		}
	}
	return raw, nil
}

// finish filters, caps and records execution metadata for one task.
func (e *Engine) finish(task *types.RetrievalTask, backend string, reason types.FallbackReason, before int, elapsed time.Duration, mode Mode, empty bool) {
	threshold := e.config.Threshold(task.Category)
	if empty {
		task.Candidates = []types.Candidate{}
		task.Execution = types.ExecutionMetadata{
			Mode:           string(mode),
			ScoreThreshold: threshold,
			Fallback:       types.FallbackNone,
		}
		e.metrics.RecordFusion(string(mode), string(task.Category), string(types.FallbackNone), 0, 0, 0)
		return
	}

	kept := task.Candidates[:0]
	for i := range task.Candidates {
		c := task.Candidates[i]
		if e.config.KeepBelowThreshold || c.HybridScore >= e.config.Threshold(task.EffectiveCategory(&c)) {
			kept = append(kept, c)
		}
	}
	sortByHybrid(kept)
	if len(kept) > e.config.MaxResults {
		kept = kept[:e.config.MaxResults]
	}
	task.Candidates = kept

	if backend == "" {
		// Every candidate was already scored; keep the earlier metadata.
		return
	}
	task.Execution = types.ExecutionMetadata{
		Backend:           backend,
		Mode:              string(mode),
		Elapsed:           elapsed,
		ScoreThreshold:    threshold,
		TotalBeforeFilter: before,
		Fallback:          reason,
	}
	e.metrics.RecordFusion(string(mode), string(task.Category), string(reason), before, len(kept), elapsed)
}

// backendView is the copy of a candidate a backend sees: category resolved.
func backendView(task *types.RetrievalTask, c *types.Candidate) types.Candidate {
	v := *c
	v.Metadata = nil
	v.SourceCategory = task.EffectiveCategory(c)
	return v
}

func pendingIndexes(candidates []types.Candidate) []int {
	var out []int
	for i := range candidates {
		if !candidates[i].Scored {
			out = append(out, i)
		}
	}
	return out
}

func allUnreliable(raw map[string]float64) bool {
	if len(raw) == 0 {
		return false
	}
	for _, r := range raw {
		if r >= UnreliableCutoff {
			return false
		}
	}
	return true
}

func fallbackFor(err error) types.FallbackReason {
	if types.IsErrorCode(err, types.ErrCircuitOpen) {
		return types.FallbackCircuitOpen
	}
	return types.FallbackBackendError
}

// applyScore writes the score fields of c exactly once.
func applyScore(c *types.Candidate, raw map[string]float64, key string, reason types.FallbackReason) {
	if c.Scored {
		return
	}
	switch reason {
	case types.FallbackBackendError, types.FallbackCircuitOpen:
		c.RerankerRawScore = 0
		c.RerankerScore = c.VectorScore
		c.HybridScore = c.VectorScore
	case types.FallbackUnreliableScores:
		c.RerankerRawScore = raw[key]
		c.RerankerScore = Normalize(raw[key])
		c.HybridScore = c.VectorScore
	default:
		c.RerankerRawScore = raw[key]
		c.RerankerScore = Normalize(raw[key])
		c.HybridScore = Blend(c.RerankerScore, c.VectorScore)
	}
	c.Scored = true
}

// Normalize 用 logistic 函数把后端原始分数映射到 (0, 1)
func Normalize(raw float64) float64 {
	return 1 / (1 + math.Exp(-raw))
}

// Blend 按权重融合归一化重排分数与向量分数，结果截断到 [0, 1]
func Blend(norm, vector float64) float64 {
	h := RerankWeight*norm + VectorWeight*vector
	return math.Min(math.Max(h, 0), 1)
}

// scoreTolerance 一致性校验允许的浮点误差
const scoreTolerance = 1e-9

// ScoresConsistent 判断已打分候选的分数字段能否由融合引擎写出：
// 加权融合、不可靠批次降级或纯向量降级之一。未打分的候选总是一致。
func ScoresConsistent(c *types.Candidate) bool {
	if !c.Scored {
		return true
	}
	switch {
	case c.RerankerRawScore == 0 && near(c.RerankerScore, c.VectorScore) && near(c.HybridScore, c.VectorScore):
		return true
	case !near(c.RerankerScore, Normalize(c.RerankerRawScore)):
		return false
	case c.RerankerRawScore < UnreliableCutoff && near(c.HybridScore, c.VectorScore):
		return true
	default:
		return near(c.HybridScore, Blend(c.RerankerScore, c.VectorScore))
	}
}

func near(a, b float64) bool {
	return math.Abs(a-b) <= scoreTolerance
}

// sortByHybrid orders candidates by descending hybrid score; ties keep input order.
func sortByHybrid(candidates []types.Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].HybridScore > candidates[j].HybridScore
	})
}
