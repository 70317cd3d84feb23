package loop

import (
	"context"
	"fmt"

	"github.com/BaSui01/evidenceloop/internal/ctxkeys"
	"github.com/BaSui01/evidenceloop/internal/metrics"
	"github.com/BaSui01/evidenceloop/internal/telemetry"
	"github.com/BaSui01/evidenceloop/rag/fusion"
	"github.com/BaSui01/evidenceloop/rag/routing"
	"github.com/BaSui01/evidenceloop/rag/taskmerge"
	"github.com/BaSui01/evidenceloop/rag/widening"
	"github.com/BaSui01/evidenceloop/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Retriever 检索协作者：按放宽请求为一个 lineage 重新检索
type Retriever interface {
	Reissue(ctx context.Context, req types.WideningRequest) (types.RetrievalTask, error)
}

// Controller 每个 turn 的控制器。自身不保存 turn 状态，所有 turn 状态都在 Turn 中。
type Controller struct {
	engine      *fusion.Engine
	router      *routing.Router
	widener     *widening.Selector
	events      *eventQueue
	eventBuffer int
	tracer      trace.Tracer
	metrics     *metrics.Collector
	logger      *zap.Logger
}

// Option 控制器选项
type Option func(*Controller)

// WithTracer 替换 step span 使用的 tracer
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Controller) { c.tracer = tracer }
}

// WithEventBuffer 设置事件队列容量，默认 DefaultEventBuffer。
func WithEventBuffer(size int) Option {
	return func(c *Controller) { c.eventBuffer = size }
}

// NewController 创建控制器。notifier 为 nil 时丢弃事件；否则事件经有界队列
// 异步投递，turn 不会被 notifier 阻塞。用完后调用 Close。
func NewController(engine *fusion.Engine, router *routing.Router, widener *widening.Selector, notifier Notifier, collector *metrics.Collector, logger *zap.Logger, opts ...Option) (*Controller, error) {
	if engine == nil || router == nil || widener == nil {
		return nil, types.NewError(types.ErrInvalidConfig, "controller requires engine, router and widening selector")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		engine:  engine,
		router:  router,
		widener: widener,
		tracer:  otel.Tracer(telemetry.InstrumentationName),
		metrics: collector,
		logger:  logger.With(zap.String("component", "controller")),
	}
	for _, opt := range opts {
		opt(c)
	}
	if _, nop := notifier.(NopNotifier); notifier != nil && !nop {
		c.events = newEventQueue(notifier, c.eventBuffer, collector, c.logger)
	}
	return c, nil
}

// Close 停止接收事件并等待已入队事件投递完毕。
func (c *Controller) Close() error {
	if c.events == nil {
		return nil
	}
	return c.events.close()
}

// Step 对 turn 执行一次合并、融合与路由，返回更新后的 turn。
// 非法输入返回带错误码的 error；后端失败只会触发降级，不会返回错误。
func (c *Controller) Step(ctx context.Context, turn Turn) (Turn, error) {
	ctx = ctxkeys.WithTurnID(ctx, turn.ID)
	if turn.ConversationID != "" {
		ctx = ctxkeys.WithConversationID(ctx, turn.ConversationID)
	}
	ctx, span := c.tracer.Start(ctx, "evidenceloop.step", trace.WithAttributes(
		attribute.String("turn.id", turn.ID),
		attribute.Int("turn.cycle", turn.Cycles),
		attribute.Int("turn.tasks", len(turn.Tasks)),
	))
	defer span.End()

	out, err := c.step(ctx, turn)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return turn, err
	}
	span.SetAttributes(attribute.String("turn.verdict", string(out.Verdict.Action)))
	return out, nil
}

func (c *Controller) step(ctx context.Context, turn Turn) (Turn, error) {
	intake, err := normalize(turn.Tasks)
	if err != nil {
		return turn, err
	}

	merged, stats, err := taskmerge.Merge(intake)
	if err != nil {
		return turn, fmt.Errorf("merge tasks: %w", err)
	}

	res, err := c.engine.Fuse(ctx, turn.Query, merged)
	if err != nil {
		return turn, err
	}
	tasks := res.Tasks
	for i := range tasks {
		c.notifyFused(ctx, i, &tasks[i])
	}

	decision := c.router.Route(tasks)
	var requests []types.WideningRequest
	// 被标记的 lineage 全部耗尽时重新路由；耗尽的任务不会再被标记，循环必然结束
	for decision.Verdict.Action == types.ActionWiden {
		requests = c.widen(ctx, tasks, decision.Flagged)
		if len(requests) > 0 {
			break
		}
		decision = c.router.Route(tasks)
	}

	if decision.Verdict.Action == types.ActionInvokeTool {
		t := &tasks[decision.Verdict.TaskIndex]
		for _, tool := range decision.Verdict.RequiredTools {
			t.RequiredTools = appendUnique(t.RequiredTools, tool)
		}
	}

	out := turn
	out.Tasks = tasks
	out.Evaluation = Evaluation{
		Merge:     stats,
		Qualities: decision.Qualities,
		Pool:      res.Pool,
		ToolRule:  decision.Rule,
	}
	out.Verdict = decision.Verdict
	out.WideningRequests = requests

	c.metrics.RecordRoutingVerdict(string(decision.Verdict.Action))
	c.notify(ctx, EventVerdict, map[string]any{
		"action":         string(decision.Verdict.Action),
		"required_tools": append([]string(nil), decision.Verdict.RequiredTools...),
		"task_index":     decision.Verdict.TaskIndex,
		"requests":       len(requests),
		"cycle":          turn.Cycles,
	})
	c.logger.Debug("turn routed",
		zap.String("turn_id", turn.ID),
		zap.Int("tasks", len(tasks)),
		zap.Int("merged", stats.MergedTasks),
		zap.String("action", string(decision.Verdict.Action)),
		zap.String("rule", decision.Rule),
		zap.Int("widening_requests", len(requests)))
	return out, nil
}

// normalize validates the intake and canonicalizes category labels on a copy.
// Pre-scored candidates are accepted only with scores fusion could have produced.
func normalize(in []types.RetrievalTask) ([]types.RetrievalTask, error) {
	tasks := cloneTasks(in)
	for i := range tasks {
		t := &tasks[i]
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("task %d: %w", i, err)
		}
		t.Category, _ = types.ParseSourceCategory(string(t.Category))
		for j := range t.Candidates {
			c := &t.Candidates[j]
			if !fusion.ScoresConsistent(c) {
				return nil, types.Errorf(types.ErrInvalidCandidate,
					"task %d: candidate %q carries scores the fusion engine did not write", i, c.ID)
			}
			if c.SourceCategory != "" {
				c.SourceCategory, _ = types.ParseSourceCategory(string(c.SourceCategory))
			}
		}
	}
	return tasks, nil
}

// widen marks flagged tasks and runs the selector for each. Exhausted
// lineages produce no request.
func (c *Controller) widen(ctx context.Context, tasks []types.RetrievalTask, flagged []int) []types.WideningRequest {
	var requests []types.WideningRequest
	for _, idx := range flagged {
		t := &tasks[idx]
		t.Widening.NeedsWidening = true
		t.Widening = c.widener.Widen(ctx, t)

		fields := map[string]any{
			"lineage":  t.Lineage(),
			"category": string(t.Category),
			"attempt":  t.Widening.Attempt,
			"strategy": string(t.Widening.Strategy),
		}
		if t.Widening.Exhausted {
			fields["exhausted"] = true
			c.notify(ctx, EventWidening, fields)
			continue
		}
		c.notify(ctx, EventWidening, fields)
		requests = append(requests, types.WideningRequest{
			TaskIndex: idx,
			LineageID: t.Lineage(),
			Category:  t.Category,
			Query:     t.Query,
			Attempt:   t.Widening.Attempt,
			Params:    t.Widening.Params,
		})
	}
	return requests
}

// Run 驱动 turn 直到判决不再是 WIDEN，每两步之间通过 retriever 重发全部放宽请求。
func (c *Controller) Run(ctx context.Context, turn Turn, retriever Retriever) (Turn, error) {
	if retriever == nil {
		return turn, types.NewError(types.ErrInvalidConfig, "run requires a retriever")
	}
	cur, err := c.Step(ctx, turn)
	if err != nil {
		return turn, err
	}
	for cur.Verdict.Action == types.ActionWiden && len(cur.WideningRequests) > 0 {
		if err := ctx.Err(); err != nil {
			return cur, fmt.Errorf("run cancelled: %w", err)
		}
		tasks := cloneTasks(cur.Tasks)
		for _, req := range cur.WideningRequests {
			c.reissue(ctx, retriever, &tasks[req.TaskIndex], req)
		}
		next := cur
		next.Tasks = tasks
		next.Cycles++
		if cur, err = c.Step(ctx, next); err != nil {
			return next, err
		}
	}
	return cur, nil
}

// reissue replaces t's candidates with the retriever's answer, unscored so
// the next step ranks them against the current query. Failures and invalid
// answers leave t untouched.
func (c *Controller) reissue(ctx context.Context, retriever Retriever, t *types.RetrievalTask, req types.WideningRequest) {
	got, err := retriever.Reissue(ctx, req)
	if err == nil {
		err = got.Validate()
	}
	if err != nil {
		c.logger.Warn("reissue failed, keeping previous candidates",
			zap.String("lineage", req.LineageID),
			zap.Int("attempt", req.Attempt),
			zap.Error(err))
		c.notify(ctx, EventReissueFailed, map[string]any{
			"lineage": req.LineageID,
			"attempt": req.Attempt,
			"error":   err.Error(),
		})
		return
	}

	if t.LineageID == "" {
		t.LineageID = req.LineageID
	}
	if got.Query != "" && got.Query != t.Query {
		t.Widening.RefinedQueries = appendUnique(t.Widening.RefinedQueries, got.Query)
		t.Query = got.Query
	}
	t.Candidates = types.CloneCandidates(got.Candidates)
	for i := range t.Candidates {
		t.Candidates[i].ClearScores()
	}
	t.Execution = types.ExecutionMetadata{}
}

func (c *Controller) notifyFused(ctx context.Context, idx int, t *types.RetrievalTask) {
	fallback := t.Execution.Fallback
	if fallback == "" {
		fallback = types.FallbackNone
	}
	c.notify(ctx, EventTaskFused, map[string]any{
		"task_index": idx,
		"lineage":    t.Lineage(),
		"category":   string(t.Category),
		"backend":    t.Execution.Backend,
		"mode":       t.Execution.Mode,
		"fallback":   string(fallback),
		"threshold":  t.Execution.ScoreThreshold,
		"before":     t.Execution.TotalBeforeFilter,
		"kept":       len(t.Candidates),
		"elapsed_ms": t.Execution.Elapsed.Milliseconds(),
	})
}

// notify records event on the step span and queues it for the notifier.
// fields must not be modified afterwards.
func (c *Controller) notify(ctx context.Context, event string, fields map[string]any) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent(event, trace.WithAttributes(attributes(fields)...))
	}
	if c.events != nil {
		c.events.publish(ctx, event, fields)
	}
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
