package widening

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"time"

	"github.com/BaSui01/evidenceloop/internal/metrics"
	"github.com/BaSui01/evidenceloop/types"
	"go.uber.org/zap"
)

const (
	// DefaultMaxAttempts 每个 lineage 最多放宽次数
	DefaultMaxAttempts = 3
	// DefaultBaseRelevance 默认规则的起始相关度下限
	DefaultBaseRelevance = 0.5
	// RelevanceFloor 任何策略的相关度下限都不低于该值
	RelevanceFloor = 0.2
)

// ComplexitySignal 查询复杂度信号。实现可以调用外部模型，出错时选择器回退到默认规则。
type ComplexitySignal interface {
	IsComplex(ctx context.Context, query string) (bool, error)
}

// Config 放宽选择器配置
type Config struct {
	MaxAttempts   int     `json:"max_attempts"`
	BaseRelevance float64 `json:"base_relevance"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{MaxAttempts: DefaultMaxAttempts, BaseRelevance: DefaultBaseRelevance}
}

// Input 规则的输入，Attempt 为递增后的尝试次数
type Input struct {
	Query      string
	Category   types.SourceCategory
	Candidates []types.Candidate
	Attempt    int
	Now        time.Time
}

// Rule 策略表中的一行
type Rule struct {
	Name  string
	Match func(ctx context.Context, in *Input) (bool, error)
	Build func(in *Input) types.WideningParams
}

// Selector 放宽策略选择器。无状态，并发安全。
type Selector struct {
	config   Config
	rules    []Rule
	fallback Rule
	now      func() time.Time
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// Option 配置 Selector
type Option func(*Selector)

// WithClock 注入时钟
func WithClock(now func() time.Time) Option {
	return func(s *Selector) { s.now = now }
}

// NewSelector 创建选择器。complexity 与 collector 可以为 nil。
func NewSelector(config Config, complexity ComplexitySignal, collector *metrics.Collector, logger *zap.Logger, opts ...Option) *Selector {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.BaseRelevance <= 0 {
		config.BaseRelevance = DefaultBaseRelevance
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Selector{
		config:   config,
		rules:    DefaultRules(complexity),
		fallback: RelevanceRule(config.BaseRelevance),
		now:      time.Now,
		metrics:  collector,
		logger:   logger.With(zap.String("component", "widening")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaxAttempts 返回重试上限
func (s *Selector) MaxAttempts() int { return s.config.MaxAttempts }

// Widen 为 task 执行一轮放宽并返回新的放宽状态，不修改 task。
// 返回状态的 NeedsWidening 已清除，参数可直接交给检索协作者。
func (s *Selector) Widen(ctx context.Context, task *types.RetrievalTask) types.WideningState {
	state := task.Widening.Clone()
	state.Attempt++
	state.NeedsWidening = false
	state.IssuedQueries = appendUnique(state.IssuedQueries, task.Query)
	if state.CategoryFailures == nil {
		state.CategoryFailures = make(map[types.SourceCategory]int)
	}
	state.CategoryFailures[task.Category]++

	if state.Attempt > s.config.MaxAttempts {
		state.Exhausted = true
		state.Params = types.HybridParams{MinRelevance: RelevanceFloor}
		state.Strategy = types.StrategyHybrid
		s.metrics.RecordWideningExhausted(string(task.Category))
		s.logger.Info("widening exhausted",
			zap.String("lineage", task.Lineage()),
			zap.Int("attempt", state.Attempt),
			zap.Int("max_attempts", s.config.MaxAttempts))
		return state
	}

	in := &Input{
		Query:      task.Query,
		Category:   task.Category,
		Candidates: task.Candidates,
		Attempt:    state.Attempt,
		Now:        s.now(),
	}
	rule, params := s.choose(ctx, in)
	state.Params = params
	state.Strategy = params.Strategy()

	s.metrics.RecordWidening(string(state.Strategy))
	s.logger.Debug("widening strategy selected",
		zap.String("lineage", task.Lineage()),
		zap.String("rule", rule),
		zap.String("strategy", string(state.Strategy)),
		zap.Int("attempt", state.Attempt),
		zap.Float64("min_relevance", params.RelevanceFloor()))
	return state
}

// choose evaluates the table top to bottom; the first match wins.
func (s *Selector) choose(ctx context.Context, in *Input) (string, types.WideningParams) {
	for _, rule := range s.rules {
		ok, err := evaluate(ctx, rule, in)
		if err != nil {
			s.logger.Warn("widening rule failed, using default strategy",
				zap.String("rule", rule.Name), zap.Error(err))
			break
		}
		if ok {
			return rule.Name, rule.Build(in)
		}
	}
	return s.fallback.Name, s.fallback.Build(in)
}

// evaluate runs a rule predicate, converting a panic into an error.
func evaluate(ctx context.Context, rule Rule, in *Input) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("rule %s panicked: %v", rule.Name, r)
		}
	}()
	return rule.Match(ctx, in)
}

// =============================================================================
// Rule table
// =============================================================================

var temporalIndicator = regexp.MustCompile(
	`(?i)\b(recent|recently|latest|newest|current|currently|today|yesterday|up[- ]to[- ]date|last\s+(day|week|month|quarter|year)|this\s+(week|month|quarter|year)|past\s+(few\s+)?(days|weeks|months))\b`)

// DefaultRules 按优先级返回规则 1-4
func DefaultRules(complexity ComplexitySignal) []Rule {
	return []Rule{
		{
			Name: "scarce_strong_evidence",
			Match: func(_ context.Context, in *Input) (bool, error) {
				return len(in.Candidates) > 0 && len(in.Candidates) < 3 &&
					types.MeanVectorScore(in.Candidates) > 0.7, nil
			},
			Build: func(in *Input) types.WideningParams {
				return types.TemporalParams{
					MinRelevance:   0.6,
					StartDate:      in.Now.AddDate(0, 0, -(90 + 90*in.Attempt)),
					EndDate:        in.Now,
					IncludeRelated: true,
				}
			},
		},
		{
			Name: "weak_evidence",
			Match: func(_ context.Context, in *Input) (bool, error) {
				return len(in.Candidates) > 0 && types.MeanVectorScore(in.Candidates) < 0.6, nil
			},
			Build: func(in *Input) types.WideningParams {
				return types.SemanticParams{
					MinRelevance:   floored(0.4 - 0.1*float64(in.Attempt)),
					ExpandSynonyms: true,
					IncludeRelated: true,
				}
			},
		},
		{
			Name: "complex_query",
			Match: func(ctx context.Context, in *Input) (bool, error) {
				if complexity == nil {
					return false, nil
				}
				return complexity.IsComplex(ctx, in.Query)
			},
			Build: func(in *Input) types.WideningParams {
				return types.CategoryParams{
					MinRelevance:   floored(0.5 - 0.1*float64(in.Attempt)),
					Categories:     RelatedCategories(in.Category),
					ExpandSynonyms: true,
				}
			},
		},
		{
			Name: "temporal_query",
			Match: func(_ context.Context, in *Input) (bool, error) {
				return temporalIndicator.MatchString(in.Query), nil
			},
			Build: func(in *Input) types.WideningParams {
				return types.TemporalParams{
					MinRelevance: 0.5,
					StartDate:    in.Now.AddDate(0, 0, -(30 + 60*in.Attempt)),
					EndDate:      in.Now,
				}
			},
		},
	}
}

// RelevanceRule 默认规则，总是匹配
func RelevanceRule(base float64) Rule {
	return Rule{
		Name:  "relevance",
		Match: func(context.Context, *Input) (bool, error) { return true, nil },
		Build: func(in *Input) types.WideningParams {
			expand := in.Attempt > 1
			return types.RelevanceParams{
				MinRelevance:   floored(base - 0.1*float64(in.Attempt)),
				ExpandSynonyms: expand,
				IncludeRelated: expand,
			}
		},
	}
}

var relatedCategories = map[types.SourceCategory][]types.SourceCategory{
	types.CategoryCode:  {types.CategoryDoc, types.CategoryNote},
	types.CategoryDoc:   {types.CategoryNote, types.CategoryWeb},
	types.CategoryNote:  {types.CategoryDoc, types.CategoryWeb},
	types.CategoryWeb:   {types.CategoryDoc},
	types.CategoryOther: {types.CategoryDoc, types.CategoryWeb},
}

// RelatedCategories 返回 CATEGORY 放宽时扩展到的相关类别
func RelatedCategories(c types.SourceCategory) []types.SourceCategory {
	related, ok := relatedCategories[c]
	if !ok {
		related = relatedCategories[types.CategoryOther]
	}
	return append([]types.SourceCategory(nil), related...)
}

// floored drops float noise from the step arithmetic and applies the floor.
func floored(v float64) float64 {
	v = math.Round(v*1e9) / 1e9
	return math.Max(v, RelevanceFloor)
}

func appendUnique(list []string, s string) []string {
	if s == "" {
		return list
	}
	for _, existing := range list {
		if existing == s {
			return list
		}
	}
	return append(list, s)
}
