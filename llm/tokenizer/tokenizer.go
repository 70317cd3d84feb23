package tokenizer

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// Tokenizer 是统一的 Token 计数与截断接口.
type Tokenizer interface {
	// CountTokens 返回给定文本的 token 数.
	CountTokens(text string) (int, error)

	// Truncate 返回不超过 maxTokens 个 token 的文本前缀.
	// maxTokens <= 0 表示不截断.
	Truncate(text string, maxTokens int) (string, error)

	// Name 返回分词器的名称.
	Name() string
}

// fallbackTokenizer uses primary until it fails once, then the secondary for good.
type fallbackTokenizer struct {
	primary   Tokenizer
	secondary Tokenizer
	logger    *zap.Logger
	degraded  atomic.Bool
}

// WithFallback 返回在 primary 失败后永久切换到 secondary 的分词器.
func WithFallback(primary, secondary Tokenizer, logger *zap.Logger) Tokenizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &fallbackTokenizer{primary: primary, secondary: secondary, logger: logger}
}

// Default 返回 cl100k_base 的 tiktoken 分词器, 编码不可用时退回估算器.
func Default(logger *zap.Logger) Tokenizer {
	return WithFallback(NewTiktokenTokenizer("cl100k_base"), NewEstimatorTokenizer(), logger)
}

func (f *fallbackTokenizer) active() Tokenizer {
	if f.degraded.Load() {
		return f.secondary
	}
	return f.primary
}

func (f *fallbackTokenizer) degrade(err error) {
	if f.degraded.CompareAndSwap(false, true) {
		f.logger.Warn("tokenizer unavailable, switching to fallback",
			zap.String("primary", f.primary.Name()),
			zap.String("fallback", f.secondary.Name()),
			zap.Error(err))
	}
}

func (f *fallbackTokenizer) CountTokens(text string) (int, error) {
	n, err := f.active().CountTokens(text)
	if err != nil && !f.degraded.Load() {
		f.degrade(err)
		return f.secondary.CountTokens(text)
	}
	return n, err
}

func (f *fallbackTokenizer) Truncate(text string, maxTokens int) (string, error) {
	out, err := f.active().Truncate(text, maxTokens)
	if err != nil && !f.degraded.Load() {
		f.degrade(err)
		return f.secondary.Truncate(text, maxTokens)
	}
	return out, err
}

func (f *fallbackTokenizer) Name() string {
	return f.active().Name()
}
