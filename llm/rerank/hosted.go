package rerank

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/BaSui01/evidenceloop/llm/tokenizer"
	"github.com/BaSui01/evidenceloop/types"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// HostedConfig 托管远程重排后端配置
type HostedConfig struct {
	Dialect          Dialect
	APIKey           string
	BaseURL          string
	Model            string
	Timeout          time.Duration
	RateLimitRPS     float64
	RateLimitBurst   int
	MaxContentTokens int
}

// HostedBackend 调用外部相关性打分服务
type HostedBackend struct {
	dialect Dialect
	wire    dialect
	model   string
	client  *resty.Client
	limiter *rate.Limiter
	content contentLimiter
	logger  *zap.Logger
}

// NewHostedBackend 创建托管后端，必须提供凭证
func NewHostedBackend(cfg HostedConfig, tok tokenizer.Tokenizer, logger *zap.Logger) (*HostedBackend, error) {
	if cfg.Dialect == "" {
		cfg.Dialect = DialectCohere
	}
	wire, ok := dialects[cfg.Dialect]
	if !ok {
		return nil, types.Errorf(types.ErrInvalidConfig, "unknown hosted rerank dialect %q", cfg.Dialect)
	}
	if cfg.APIKey == "" {
		return nil, types.Errorf(types.ErrRerankUnauthorized, "hosted rerank backend %s requires an API key", cfg.Dialect)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = wire.baseURL
	}
	if cfg.Model == "" {
		cfg.Model = wire.model
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetAuthToken(cfg.APIKey)

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		burst := cfg.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst)
	}

	return &HostedBackend{
		dialect: cfg.Dialect,
		wire:    wire,
		model:   cfg.Model,
		client:  client,
		limiter: limiter,
		content: contentLimiter{tok: tok, maxTokens: cfg.MaxContentTokens},
		logger: logger.With(zap.String("component", "rerank_backend"),
			zap.String("backend", string(cfg.Dialect))),
	}, nil
}

// Name 实现 Backend
func (b *HostedBackend) Name() string { return string(b.dialect) }

// Rank 实现 Backend
func (b *HostedBackend) Rank(ctx context.Context, query string, candidates []types.Candidate) ([]types.Candidate, error) {
	if len(candidates) == 0 {
		return []types.Candidate{}, nil
	}
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, b.transportError(ctx, err)
		}
	}

	resp, err := b.client.R().
		SetContext(ctx).
		SetBody(b.wire.body(query, b.content.texts(candidates), b.model)).
		Post(b.wire.path)
	if err != nil {
		return nil, b.transportError(ctx, err)
	}
	if err := b.statusError(resp); err != nil {
		return nil, err
	}

	scores, err := b.wire.parse(resp.Body())
	if err != nil {
		return nil, types.NewError(types.ErrRerankMalformed, "malformed hosted rerank response").
			WithCause(err).WithBackend(b.Name())
	}
	b.logger.Debug("hosted rerank completed",
		zap.Int("candidates", len(candidates)),
		zap.Duration("latency", resp.Time()))
	return annotate(b.Name(), candidates, scores)
}

func (b *HostedBackend) transportError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return types.NewError(types.ErrUpstreamTimeout, "hosted rerank request timed out").
			WithCause(err).WithRetryable(true).WithBackend(b.Name())
	}
	return types.NewError(types.ErrRerankFailed, "hosted rerank request failed").
		WithCause(err).WithRetryable(true).WithBackend(b.Name())
}

func (b *HostedBackend) statusError(resp *resty.Response) error {
	code := resp.StatusCode()
	switch {
	case code < 400:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return types.Errorf(types.ErrRerankUnauthorized, "hosted rerank rejected credential: status=%d", code).
			WithBackend(b.Name())
	default:
		retryable := code == http.StatusTooManyRequests || code >= 500
		return types.Errorf(types.ErrRerankFailed, "hosted rerank error: status=%d body=%s", code, truncateBody(resp.String())).
			WithRetryable(retryable).WithBackend(b.Name())
	}
}

func truncateBody(s string) string {
	const max = 256
	if len(s) <= max {
		return s
	}
	return fmt.Sprintf("%s...(%d bytes)", s[:max], len(s))
}
