package rerank

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/BaSui01/evidenceloop/llm/tokenizer"
	"github.com/BaSui01/evidenceloop/types"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Variant 本地模型规格
type Variant string

const (
	VariantBase  Variant = "base"
	VariantLarge Variant = "large"
)

// LocalConfig 单个本地推理端点的配置
type LocalConfig struct {
	BaseURL          string
	Model            string
	Variant          Variant
	Timeout          time.Duration
	MaxContentTokens int
}

// LocalBackend 调用同机部署的 cross-encoder 推理服务，返回原始 logit
type LocalBackend struct {
	name    string
	model   string
	client  *resty.Client
	content contentLimiter
	logger  *zap.Logger
}

type localRerankRequest struct {
	Query     string   `json:"query"`
	Texts     []string `json:"texts"`
	RawScores bool     `json:"raw_scores"`
	Truncate  bool     `json:"truncate"`
}

type localRerankResult struct {
	Index *int     `json:"index"`
	Score *float64 `json:"score"`
}

// NewLocalBackend 为一个模型规格创建本地后端
func NewLocalBackend(cfg LocalConfig, tok tokenizer.Tokenizer, logger *zap.Logger) (*LocalBackend, error) {
	if cfg.BaseURL == "" {
		return nil, types.NewError(types.ErrInvalidConfig, "local rerank backend requires a base URL")
	}
	if cfg.Variant == "" {
		cfg.Variant = VariantBase
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	name := "local-" + string(cfg.Variant)

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &LocalBackend{
		name:    name,
		model:   cfg.Model,
		client:  client,
		content: contentLimiter{tok: tok, maxTokens: cfg.MaxContentTokens},
		logger: logger.With(zap.String("component", "rerank_backend"),
			zap.String("backend", name), zap.String("model", cfg.Model)),
	}, nil
}

// Name 实现 Backend
func (b *LocalBackend) Name() string { return b.name }

// Rank 实现 Backend
func (b *LocalBackend) Rank(ctx context.Context, query string, candidates []types.Candidate) ([]types.Candidate, error) {
	if len(candidates) == 0 {
		return []types.Candidate{}, nil
	}

	resp, err := b.client.R().
		SetContext(ctx).
		SetBody(localRerankRequest{
			Query:     query,
			Texts:     b.content.texts(candidates),
			RawScores: true,
			Truncate:  true,
		}).
		Post("/rerank")
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, types.NewError(types.ErrUpstreamTimeout, "local rerank request timed out").
				WithCause(err).WithRetryable(true).WithBackend(b.name)
		}
		return nil, types.NewError(types.ErrRerankFailed, "local rerank request failed").
			WithCause(err).WithRetryable(true).WithBackend(b.name)
	}
	if resp.StatusCode() >= 400 {
		return nil, types.Errorf(types.ErrRerankFailed, "local rerank error: status=%d body=%s",
			resp.StatusCode(), truncateBody(resp.String())).
			WithRetryable(resp.StatusCode() >= 500).WithBackend(b.name)
	}

	var results []localRerankResult
	if err := json.Unmarshal(resp.Body(), &results); err != nil {
		return nil, types.NewError(types.ErrRerankMalformed, "malformed local rerank response").
			WithCause(err).WithBackend(b.name)
	}
	scores := make([]indexedScore, 0, len(results))
	for i, r := range results {
		if r.Index == nil || r.Score == nil {
			return nil, types.Errorf(types.ErrRerankMalformed, "local rerank result %d lacks index or score", i).
				WithBackend(b.name)
		}
		scores = append(scores, indexedScore{Index: *r.Index, Score: *r.Score})
	}
	return annotate(b.name, candidates, scores)
}

// Health 探测推理服务的健康检查端点
func (b *LocalBackend) Health(ctx context.Context) error {
	resp, err := b.client.R().SetContext(ctx).Get("/health")
	if err != nil {
		return fmt.Errorf("%s health check: %w", b.name, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("%s health check: status=%d", b.name, resp.StatusCode())
	}
	return nil
}
