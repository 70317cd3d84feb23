package rerank

import (
	"context"
	"math"

	"github.com/BaSui01/evidenceloop/llm/tokenizer"
	"github.com/BaSui01/evidenceloop/types"
)

// Backend 重排后端：针对查询为候选打原始分
type Backend interface {
	// Name 后端名称，用于日志、指标与执行元数据
	Name() string

	// Rank 返回带 RerankerRawScore 的候选副本。
	// 结果与输入长度相同、ID 集合相同，顺序不限。
	Rank(ctx context.Context, query string, candidates []types.Candidate) ([]types.Candidate, error)
}

// indexedScore is one backend result addressed by input position.
type indexedScore struct {
	Index int
	Score float64
}

// probabilityEpsilon bounds calibrated probabilities away from 0 and 1
// so their logit stays finite.
const probabilityEpsilon = 1e-6

// logit is the inverse of the logistic function used by the fusion engine.
func logit(p float64) float64 {
	p = math.Min(math.Max(p, probabilityEpsilon), 1-probabilityEpsilon)
	return math.Log(p / (1 - p))
}

// annotate copies candidates and writes one raw score per input position.
// Every position must be scored exactly once.
func annotate(backend string, candidates []types.Candidate, scores []indexedScore) ([]types.Candidate, error) {
	if len(scores) != len(candidates) {
		return nil, types.Errorf(types.ErrRerankMalformed,
			"%s returned %d scores for %d candidates", backend, len(scores), len(candidates)).WithBackend(backend)
	}
	out := types.CloneCandidates(candidates)
	seen := make([]bool, len(candidates))
	for _, s := range scores {
		if s.Index < 0 || s.Index >= len(candidates) {
			return nil, types.Errorf(types.ErrRerankMalformed,
				"%s returned out-of-range index %d", backend, s.Index).WithBackend(backend)
		}
		if seen[s.Index] {
			return nil, types.Errorf(types.ErrRerankMalformed,
				"%s returned index %d twice", backend, s.Index).WithBackend(backend)
		}
		if math.IsNaN(s.Score) || math.IsInf(s.Score, 0) {
			return nil, types.Errorf(types.ErrRerankMalformed,
				"%s returned non-finite score for index %d", backend, s.Index).WithBackend(backend)
		}
		seen[s.Index] = true
		out[s.Index].RerankerRawScore = s.Score
	}
	return out, nil
}

// contentLimiter caps the text sent to a backend.
type contentLimiter struct {
	tok       tokenizer.Tokenizer
	maxTokens int
}

func (l contentLimiter) texts(candidates []types.Candidate) []string {
	out := make([]string, len(candidates))
	for i := range candidates {
		out[i] = l.limit(candidates[i].Content)
	}
	return out
}

func (l contentLimiter) limit(text string) string {
	if l.tok == nil || l.maxTokens <= 0 {
		return text
	}
	cut, err := l.tok.Truncate(text, l.maxTokens)
	if err != nil {
		return text
	}
	return cut
}
