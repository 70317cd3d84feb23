package widening

import (
	"context"
	"strings"
)

// HeuristicComplexity 基于规则的查询复杂度信号，不依赖外部模型。
// 分数由长度、分析类意图词、复杂模式与多子问题结构累加。
type HeuristicComplexity struct {
	// Threshold 判定为复杂的最低分数
	Threshold float64
}

// NewHeuristicComplexity 创建默认阈值 0.5 的启发式复杂度信号
func NewHeuristicComplexity() *HeuristicComplexity {
	return &HeuristicComplexity{Threshold: 0.5}
}

var (
	// 某些意图比较复杂
	complexIntents = map[string]float64{
		"why":        0.3,
		"explain":    0.3,
		"compare":    0.25,
		"versus":     0.25,
		"vs":         0.25,
		"tradeoff":   0.25,
		"trade-off":  0.25,
		"what if":    0.25,
		"summarize":  0.2,
		"aggregate":  0.2,
		"how does":   0.2,
		"root cause": 0.3,
	}

	complexPatterns = []string{
		"difference between", "relationship",
		"impact of", "effect of", "analyze",
		"multiple", "several", "various",
	}
)

// Score 计算查询复杂度分数
func (h *HeuristicComplexity) Score(query string) float64 {
	queryLower := strings.ToLower(strings.TrimSpace(query))
	if queryLower == "" {
		return 0
	}
	score := 0.0

	// 长度增加复杂性
	words := strings.Fields(queryLower)
	switch {
	case len(words) > 15:
		score += 0.3
	case len(words) > 5:
		score += 0.15
	}

	// 意图词只计最高的一项
	intent := 0.0
	for kw, w := range complexIntents {
		if containsWord(queryLower, words, kw) && w > intent {
			intent = w
		}
	}
	score += intent

	for _, pattern := range complexPatterns {
		if strings.Contains(queryLower, pattern) {
			score += 0.1
		}
	}

	// 多个子问题
	if strings.Count(queryLower, "?") > 1 {
		score += 0.2
	}
	return score
}

// IsComplex 实现 ComplexitySignal
func (h *HeuristicComplexity) IsComplex(_ context.Context, query string) (bool, error) {
	return h.Score(query) >= h.Threshold, nil
}

// containsWord matches single words by token and phrases by substring.
func containsWord(text string, words []string, kw string) bool {
	if strings.Contains(kw, " ") {
		return strings.Contains(text, kw)
	}
	for _, w := range words {
		if strings.Trim(w, "?,.!;:") == kw {
			return true
		}
	}
	return false
}
