// Package fixtures 提供候选与检索任务的测试数据构造器。
package fixtures

import (
	"fmt"

	"github.com/BaSui01/evidenceloop/types"
)

// Candidate 构造一个候选，内容由 ID 派生
func Candidate(id string, vectorScore float64) types.Candidate {
	return types.Candidate{
		ID:          id,
		Content:     "content of " + id,
		VectorScore: vectorScore,
	}
}

// CategorizedCandidate 构造带来源类别的候选
func CategorizedCandidate(id string, category types.SourceCategory, vectorScore float64) types.Candidate {
	c := Candidate(id, vectorScore)
	c.SourceCategory = category
	return c
}

// Candidates 按向量分数批量构造候选，ID 为 c0, c1, ...
func Candidates(vectorScores ...float64) []types.Candidate {
	out := make([]types.Candidate, len(vectorScores))
	for i, s := range vectorScores {
		out[i] = Candidate(fmt.Sprintf("c%d", i), s)
	}
	return out
}

// Task 构造一个检索任务
func Task(category types.SourceCategory, query string, candidates ...types.Candidate) types.RetrievalTask {
	return types.RetrievalTask{
		Category:   category,
		Query:      query,
		Candidates: candidates,
	}
}

// WideningTask 构造一个带放宽状态的检索任务
func WideningTask(query string, attempt int, needsWidening bool, candidates ...types.Candidate) types.RetrievalTask {
	t := Task(types.CategoryDoc, query, candidates...)
	t.Widening = types.WideningState{Attempt: attempt, NeedsWidening: needsWidening}
	return t
}
