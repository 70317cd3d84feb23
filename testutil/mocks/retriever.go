package mocks

import (
	"context"
	"sync"

	"github.com/BaSui01/evidenceloop/types"
)

// MockRetriever 是检索协作者的模拟实现，按调用顺序返回预置的候选集
type MockRetriever struct {
	mu      sync.Mutex
	batches [][]types.Candidate
	err     error
	calls   []types.WideningRequest
}

// NewMockRetriever 创建按顺序返回 batches 的 MockRetriever；用尽后返回空候选集
func NewMockRetriever(batches ...[]types.Candidate) *MockRetriever {
	return &MockRetriever{batches: batches}
}

// WithError 设置返回的错误
func (m *MockRetriever) WithError(err error) *MockRetriever {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// Reissue 记录请求并以下一批候选构造任务
func (m *MockRetriever) Reissue(_ context.Context, req types.WideningRequest) (types.RetrievalTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)
	if m.err != nil {
		return types.RetrievalTask{}, m.err
	}
	task := types.RetrievalTask{
		Category:   req.Category,
		Query:      req.Query,
		LineageID:  req.LineageID,
		Candidates: []types.Candidate{},
	}
	if len(m.batches) > 0 {
		task.Candidates = types.CloneCandidates(m.batches[0])
		m.batches = m.batches[1:]
	}
	return task, nil
}

// Calls 返回调用记录
func (m *MockRetriever) Calls() []types.WideningRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.WideningRequest(nil), m.calls...)
}

// StaticComplexity 是固定返回值的复杂度信号
type StaticComplexity struct {
	Complex bool
	Err     error
}

// IsComplex 实现 widening.ComplexitySignal
func (s StaticComplexity) IsComplex(context.Context, string) (bool, error) {
	return s.Complex, s.Err
}
