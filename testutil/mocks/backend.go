// MockBackend 的重排后端测试模拟实现。
//
// 支持按 ID 或按位置编排原始分数、错误注入、延迟与调用记录。
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/evidenceloop/types"
)

// --- MockBackend 结构 ---

// MockBackend 是 rerank.Backend 的模拟实现
type MockBackend struct {
	mu sync.Mutex

	name         string
	scoresByID   map[string]float64
	scoresByPos  []float64
	defaultScore float64
	err          error
	delay        time.Duration
	rankFunc     func(ctx context.Context, query string, candidates []types.Candidate) ([]types.Candidate, error)

	calls []MockBackendCall
}

// MockBackendCall 记录单次调用
type MockBackendCall struct {
	Query      string
	Candidates []types.Candidate
}

// --- 构造函数和 Builder 方法 ---

// NewMockBackend 创建新的 MockBackend
func NewMockBackend(name string) *MockBackend {
	return &MockBackend{
		name:       name,
		scoresByID: make(map[string]float64),
	}
}

// WithScore 为指定 ID 设置原始分数
func (m *MockBackend) WithScore(id string, raw float64) *MockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scoresByID[id] = raw
	return m
}

// WithScores 按输入位置设置原始分数
func (m *MockBackend) WithScores(raw ...float64) *MockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scoresByPos = append([]float64(nil), raw...)
	return m
}

// WithDefaultScore 设置未编排候选的原始分数
func (m *MockBackend) WithDefaultScore(raw float64) *MockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultScore = raw
	return m
}

// WithError 设置返回的错误
func (m *MockBackend) WithError(err error) *MockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithDelay 设置调用延迟，延迟期间响应 context 取消
func (m *MockBackend) WithDelay(d time.Duration) *MockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithRankFunc 设置自定义实现
func (m *MockBackend) WithRankFunc(fn func(ctx context.Context, query string, candidates []types.Candidate) ([]types.Candidate, error)) *MockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rankFunc = fn
	return m
}

// --- Backend 接口实现 ---

// Name 实现 rerank.Backend
func (m *MockBackend) Name() string { return m.name }

// Rank 实现 rerank.Backend
func (m *MockBackend) Rank(ctx context.Context, query string, candidates []types.Candidate) ([]types.Candidate, error) {
	m.mu.Lock()
	m.calls = append(m.calls, MockBackendCall{Query: query, Candidates: types.CloneCandidates(candidates)})
	delay, err, fn := m.delay, m.err, m.rankFunc
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if fn != nil {
		return fn(ctx, query, candidates)
	}
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	out := types.CloneCandidates(candidates)
	for i := range out {
		switch {
		case i < len(m.scoresByPos):
			out[i].RerankerRawScore = m.scoresByPos[i]
		default:
			if s, ok := m.scoresByID[out[i].ID]; ok {
				out[i].RerankerRawScore = s
			} else {
				out[i].RerankerRawScore = m.defaultScore
			}
		}
	}
	return out, nil
}

// --- 调用记录 ---

// Calls 返回调用记录
func (m *MockBackend) Calls() []MockBackendCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockBackendCall(nil), m.calls...)
}

// CallCount 返回调用次数
func (m *MockBackend) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
