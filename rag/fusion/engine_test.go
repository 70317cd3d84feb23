package fusion

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/BaSui01/evidenceloop/llm/rerank"
	"github.com/BaSui01/evidenceloop/testutil"
	"github.com/BaSui01/evidenceloop/testutil/fixtures"
	"github.com/BaSui01/evidenceloop/testutil/mocks"
	"github.com/BaSui01/evidenceloop/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

type staticSelector struct {
	backend rerank.Backend
}

func (s staticSelector) Select(string, []types.Candidate) rerank.Backend { return s.backend }

func newEngine(t *testing.T, cfg Config, backend rerank.Backend) *Engine {
	t.Helper()
	e, err := NewEngine(cfg, staticSelector{backend: backend}, nil, zap.NewNop())
	require.NoError(t, err)
	return e
}

func debugConfig() Config {
	cfg := DefaultConfig()
	cfg.KeepBelowThreshold = true
	return cfg
}

func TestEngine_EmptyTaskSkipsBackend(t *testing.T) {
	backend := mocks.NewMockBackend("local-base")
	e := newEngine(t, DefaultConfig(), backend)

	res, err := e.Fuse(testutil.TestContext(t), "", []types.RetrievalTask{fixtures.Task(types.CategoryDoc, "q")})
	require.NoError(t, err)

	require.Len(t, res.Tasks, 1)
	assert.Empty(t, res.Tasks[0].Candidates)
	assert.NotNil(t, res.Tasks[0].Candidates)
	assert.Equal(t, time.Duration(0), res.Tasks[0].Execution.Elapsed)
	assert.Equal(t, 0, backend.CallCount())
}

func TestEngine_UnreliableBatchFallsBackToVectorOrder(t *testing.T) {
	backend := mocks.NewMockBackend("local-base").WithScores(-5, -5, -5)
	e := newEngine(t, debugConfig(), backend)

	task := fixtures.Task(types.CategoryDoc, "q", fixtures.Candidates(0.2, 0.9, 0.85)...)
	res, err := e.Fuse(testutil.TestContext(t), "", []types.RetrievalTask{task})
	require.NoError(t, err)

	out := res.Tasks[0]
	testutil.AssertCandidateIDs(t, []string{"c1", "c2", "c0"}, out.Candidates)
	for _, c := range out.Candidates {
		assert.Equal(t, c.VectorScore, c.HybridScore)
		assert.True(t, c.Scored)
	}
	assert.Equal(t, types.FallbackUnreliableScores, out.Execution.Fallback)
	assert.Equal(t, 3, out.Execution.TotalBeforeFilter)
}

func TestEngine_BlendsNormalizedScores(t *testing.T) {
	backend := mocks.NewMockBackend("local-base").WithScores(0, 4)
	e := newEngine(t, debugConfig(), backend)

	task := fixtures.Task(types.CategoryDoc, "q", fixtures.Candidates(0.6, 0.2)...)
	res, err := e.Fuse(testutil.TestContext(t), "", []types.RetrievalTask{task})
	require.NoError(t, err)

	out := res.Tasks[0].Candidates
	testutil.AssertCandidateIDs(t, []string{"c1", "c0"}, out)
	assert.InDelta(t, 0.7*Normalize(4)+0.3*0.2, out[0].HybridScore, 1e-12)
	assert.InDelta(t, 0.7*0.5+0.3*0.6, out[1].HybridScore, 1e-12)
	assert.InDelta(t, 0.5, out[1].RerankerScore, 1e-12)
	assert.Equal(t, 4.0, out[0].RerankerRawScore)
	assert.Equal(t, "local-base", res.Tasks[0].Execution.Backend)
	assert.Equal(t, types.FallbackNone, res.Tasks[0].Execution.Fallback)
}

func TestEngine_OneReliableScoreKeepsBlend(t *testing.T) {
	backend := mocks.NewMockBackend("local-base").WithScores(-5, -2)
	e := newEngine(t, debugConfig(), backend)

	res, err := e.Fuse(testutil.TestContext(t), "", []types.RetrievalTask{
		fixtures.Task(types.CategoryDoc, "q", fixtures.Candidates(0.5, 0.5)...),
	})
	require.NoError(t, err)
	assert.Equal(t, types.FallbackNone, res.Tasks[0].Execution.Fallback, "-2 is not below the cutoff")
}

func TestEngine_BackendErrorFallsBack(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want types.FallbackReason
	}{
		{name: "failure", err: types.NewError(types.ErrRerankFailed, "down"), want: types.FallbackBackendError},
		{name: "timeout", err: types.NewError(types.ErrUpstreamTimeout, "slow"), want: types.FallbackBackendError},
		{name: "plain error", err: errors.New("boom"), want: types.FallbackBackendError},
		{name: "circuit open", err: types.NewError(types.ErrCircuitOpen, "open"), want: types.FallbackCircuitOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := mocks.NewMockBackend("cohere").WithError(tt.err)
			e := newEngine(t, DefaultConfig(), backend)

			task := fixtures.Task(types.CategoryCode, "q", fixtures.Candidates(0.9, 0.1, 0.5)...)
			res, err := e.Fuse(testutil.TestContext(t), "", []types.RetrievalTask{task})
			require.NoError(t, err)

			out := res.Tasks[0]
			// code threshold 0.30 drops c1.
			testutil.AssertCandidateIDs(t, []string{"c0", "c2"}, out.Candidates)
			for _, c := range out.Candidates {
				assert.Equal(t, c.VectorScore, c.HybridScore)
				assert.Equal(t, c.VectorScore, c.RerankerScore)
			}
			assert.Equal(t, tt.want, out.Execution.Fallback)
		})
	}
}

func TestEngine_MalformedBackendOutputFallsBack(t *testing.T) {
	backend := mocks.NewMockBackend("local-base").WithRankFunc(
		func(_ context.Context, _ string, candidates []types.Candidate) ([]types.Candidate, error) {
			return types.CloneCandidates(candidates[:1]), nil
		})
	e := newEngine(t, debugConfig(), backend)

	res, err := e.Fuse(testutil.TestContext(t), "", []types.RetrievalTask{
		fixtures.Task(types.CategoryDoc, "q", fixtures.Candidates(0.3, 0.7)...),
	})
	require.NoError(t, err)
	assert.Equal(t, types.FallbackBackendError, res.Tasks[0].Execution.Fallback)
	testutil.AssertCandidateIDs(t, []string{"c1", "c0"}, res.Tasks[0].Candidates)
}

func TestEngine_PerCategoryThresholds(t *testing.T) {
	// Backend fails so hybrid == vector and thresholds are easy to read.
	backend := mocks.NewMockBackend("local-base").WithError(errors.New("down"))
	e := newEngine(t, DefaultConfig(), backend)

	task := fixtures.Task(types.CategoryDoc, "q",
		fixtures.CategorizedCandidate("code-keep", types.CategoryCode, 0.31),
		fixtures.CategorizedCandidate("code-drop", types.CategoryCode, 0.29),
		fixtures.CategorizedCandidate("doc-keep", types.CategoryDoc, 0.55),
		fixtures.CategorizedCandidate("doc-drop", types.CategoryDoc, 0.54),
		fixtures.CategorizedCandidate("note-keep", types.CategoryNote, 0.41),
		fixtures.CategorizedCandidate("web-drop", types.CategoryWeb, 0.49),
		fixtures.CategorizedCandidate("api-keep", "api", 0.36),
		fixtures.CategorizedCandidate("api-drop", "api", 0.34),
		fixtures.Candidate("inherits-doc", 0.50),
	)

	res, err := e.Fuse(testutil.TestContext(t), "", []types.RetrievalTask{task})
	require.NoError(t, err)
	testutil.AssertCandidateIDs(t, []string{"doc-keep", "note-keep", "api-keep", "code-keep"}, res.Tasks[0].Candidates)
	assert.Equal(t, 0.55, res.Tasks[0].Execution.ScoreThreshold)
	assert.Equal(t, 9, res.Tasks[0].Execution.TotalBeforeFilter)
}

func TestEngine_CapsResults(t *testing.T) {
	cfg := debugConfig()
	cfg.MaxResults = 3
	backend := mocks.NewMockBackend("local-base").WithDefaultScore(1)
	e := newEngine(t, cfg, backend)

	res, err := e.Fuse(testutil.TestContext(t), "", []types.RetrievalTask{
		fixtures.Task(types.CategoryDoc, "q", fixtures.Candidates(0.1, 0.5, 0.9, 0.3, 0.7)...),
	})
	require.NoError(t, err)
	testutil.AssertCandidateIDs(t, []string{"c2", "c4", "c1"}, res.Tasks[0].Candidates)
}

func TestEngine_BackendSeesResolvedCategory(t *testing.T) {
	backend := mocks.NewMockBackend("local-base")
	e := newEngine(t, debugConfig(), backend)

	task := fixtures.Task(types.CategoryCode, "q", fixtures.Candidate("a", 0.5))
	_, err := e.Fuse(testutil.TestContext(t), "", []types.RetrievalTask{task})
	require.NoError(t, err)

	calls := backend.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, types.CategoryCode, calls[0].Candidates[0].SourceCategory)
	assert.Equal(t, types.SourceCategory(""), task.Candidates[0].SourceCategory, "input untouched")
}

func TestEngine_ScoresAreWrittenOnce(t *testing.T) {
	backend := mocks.NewMockBackend("local-base").WithDefaultScore(2)
	e := newEngine(t, debugConfig(), backend)
	ctx := testutil.TestContext(t)

	first, err := e.Fuse(ctx, "", []types.RetrievalTask{
		fixtures.Task(types.CategoryDoc, "q", fixtures.Candidates(0.4, 0.6)...),
	})
	require.NoError(t, err)

	backend.WithDefaultScore(-8)
	second, err := e.Fuse(ctx, "", first.Tasks)
	require.NoError(t, err)

	assert.Equal(t, 1, backend.CallCount())
	assert.Equal(t, first.Tasks[0].Candidates, second.Tasks[0].Candidates)
	assert.Equal(t, first.Tasks[0].Execution, second.Tasks[0].Execution)
}

func TestScoresConsistent(t *testing.T) {
	ctx := testutil.TestContext(t)
	fused := func(backend rerank.Backend) types.Candidate {
		e := newEngine(t, debugConfig(), backend)
		res, err := e.Fuse(ctx, "", []types.RetrievalTask{
			fixtures.Task(types.CategoryDoc, "q", fixtures.Candidate("a", 0.6)),
		})
		require.NoError(t, err)
		return res.Tasks[0].Candidates[0]
	}

	blended := fused(mocks.NewMockBackend("mock").WithDefaultScore(2))
	unreliable := fused(mocks.NewMockBackend("mock").WithDefaultScore(-6))
	failed := fused(mocks.NewMockBackend("mock").WithError(errors.New("down")))

	tests := []struct {
		name string
		c    types.Candidate
		want bool
	}{
		{name: "blend", c: blended, want: true},
		{name: "unreliable batch", c: unreliable, want: true},
		{name: "backend error", c: failed, want: true},
		{name: "unscored", c: fixtures.Candidate("a", 0.6), want: true},
		{name: "forged hybrid", c: types.Candidate{ID: "a", VectorScore: 0.6, RerankerRawScore: 2, RerankerScore: Normalize(2), HybridScore: 0.99, Scored: true}},
		{name: "reranker not normalized raw", c: types.Candidate{ID: "a", VectorScore: 0.6, RerankerRawScore: 2, RerankerScore: 0.2, HybridScore: Blend(0.2, 0.6), Scored: true}},
		{name: "vector fallback above cutoff", c: types.Candidate{ID: "a", VectorScore: 0.6, RerankerRawScore: 1, RerankerScore: Normalize(1), HybridScore: 0.6, Scored: true}},
		{name: "nan hybrid", c: types.Candidate{ID: "a", VectorScore: 0.6, RerankerRawScore: 2, RerankerScore: Normalize(2), HybridScore: math.NaN(), Scored: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tt.c
			assert.Equal(t, tt.want, ScoresConsistent(&c))
		})
	}
}

func TestProperty_FusedCandidatesAreConsistent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 6).Draw(rt, "n")
		vectors := make([]float64, n)
		for i := range vectors {
			vectors[i] = rapid.Float64Range(0, 1).Draw(rt, fmt.Sprintf("v%d", i))
		}
		raw := rapid.Float64Range(-10, 10).Draw(rt, "raw")

		e, err := NewEngine(debugConfig(), staticSelector{backend: mocks.NewMockBackend("mock").WithDefaultScore(raw)}, nil, zap.NewNop())
		require.NoError(rt, err)
		res, err := e.Fuse(context.Background(), "", []types.RetrievalTask{
			fixtures.Task(types.CategoryDoc, "q", fixtures.Candidates(vectors...)...),
		})
		require.NoError(rt, err)
		for i := range res.Tasks[0].Candidates {
			c := res.Tasks[0].Candidates[i]
			if !ScoresConsistent(&c) {
				rt.Fatalf("fused candidate %+v reported inconsistent", c)
			}
		}
	})
}

func TestEngine_PerCategoryFansOutConcurrently(t *testing.T) {
	cfg := debugConfig()
	cfg.MaxConcurrency = 4
	backend := mocks.NewMockBackend("local-base").WithDelay(100 * time.Millisecond)
	e := newEngine(t, cfg, backend)

	tasks := make([]types.RetrievalTask, 4)
	for i := range tasks {
		tasks[i] = fixtures.Task(types.CategoryDoc, fmt.Sprintf("q%d", i), fixtures.Candidate("a", 0.5))
	}

	start := time.Now()
	res, err := e.Fuse(testutil.TestContext(t), "", tasks)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 350*time.Millisecond)
	assert.Equal(t, 4, backend.CallCount())
	for i, task := range res.Tasks {
		assert.Equal(t, fmt.Sprintf("q%d", i), task.Query, "order preserved")
	}
}

func TestEngine_CancellationAbortsTurn(t *testing.T) {
	backend := mocks.NewMockBackend("local-base").WithDelay(time.Second)
	e := newEngine(t, DefaultConfig(), backend)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := e.Fuse(ctx, "", []types.RetrievalTask{
		fixtures.Task(types.CategoryDoc, "q", fixtures.Candidate("a", 0.5)),
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestEngine_GlobalPool(t *testing.T) {
	cfg := debugConfig()
	cfg.Mode = ModeGlobalPool
	cfg.MaxResults = 3
	// Same id in two tasks must not collide in the pooled call.
	backend := mocks.NewMockBackend("cohere").WithScores(3, -1, 2, 0)
	e := newEngine(t, cfg, backend)

	tasks := []types.RetrievalTask{
		fixtures.Task(types.CategoryCode, "code q", fixtures.Candidate("a", 0.5), fixtures.Candidate("b", 0.5)),
		fixtures.Task(types.CategoryDoc, "doc q", fixtures.Candidate("a", 0.5), fixtures.Candidate("c", 0.5)),
		fixtures.Task(types.CategoryWeb, "web q"),
	}

	res, err := e.Fuse(testutil.TestContext(t), "turn query", tasks)
	require.NoError(t, err)

	calls := backend.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "turn query", calls[0].Query)
	assert.Len(t, calls[0].Candidates, 4)

	testutil.AssertCandidateIDs(t, []string{"a", "b"}, res.Tasks[0].Candidates)
	testutil.AssertCandidateIDs(t, []string{"a", "c"}, res.Tasks[1].Candidates)
	assert.Equal(t, 3.0, res.Tasks[0].Candidates[0].RerankerRawScore)
	assert.Equal(t, 2.0, res.Tasks[1].Candidates[0].RerankerRawScore)
	assert.Empty(t, res.Tasks[2].Candidates)

	for _, task := range res.Tasks[:2] {
		assert.Equal(t, string(ModeGlobalPool), task.Execution.Mode)
		assert.Equal(t, "cohere", task.Execution.Backend)
	}

	require.Len(t, res.Pool, 3)
	assert.Equal(t, 3.0, res.Pool[0].RerankerRawScore)
	assert.Equal(t, 2.0, res.Pool[1].RerankerRawScore)
	assert.Equal(t, 0.0, res.Pool[2].RerankerRawScore)
}

func TestEngine_GlobalPoolUsesFirstQueryWhenTurnQueryEmpty(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = ModeGlobalPool
	backend := mocks.NewMockBackend("cohere")
	e := newEngine(t, cfg, backend)

	_, err := e.Fuse(testutil.TestContext(t), "", []types.RetrievalTask{
		fixtures.Task(types.CategoryDoc, "first", fixtures.Candidate("a", 0.5)),
		fixtures.Task(types.CategoryDoc, "second", fixtures.Candidate("b", 0.5)),
	})
	require.NoError(t, err)
	assert.Equal(t, "first", backend.Calls()[0].Query)
}

func TestEngine_GlobalPoolUnreliableIsPoolWide(t *testing.T) {
	cfg := debugConfig()
	cfg.Mode = ModeGlobalPool
	backend := mocks.NewMockBackend("cohere").WithScores(-9, -3, -4)
	e := newEngine(t, cfg, backend)

	res, err := e.Fuse(testutil.TestContext(t), "q", []types.RetrievalTask{
		fixtures.Task(types.CategoryCode, "a", fixtures.Candidate("x", 0.8)),
		fixtures.Task(types.CategoryDoc, "b", fixtures.Candidate("y", 0.6), fixtures.Candidate("z", 0.7)),
	})
	require.NoError(t, err)
	for _, task := range res.Tasks {
		assert.Equal(t, types.FallbackUnreliableScores, task.Execution.Fallback)
		for _, c := range task.Candidates {
			assert.Equal(t, c.VectorScore, c.HybridScore)
		}
	}
}

func TestNewEngine_Validation(t *testing.T) {
	_, err := NewEngine(DefaultConfig(), nil, nil, nil)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidConfig))

	bad := DefaultConfig()
	bad.Mode = "round_robin"
	_, err = NewEngine(bad, staticSelector{}, nil, nil)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidConfig))

	bad = DefaultConfig()
	bad.Thresholds[types.CategoryDoc] = 1.5
	_, err = NewEngine(bad, staticSelector{}, nil, nil)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidConfig))
}

// =============================================================================
// Properties
// =============================================================================

func drawTask(rt *rapid.T) types.RetrievalTask {
	n := rapid.IntRange(0, 12).Draw(rt, "n")
	categories := []types.SourceCategory{types.CategoryCode, types.CategoryDoc, types.CategoryNote, types.CategoryWeb, "api"}
	candidates := make([]types.Candidate, n)
	for i := range candidates {
		candidates[i] = fixtures.CategorizedCandidate(
			fmt.Sprintf("c%d", i),
			rapid.SampledFrom(categories).Draw(rt, "category"),
			rapid.Float64Range(0, 1).Draw(rt, "vector"),
		)
	}
	return fixtures.Task(types.CategoryDoc, "q", candidates...)
}

func drawRaw(rt *rapid.T, n int) []float64 {
	raw := make([]float64, n)
	for i := range raw {
		raw[i] = rapid.Float64Range(-40, 40).Draw(rt, "raw")
	}
	return raw
}

func TestProperty_HybridScoreInUnitInterval(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		task := drawTask(rt)
		backend := mocks.NewMockBackend("local-base").WithScores(drawRaw(rt, len(task.Candidates))...)
		e, err := NewEngine(debugConfig(), staticSelector{backend: backend}, nil, nil)
		require.NoError(rt, err)

		res, err := e.Fuse(context.Background(), "", []types.RetrievalTask{task})
		require.NoError(rt, err)
		for _, c := range res.Tasks[0].Candidates {
			if c.HybridScore < 0 || c.HybridScore > 1 || math.IsNaN(c.HybridScore) {
				rt.Fatalf("hybrid score %v out of [0,1]", c.HybridScore)
			}
		}
	})
}

func TestProperty_AllBelowCutoffUsesVectorScore(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		task := drawTask(rt)
		raw := make([]float64, len(task.Candidates))
		for i := range raw {
			raw[i] = rapid.Float64Range(-50, -2.0001).Draw(rt, "raw")
		}
		backend := mocks.NewMockBackend("local-base").WithScores(raw...)
		e, err := NewEngine(debugConfig(), staticSelector{backend: backend}, nil, nil)
		require.NoError(rt, err)

		res, err := e.Fuse(context.Background(), "", []types.RetrievalTask{task})
		require.NoError(rt, err)
		for _, c := range res.Tasks[0].Candidates {
			if c.HybridScore != c.VectorScore {
				rt.Fatalf("candidate %s: hybrid %v != vector %v", c.ID, c.HybridScore, c.VectorScore)
			}
		}
	})
}

func TestProperty_CapAndThresholdHold(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		task := drawTask(rt)
		cfg := DefaultConfig()
		cfg.MaxResults = rapid.IntRange(1, 10).Draw(rt, "cap")
		backend := mocks.NewMockBackend("local-base").WithScores(drawRaw(rt, len(task.Candidates))...)
		e, err := NewEngine(cfg, staticSelector{backend: backend}, nil, nil)
		require.NoError(rt, err)

		res, err := e.Fuse(context.Background(), "", []types.RetrievalTask{task})
		require.NoError(rt, err)
		out := res.Tasks[0]
		if len(out.Candidates) > cfg.MaxResults {
			rt.Fatalf("%d results exceed cap %d", len(out.Candidates), cfg.MaxResults)
		}
		for i, c := range out.Candidates {
			if c.HybridScore < cfg.Threshold(out.EffectiveCategory(&c)) {
				rt.Fatalf("candidate %s below its category threshold", c.ID)
			}
			if i > 0 && out.Candidates[i-1].HybridScore < c.HybridScore {
				rt.Fatalf("results not sorted at %d", i)
			}
		}
	})
}
