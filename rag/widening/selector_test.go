package widening

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BaSui01/evidenceloop/testutil"
	"github.com/BaSui01/evidenceloop/testutil/fixtures"
	"github.com/BaSui01/evidenceloop/testutil/mocks"
	"github.com/BaSui01/evidenceloop/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var fixedNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func newSelector(complexity ComplexitySignal) *Selector {
	return NewSelector(DefaultConfig(), complexity, nil, nil, WithClock(func() time.Time { return fixedNow }))
}

type panickingComplexity struct{}

func (panickingComplexity) IsComplex(context.Context, string) (bool, error) {
	panic("model client exploded")
}

func TestSelector_RuleTable(t *testing.T) {
	strong := fixtures.Candidates(0.9, 0.8)
	weak := fixtures.Candidates(0.3, 0.5)
	middling := fixtures.Candidates(0.65, 0.65, 0.65)

	tests := []struct {
		name       string
		query      string
		candidates []types.Candidate
		attempt    int // before the cycle
		complexity ComplexitySignal
		want       types.WideningParams
	}{
		{
			name:       "scarce strong evidence widens time window",
			query:      "retry policy",
			candidates: strong,
			want: types.TemporalParams{
				MinRelevance:   0.6,
				StartDate:      fixedNow.AddDate(0, 0, -180),
				EndDate:        fixedNow,
				IncludeRelated: true,
			},
		},
		{
			name:       "scarce strong evidence grows with attempt",
			query:      "retry policy",
			candidates: strong,
			attempt:    2,
			want: types.TemporalParams{
				MinRelevance:   0.6,
				StartDate:      fixedNow.AddDate(0, 0, -360),
				EndDate:        fixedNow,
				IncludeRelated: true,
			},
		},
		{
			name:       "weak evidence goes semantic",
			query:      "retry policy",
			candidates: weak,
			want:       types.SemanticParams{MinRelevance: 0.3, ExpandSynonyms: true, IncludeRelated: true},
		},
		{
			name:       "semantic floor",
			query:      "retry policy",
			candidates: weak,
			attempt:    2,
			want:       types.SemanticParams{MinRelevance: 0.2, ExpandSynonyms: true, IncludeRelated: true},
		},
		{
			name:       "weak evidence outranks complexity",
			query:      "retry policy",
			candidates: weak,
			complexity: mocks.StaticComplexity{Complex: true},
			want:       types.SemanticParams{MinRelevance: 0.3, ExpandSynonyms: true, IncludeRelated: true},
		},
		{
			name:       "complex query broadens categories",
			query:      "retry policy",
			complexity: mocks.StaticComplexity{Complex: true},
			want: types.CategoryParams{
				MinRelevance:   0.4,
				Categories:     []types.SourceCategory{types.CategoryNote, types.CategoryWeb},
				ExpandSynonyms: true,
			},
		},
		{
			name:  "temporal indicator",
			query: "latest release notes",
			want: types.TemporalParams{
				MinRelevance: 0.5,
				StartDate:    fixedNow.AddDate(0, 0, -90),
				EndDate:      fixedNow,
			},
		},
		{
			name:       "default relevance without expansion",
			query:      "retry policy",
			candidates: middling,
			want:       types.RelevanceParams{MinRelevance: 0.4},
		},
		{
			name:       "default relevance expands after first attempt",
			query:      "retry policy",
			candidates: middling,
			attempt:    1,
			want:       types.RelevanceParams{MinRelevance: 0.3, ExpandSynonyms: true, IncludeRelated: true},
		},
		{
			name:       "signal error falls back to default",
			query:      "latest release notes",
			complexity: mocks.StaticComplexity{Err: errors.New("llm unavailable")},
			want:       types.RelevanceParams{MinRelevance: 0.4},
		},
		{
			name:       "signal panic falls back to default",
			query:      "latest release notes",
			complexity: panickingComplexity{},
			want:       types.RelevanceParams{MinRelevance: 0.4},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := fixtures.Task(types.CategoryDoc, tt.query, tt.candidates...)
			task.Widening.Attempt = tt.attempt
			task.Widening.NeedsWidening = true

			state := newSelector(tt.complexity).Widen(testutil.TestContext(t), &task)

			assert.Equal(t, tt.attempt+1, state.Attempt)
			assert.InDelta(t, tt.want.RelevanceFloor(), state.Params.RelevanceFloor(), 1e-9)
			assert.Equal(t, tt.want.Strategy(), state.Strategy)
			testutil.AssertJSONEqual(t, tt.want, state.Params)
			assert.False(t, state.NeedsWidening)
			assert.False(t, state.Exhausted)
		})
	}
}

func TestSelector_ExhaustsAfterMaxAttempts(t *testing.T) {
	task := fixtures.Task(types.CategoryCode, "q", fixtures.Candidates(0.1)...)
	task.Widening = types.WideningState{Attempt: 3, NeedsWidening: true}

	state := newSelector(nil).Widen(testutil.TestContext(t), &task)

	assert.Equal(t, 4, state.Attempt)
	assert.False(t, state.NeedsWidening)
	assert.True(t, state.Exhausted)
	assert.Equal(t, types.StrategyHybrid, state.Strategy)
	assert.Equal(t, types.HybridParams{MinRelevance: 0.2}, state.Params)
}

func TestSelector_RecordsHistoryWithoutMutatingTask(t *testing.T) {
	task := fixtures.Task(types.CategoryNote, "how do we deploy")
	task.Widening = types.WideningState{
		Attempt:          1,
		IssuedQueries:    []string{"how do we deploy"},
		CategoryFailures: map[types.SourceCategory]int{types.CategoryNote: 1},
	}

	state := newSelector(nil).Widen(testutil.TestContext(t), &task)

	assert.Equal(t, []string{"how do we deploy"}, state.IssuedQueries)
	assert.Equal(t, 2, state.CategoryFailures[types.CategoryNote])
	assert.Equal(t, 1, task.Widening.Attempt)
	assert.Equal(t, 1, task.Widening.CategoryFailures[types.CategoryNote])
}

func TestSelector_CustomConfig(t *testing.T) {
	s := NewSelector(Config{MaxAttempts: 1, BaseRelevance: 0.7}, nil, nil, nil)
	assert.Equal(t, 1, s.MaxAttempts())

	task := fixtures.Task(types.CategoryDoc, "q", fixtures.Candidates(0.65, 0.65, 0.65)...)
	state := s.Widen(testutil.TestContext(t), &task)
	assert.InDelta(t, 0.6, state.Params.RelevanceFloor(), 1e-9)

	task.Widening = state
	state = s.Widen(testutil.TestContext(t), &task)
	assert.True(t, state.Exhausted)
}

func TestRelatedCategories(t *testing.T) {
	assert.Equal(t, []types.SourceCategory{types.CategoryDoc, types.CategoryNote}, RelatedCategories(types.CategoryCode))
	assert.Equal(t, []types.SourceCategory{types.CategoryDoc, types.CategoryWeb}, RelatedCategories("api"))

	related := RelatedCategories(types.CategoryWeb)
	related[0] = types.CategoryCode
	assert.Equal(t, types.CategoryDoc, RelatedCategories(types.CategoryWeb)[0])
}

// 属性: attempt 单调不减，超过上限后 lineage 冻结，且相关度下限不低于 0.2
func TestProperty_AttemptBoundedAndMonotonic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := newSelector(mocks.StaticComplexity{Complex: rapid.Bool().Draw(rt, "complex")})
		n := rapid.IntRange(0, 5).Draw(rt, "n")
		scores := make([]float64, n)
		for i := range scores {
			scores[i] = rapid.Float64Range(0, 1).Draw(rt, "vector")
		}
		task := fixtures.Task(types.CategoryDoc, rapid.SampledFrom([]string{"q", "latest q", "why q"}).Draw(rt, "query"),
			fixtures.Candidates(scores...)...)

		prev := task.Widening.Attempt
		for cycle := 0; cycle < 6; cycle++ {
			state := s.Widen(context.Background(), &task)
			if state.Attempt < prev {
				rt.Fatalf("attempt decreased: %d -> %d", prev, state.Attempt)
			}
			if state.Params.RelevanceFloor() < RelevanceFloor {
				rt.Fatalf("relevance floor %v below %v", state.Params.RelevanceFloor(), RelevanceFloor)
			}
			if state.Attempt > s.MaxAttempts() {
				require.True(rt, state.Exhausted)
				require.False(rt, state.NeedsWidening)
				require.Equal(rt, types.StrategyHybrid, state.Strategy)
			}
			prev = state.Attempt
			task.Widening = state
		}
	})
}
