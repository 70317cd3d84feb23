// Package taskmerge 在融合之前合并重复的检索任务。
//
// 任务按 (category, query) 键分组，候选按 ID 取并集：同 ID 的后来者覆盖
// 先前的候选，但保留先前的位置。合并结果重新分配内存，不与输入共享。
package taskmerge

import (
	"fmt"

	"github.com/BaSui01/evidenceloop/types"
)

// Stats 合并统计
type Stats struct {
	InputTasks        int `json:"input_tasks"`
	OutputTasks       int `json:"output_tasks"`
	MergedTasks       int `json:"merged_tasks"`      // 并入已有 key 的任务数
	ReplacedByLaterID int `json:"replaced_by_later"` // 被同 ID 后来者覆盖的候选数
}

// Merge 按 (category, query) 分组任务并按 ID 合并候选。
// 分组顺序与键首次出现的顺序一致。
func Merge(tasks []types.RetrievalTask) ([]types.RetrievalTask, Stats, error) {
	stats := Stats{InputTasks: len(tasks)}
	if len(tasks) == 0 {
		return []types.RetrievalTask{}, stats, nil
	}

	groups := make(map[string]*group, len(tasks))
	order := make([]string, 0, len(tasks))
	for i := range tasks {
		key := tasks[i].Key()
		g, ok := groups[key]
		if !ok {
			g = newGroup(&tasks[i])
			groups[key] = g
			order = append(order, key)
		} else {
			stats.MergedTasks++
			g.absorbTask(&tasks[i])
		}
		stats.ReplacedByLaterID += g.absorbCandidates(tasks[i].Candidates)
	}

	out := make([]types.RetrievalTask, 0, len(order))
	for _, key := range order {
		merged := groups[key].build()
		if err := checkUnique(&merged); err != nil {
			return nil, stats, err
		}
		out = append(out, merged)
	}
	stats.OutputTasks = len(out)
	return out, stats, nil
}

// group accumulates one merge key.
type group struct {
	task       types.RetrievalTask
	candidates []types.Candidate
	position   map[string]int
	tools      map[string]struct{}
}

func newGroup(first *types.RetrievalTask) *group {
	g := &group{
		task: types.RetrievalTask{
			Category:   first.Category,
			Query:      first.Query,
			LineageID:  first.LineageID,
			SourceType: first.SourceType,
			Widening:   first.Widening.Clone(),
		},
		position: make(map[string]int, len(first.Candidates)),
		tools:    make(map[string]struct{}),
	}
	g.addTools(first.RequiredTools)
	return g
}

func (g *group) absorbTask(t *types.RetrievalTask) {
	if g.task.LineageID == "" {
		g.task.LineageID = t.LineageID
	}
	if g.task.SourceType == "" {
		g.task.SourceType = t.SourceType
	}
	g.task.Widening = mergeWidening(g.task.Widening, t.Widening)
	g.addTools(t.RequiredTools)
}

// absorbCandidates applies last-write-wins and returns how many were replaced.
func (g *group) absorbCandidates(in []types.Candidate) int {
	replaced := 0
	for _, c := range types.CloneCandidates(in) {
		if idx, ok := g.position[c.ID]; ok {
			g.candidates[idx] = c
			replaced++
			continue
		}
		g.position[c.ID] = len(g.candidates)
		g.candidates = append(g.candidates, c)
	}
	return replaced
}

func (g *group) addTools(tools []string) {
	for _, tool := range tools {
		if _, ok := g.tools[tool]; ok {
			continue
		}
		g.tools[tool] = struct{}{}
		g.task.RequiredTools = append(g.task.RequiredTools, tool)
	}
}

func (g *group) build() types.RetrievalTask {
	t := g.task
	t.Candidates = g.candidates
	if t.Candidates == nil {
		t.Candidates = []types.Candidate{}
	}
	return t
}

// mergeWidening folds two states of the same lineage. The most advanced
// attempt carries strategy and params; flags are OR-ed and histories unioned.
func mergeWidening(a, b types.WideningState) types.WideningState {
	out := a.Clone()
	if b.Attempt > a.Attempt {
		out.Attempt = b.Attempt
		out.Strategy = b.Strategy
		out.Params = b.Clone().Params
	}
	out.NeedsWidening = a.NeedsWidening || b.NeedsWidening
	out.Exhausted = a.Exhausted || b.Exhausted
	out.IssuedQueries = unionStrings(out.IssuedQueries, b.IssuedQueries)
	out.RefinedQueries = unionStrings(out.RefinedQueries, b.RefinedQueries)
	for cat, n := range b.CategoryFailures {
		if out.CategoryFailures == nil {
			out.CategoryFailures = make(map[types.SourceCategory]int)
		}
		if n > out.CategoryFailures[cat] {
			out.CategoryFailures[cat] = n
		}
	}
	return out
}

func unionStrings(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, s := range a {
		seen[s] = struct{}{}
	}
	for _, s := range b {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		a = append(a, s)
	}
	return a
}

func checkUnique(t *types.RetrievalTask) error {
	seen := make(map[string]struct{}, len(t.Candidates))
	for i := range t.Candidates {
		id := t.Candidates[i].ID
		if _, dup := seen[id]; dup {
			return fmt.Errorf("merge %q: %w", t.Query,
				types.Errorf(types.ErrDuplicateCandidate, "candidate %q survived merge twice", id))
		}
		seen[id] = struct{}{}
	}
	return nil
}
