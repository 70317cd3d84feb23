package routing

import (
	"github.com/BaSui01/evidenceloop/types"
)

// Decision 一次路由的结果
type Decision struct {
	Verdict types.RoutingVerdict `json:"verdict"`
	// Flagged 需要标记 NeedsWidening 的任务下标
	Flagged []int `json:"flagged,omitempty"`
	// Qualities 按任务顺序给出的证据质量等级
	Qualities []types.QualityLevel `json:"qualities"`
	// Rule 命中的工具意图规则名，未命中时为空
	Rule string `json:"rule,omitempty"`
}

// Router 路由决策器。无状态，并发安全。
type Router struct {
	tools []ToolRule
}

// NewRouter 创建路由器；rules 为空时使用 DefaultToolRules。
func NewRouter(rules ...ToolRule) *Router {
	if len(rules) == 0 {
		rules = DefaultToolRules()
	}
	return &Router{tools: rules}
}

// Route 为一个 turn 已融合的任务决定下一步动作。纯函数，结果确定。
func (r *Router) Route(tasks []types.RetrievalTask) Decision {
	d := Decision{
		Verdict:   types.AnswerVerdict(),
		Qualities: make([]types.QualityLevel, len(tasks)),
	}
	for i := range tasks {
		d.Qualities[i] = Classify(tasks[i].Candidates)
	}

	// 1. 已显式标记
	for i := range tasks {
		w := &tasks[i].Widening
		if w.NeedsWidening && !w.Exhausted {
			d.Flagged = append(d.Flagged, i)
		}
	}
	if len(d.Flagged) > 0 {
		d.Verdict = types.RoutingVerdict{Action: types.ActionWiden, TaskIndex: -1}
		return d
	}

	// 2. 证据不足
	for i := range tasks {
		w := &tasks[i].Widening
		if w.Exhausted {
			continue
		}
		q := d.Qualities[i]
		if (q == types.QualityNone && w.Attempt < 2) || (q == types.QualityLow && w.Attempt == 0) {
			d.Flagged = append(d.Flagged, i)
		}
	}
	if len(d.Flagged) > 0 {
		d.Verdict = types.RoutingVerdict{Action: types.ActionWiden, TaskIndex: -1}
		return d
	}

	// 3. 工具意图
	for i := range tasks {
		rule, tools := r.detectTools(&tasks[i], d.Qualities[i])
		if len(tools) > 0 {
			d.Verdict = types.RoutingVerdict{
				Action:        types.ActionInvokeTool,
				RequiredTools: tools,
				TaskIndex:     i,
			}
			d.Rule = rule
			return d
		}
	}

	// 4. 回答
	return d
}

// detectTools runs the tool-intent table for one task; the first rule with a
// match wins.
func (r *Router) detectTools(task *types.RetrievalTask, quality types.QualityLevel) (string, []string) {
	for _, rule := range r.tools {
		if tools := rule.Detect(task, quality); len(tools) > 0 {
			return rule.Name, tools
		}
	}
	return "", nil
}
