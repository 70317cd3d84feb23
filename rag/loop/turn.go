package loop

import (
	"github.com/BaSui01/evidenceloop/rag/taskmerge"
	"github.com/BaSui01/evidenceloop/types"
	"github.com/google/uuid"
)

// Turn 一个对话轮次的显式状态
type Turn struct {
	ID             string                `json:"id"`
	ConversationID string                `json:"conversation_id,omitempty"`
	Query          string                `json:"query"`
	Tasks          []types.RetrievalTask `json:"tasks"`

	Evaluation       Evaluation              `json:"evaluation"`
	Verdict          types.RoutingVerdict    `json:"verdict"`
	WideningRequests []types.WideningRequest `json:"widening_requests,omitempty"`
	// Cycles 已完成的放宽与重新检索轮数
	Cycles int `json:"cycles"`
}

// Evaluation 最近一次 step 对证据的评估
type Evaluation struct {
	Merge     taskmerge.Stats      `json:"merge"`
	Qualities []types.QualityLevel `json:"qualities"`
	// Pool 全局池模式下的统一排序结果
	Pool []types.Candidate `json:"pool,omitempty"`
	// ToolRule 产生 invoke_tool 判决的工具意图规则名
	ToolRule string `json:"tool_rule,omitempty"`
}

// NewTurn 创建带新 ID 的 turn
func NewTurn(conversationID, query string, tasks []types.RetrievalTask) Turn {
	return Turn{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Query:          query,
		Tasks:          tasks,
		Verdict:        types.AnswerVerdict(),
	}
}

// cloneTasks deep-copies tasks so a step never writes into its input.
func cloneTasks(in []types.RetrievalTask) []types.RetrievalTask {
	out := make([]types.RetrievalTask, len(in))
	for i := range in {
		out[i] = in[i]
		out[i].Candidates = types.CloneCandidates(in[i].Candidates)
		out[i].Widening = in[i].Widening.Clone()
		out[i].RequiredTools = append([]string(nil), in[i].RequiredTools...)
	}
	return out
}
