package types

// QualityLevel classifies how good a candidate set is as evidence.
type QualityLevel string

const (
	QualityNone QualityLevel = "none"
	QualityLow  QualityLevel = "low"
	QualityHigh QualityLevel = "high"
)

// Action is the next step the pipeline takes after a fusion pass.
type Action string

const (
	ActionWiden      Action = "widen"
	ActionInvokeTool Action = "invoke_tool"
	ActionAnswer     Action = "answer"
)

// Tool identifiers understood by the tool dispatcher.
const (
	ToolCalculator = "calculator"
	ToolCalendar   = "calendar"
	ToolWeather    = "weather"
	ToolWebSearch  = "web_search"
)

// RoutingVerdict is the routing decision for a turn.
type RoutingVerdict struct {
	Action        Action   `json:"action"`
	RequiredTools []string `json:"required_tools,omitempty"`
	// TaskIndex is the task the tools were attached to, -1 otherwise.
	TaskIndex int `json:"task_index"`
}

// AnswerVerdict is the neutral verdict.
func AnswerVerdict() RoutingVerdict {
	return RoutingVerdict{Action: ActionAnswer, TaskIndex: -1}
}
