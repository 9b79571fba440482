package domain

// DecisionAction is the planner's verdict for one turn.
type DecisionAction string

const (
	ActionDirectAnswer DecisionAction = "direct_answer"
	ActionToolCall     DecisionAction = "tool_call"
	ActionNoMatch      DecisionAction = "no_match"
)

// ToolCall names a catalog entry plus the arguments the planner extracted.
type ToolCall struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

// Decision is the structured output of a planner decision call.
type Decision struct {
	Action     DecisionAction `json:"action"`
	Reply      string         `json:"reply,omitempty"`
	Tool       string         `json:"tool,omitempty"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	Confidence float64        `json:"confidence"`
	// Alternate is an optional second choice used when the primary
	// invocation fails; it is never retried against the same tool.
	Alternate *ToolCall `json:"alternate,omitempty"`
}

// PlanInput is the bounded context handed to a decision call.
type PlanInput struct {
	Text    string
	History []Turn
	Summary string
	Tools   []ToolDescriptor
}

// ComposeInput grounds the final reply in a factual result.
type ComposeInput struct {
	Text     string
	Tool     string
	Result   string
	Passages []Passage
}
