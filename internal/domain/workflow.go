package domain

// Workflow step kinds.
const (
	StepPrompt = "prompt"
	StepMap    = "map"
	StepReduce = "reduce"
)

// WorkflowStep is one operation in a workflow's step graph. Input entries are
// either slot names or external data source ids; the body is the prompt
// template applied to the resolved inputs.
type WorkflowStep struct {
	Kind          string   `json:"kind"`
	Input         []string `json:"input"`
	Body          string   `json:"body"`
	OutputTo      string   `json:"output_to"`
	StatusMessage string   `json:"status_message,omitempty"`
}

// Workflow is an ordered step graph of prompt/map/reduce operations.
type Workflow struct {
	Steps     []WorkflowStep `json:"steps"`
	ResultKey string         `json:"result_key,omitempty"`
}

// SlotValue is a named mutable cell scoped to one workflow execution. It
// holds a resolved text, a list of texts, or a data source reference —
// intermediate lists are an explicit sequence of strings, never a stream.
type SlotValue struct {
	Text   string
	List   []string
	Source *DataSource
}

// IsList reports whether the slot holds a list value.
func (v SlotValue) IsList() bool { return v.List != nil }

// Strings returns the slot contents as a flat list of texts.
func (v SlotValue) Strings() []string {
	if v.List != nil {
		return v.List
	}
	if v.Text != "" {
		return []string{v.Text}
	}
	return nil
}
