package sdkrequest

import "encoding/json"

// Request is the raw wire payload the executor posts to invoke a function:
// the triggering event(s), any already-memoized step data, and call
// metadata.
type Request struct {
	Event   json.RawMessage            `json:"event"`
	Events  []json.RawMessage          `json:"events"`
	Steps   map[string]json.RawMessage `json:"steps"`
	CallCtx CallCtx                    `json:"ctx"`

	// UseAPI indicates that Steps/Events exceeded the inline payload size
	// and must instead be fetched from the platform's API before execution.
	UseAPI bool `json:"use_api"`
}

// CallCtx carries metadata about the specific run invoking the function.
type CallCtx struct {
	Env        string `json:"env"`
	FunctionID string `json:"fn_id"`
	RunID      string `json:"run_id"`
	StepID     string `json:"step_id"`
	Attempt    int    `json:"attempt"`
}
