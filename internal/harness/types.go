package harness

import (
	"fmt"
	"strings"
)

// TraceEvent is one activity attempt in the trace.
type TraceEvent struct {
	Instance string `json:"instance"`
	Call     string `json:"call"`
	Attempt  int    `json:"attempt"`
	Error    string `json:"error,omitempty"`
}

// String renders the event as "instance call", with the attempt number
// appended for retries.
func (e TraceEvent) String() string {
	s := e.Instance + " " + e.Call
	if e.Attempt > 1 {
		s += fmt.Sprintf(" #%d", e.Attempt)
	}
	return s
}

// matches reports whether the event is the call action. A failed attempt
// also matches the action without its "!" mark.
func (e TraceEvent) matches(action string) bool {
	return e.Call == action || strings.TrimSuffix(e.Call, "!") == action
}

// DispatchEvent is one dispatcher outcome.
type DispatchEvent struct {
	Record string `json:"record"`
	Action string `json:"action"`
	Result string `json:"result"`
}

// String renders the event as "record: action result".
func (e DispatchEvent) String() string {
	return fmt.Sprintf("%s: %s %s", e.Record, e.Action, e.Result)
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall test success.
	Pass bool `json:"pass"`

	// Trace contains every activity attempt in order.
	Trace []TraceEvent `json:"trace"`

	// Dispatches contains every dispatcher outcome in order.
	Dispatches []DispatchEvent `json:"dispatches"`

	// Records lists every record version in append order.
	Records []string `json:"records"`

	// Instances maps instance ids to their rendered result, or to their
	// runtime status while they have none.
	Instances map[string]string `json:"instances"`

	// Errors contains assertion failure messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:       true,
		Trace:      []TraceEvent{},
		Dispatches: []DispatchEvent{},
		Records:    []string{},
		Instances:  make(map[string]string),
		Errors:     []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
