// Package outcome defines the typed result every orchestrator returns as its
// instance output, and the composed failure reasons written to FAILED records.
package outcome

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind is the top-level classification of an orchestration result.
type Kind string

const (
	KindSuccess Kind = "SUCCESS"
	KindSkipped Kind = "SKIPPED"
	KindFailure Kind = "FAILURE"
)

// Type refines a successful result.
type Type string

const (
	TypeCompleted Type = "COMPLETED"
	TypeAborted   Type = "ABORTED"
)

// FailureKind classifies why a request failed.
type FailureKind string

const (
	FailureInvalidInput    FailureKind = "InvalidInput"
	FailureActivityFailure FailureKind = "ActivityFailure"
	FailureUnhandled       FailureKind = "Unhandled"
)

// NoReasonFound is the reason recorded when neither the record nor the
// orchestration history explain a failure.
const NoReasonFound = "No reason found"

// Failure describes a classified failure.
type Failure struct {
	Kind     FailureKind `json:"kind"`
	Activity string      `json:"activity,omitempty"`
	Detail   string      `json:"detail"`
	Context  string      `json:"context,omitempty"`
}

// Reason composes the text stored on the FAILED record:
// "{kind}({activity})|{detail}". Context, when present, is appended after a
// second separator.
func (f Failure) Reason() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s(%s)|%s", f.Kind, f.Activity, f.Detail)
	if f.Context != "" {
		b.WriteString("|")
		b.WriteString(f.Context)
	}
	return b.String()
}

// Result is the output of an orchestration instance.
type Result struct {
	Kind    Kind     `json:"kind"`
	Type    Type     `json:"type,omitempty"`
	Failure *Failure `json:"failure,omitempty"`
}

// Success returns a SUCCESS result of the given type.
func Success(t Type) Result {
	return Result{Kind: KindSuccess, Type: t}
}

// Skipped returns a SKIPPED result.
func Skipped() Result {
	return Result{Kind: KindSkipped}
}

// Failed returns a FAILURE result carrying f.
func Failed(f Failure) Result {
	return Result{Kind: KindFailure, Failure: &f}
}

func (r Result) String() string {
	switch {
	case r.Failure != nil:
		return fmt.Sprintf("%s %s", r.Kind, r.Failure.Reason())
	case r.Type != "":
		return fmt.Sprintf("%s/%s", r.Kind, r.Type)
	default:
		return string(r.Kind)
	}
}

// faultOutput is the shape the durable runtime stores when an orchestrator
// returns an error instead of a Result.
type faultOutput struct {
	Error string `json:"error"`
}

// ReasonFromOutput extracts a failure reason from a stored instance output.
// It understands both a FAILURE Result and a runtime fault. ok is false when
// the output does not describe a failure.
func ReasonFromOutput(output []byte) (reason string, ok bool) {
	if len(output) == 0 {
		return "", false
	}
	var res Result
	if err := json.Unmarshal(output, &res); err == nil && res.Failure != nil {
		return res.Failure.Reason(), true
	}
	var fault faultOutput
	if err := json.Unmarshal(output, &fault); err == nil && fault.Error != "" {
		return fmt.Sprintf("%s()|%s", FailureUnhandled, fault.Error), true
	}
	return "", false
}
