package orchestrator

import (
	"errors"
	"fmt"

	"github.com/roach88/dsrflow/internal/activity"
	"github.com/roach88/dsrflow/internal/durable"
	"github.com/roach88/dsrflow/internal/outcome"
	"github.com/roach88/dsrflow/internal/record"
)

// InvalidInputError is returned when an orchestrator input cannot be
// decoded or does not describe a request it handles.
type InvalidInputError struct {
	Detail string
}

// Error implements the error interface.
func (e *InvalidInputError) Error() string {
	return "invalid input: " + e.Detail
}

// ActivityError is a failed step of a workflow, attributed to an activity.
// Context carries a secondary failure observed while handling the first one.
type ActivityError struct {
	Name    string
	Reason  string
	Context string
}

// Error implements the error interface.
func (e *ActivityError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Name, e.Reason, e.Context)
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Reason)
}

// TransitionError is a status write the store refused because the current
// version of the record does not allow it, e.g. WIP after an abort.
type TransitionError struct {
	Current record.Record
	To      record.Status
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	from := string(e.Current.Status)
	if from == "" {
		from = "no record"
	}
	return fmt.Sprintf("%s refused: current version %d is %s", e.To, e.Current.Version, from)
}

// UnhandledError wraps a failure no branch of the workflow expected.
type UnhandledError struct {
	Cause error
}

// Error implements the error interface.
func (e *UnhandledError) Error() string {
	return e.Cause.Error()
}

// Unwrap returns the cause.
func (e *UnhandledError) Unwrap() error {
	return e.Cause
}

// recoverUnhandled turns a panic in workflow code into an UnhandledError
// stored in *err, so the request still ends with a FAILED record.
func recoverUnhandled(err *error) {
	if r := recover(); r != nil {
		*err = &UnhandledError{Cause: fmt.Errorf("panic: %v", r)}
	}
}

// activityFailure converts an activity call error into an ActivityError.
// Suspension and non-activity errors pass through unchanged.
func activityFailure(err error) error {
	if ae, ok := durable.IsActivityError(err); ok {
		return &ActivityError{Name: ae.Name, Reason: ae.Message}
	}
	return err
}

// Classify maps an error to its failure taxonomy entry.
func Classify(err error) outcome.Failure {
	var (
		invalid   *InvalidInputError
		failed    *ActivityError
		unhandled *UnhandledError
		refused   *TransitionError
	)
	switch {
	case errors.As(err, &refused):
		return outcome.Failure{Kind: outcome.FailureActivityFailure, Activity: activity.NameSetStatus, Detail: refused.Error()}
	case errors.As(err, &invalid):
		return outcome.Failure{Kind: outcome.FailureInvalidInput, Detail: invalid.Detail}
	case errors.As(err, &failed):
		return outcome.Failure{
			Kind:     outcome.FailureActivityFailure,
			Activity: failed.Name,
			Detail:   failed.Reason,
			Context:  failed.Context,
		}
	case errors.As(err, &unhandled):
		return outcome.Failure{Kind: outcome.FailureUnhandled, Detail: unhandled.Cause.Error()}
	}
	if ae, ok := durable.IsActivityError(err); ok {
		return outcome.Failure{Kind: outcome.FailureActivityFailure, Activity: ae.Name, Detail: ae.Message}
	}
	return outcome.Failure{Kind: outcome.FailureUnhandled, Detail: err.Error()}
}
