package durable

import (
	"errors"
	"fmt"
)

var (
	// ErrSuspended is returned by a Context await that cannot be resolved
	// yet. Orchestrators must return it unchanged; the runtime parks the
	// instance until a timer fires or an event arrives.
	ErrSuspended = errors.New("orchestration suspended")

	// ErrInstanceNotFound is returned for an instance id that was never started.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrInstanceNotRunning is returned when an event is raised on, or a
	// terminate is requested for, an instance that is not Running.
	ErrInstanceNotRunning = errors.New("instance not running")

	// ErrUnknownOrchestrator is returned when starting an unregistered name.
	ErrUnknownOrchestrator = errors.New("unknown orchestrator")
)

// ActivityError is what an orchestrator sees when an activity call fails.
// It is rebuilt from history on replay, so live and replayed runs observe
// the same value.
type ActivityError struct {
	// Name is the activity name.
	Name string

	// Message is the error text returned by the last attempt.
	Message string

	// Permanent reports whether the activity marked the error as not
	// worth retrying.
	Permanent bool
}

// Error implements the error interface.
func (e *ActivityError) Error() string {
	return fmt.Sprintf("activity %s: %s", e.Name, e.Message)
}

// IsActivityError reports whether err is an ActivityError and returns it.
// Uses errors.As to handle wrapped errors.
func IsActivityError(err error) (*ActivityError, bool) {
	var ae *ActivityError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// NonDeterminismError is raised when replay reaches a step whose recorded
// kind or name differs from what the orchestrator now asks for. The instance
// is failed; its history cannot be trusted.
type NonDeterminismError struct {
	InstanceID string
	Seq        int
	Recorded   string
	Requested  string
}

// Error implements the error interface.
func (e *NonDeterminismError) Error() string {
	return fmt.Sprintf("non-deterministic replay of %s at step %d: recorded %s, requested %s",
		e.InstanceID, e.Seq, e.Recorded, e.Requested)
}

// StepsExceededError is returned when one execution records more steps than
// the runtime allows. It ends runaway polling loops.
type StepsExceededError struct {
	InstanceID string
	Steps      int
	Limit      int
}

// Error implements the error interface.
func (e *StepsExceededError) Error() string {
	return fmt.Sprintf("instance %s exceeded max steps (%d > %d)", e.InstanceID, e.Steps, e.Limit)
}

// IsStepsExceeded reports whether err is a StepsExceededError.
func IsStepsExceeded(err error) bool {
	var se *StepsExceededError
	return errors.As(err, &se)
}
