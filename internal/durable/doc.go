// Package durable is the orchestration substrate: it runs workflow functions
// so that they survive process restarts.
//
// # Model
//
// An instance is addressed by a caller-chosen deterministic id. Starting an
// id that is Running is a no-op; starting an id whose last execution ended
// begins a new execution with an empty history.
//
// An orchestrator is an ordinary Go function that is re-run from the top
// every time its instance is resumed. Each await it performs is a step with
// an index, and the result of every completed step is persisted in the
// history table keyed by (instance, execution, step). On re-run, steps that
// are already recorded return their stored results without re-executing,
// so the function deterministically reaches the same point and continues
// live from there.
//
// # Suspension
//
// An await that cannot be satisfied yet (a timer that is not due, an event
// that has not arrived) returns ErrSuspended. The orchestrator returns it
// unchanged and the runtime parks the instance. The timer poller or
// RaiseEvent queues the instance again, and it replays up to the same await.
//
// # Rules for orchestrators
//
//   - All I/O happens in activities; read time only through CurrentTime
//   - Return ErrSuspended unchanged, never treat it as a failure
//   - Changing the order or names of steps breaks replay of running
//     instances and fails them with NonDeterminismError
//
// # Storage
//
// The runtime shares the state store's SQLite handle. No rows or
// transactions are held open while an activity runs.
package durable
