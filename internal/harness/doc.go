// Package harness runs workflow scenarios against the real runtime.
//
// A scenario appends processing-record versions, feeds the change feed to
// the dispatcher, moves the clock, sweeps failed requests and restarts the
// runtime. Every activity attempt is recorded; the resulting trace, the
// dispatcher outcomes, the record history and the instance results are
// then checked by assertions and compared against a golden snapshot.
//
// # Scenario Format
//
//	name: delete_all_succeed
//	description: "What this scenario validates"
//	config:
//	  grace_period: 24h
//	  instant_delete: [F9]
//	profiles:
//	  F1: f1@example.com
//	collaborators:
//	  unlock: [500]
//	  failure_reasons: {F2: R}
//	flow:
//	  - append: {operation: DELETE, identity: F1, status: PENDING}
//	  - dispatch: true
//	  - advance: 24h
//	  - sweep: true
//	  - restart: true
//	assertions:
//	  - type: trace_order
//	    instance: delete:F1
//	    actions: [SessionLock(LOCK), Delete, SessionLock(UNLOCK)]
//	  - type: final_state
//	    table: current_records
//	    where: {operation: DELETE, identity: F1}
//	    expect: {status: CLOSED}
//
// # Assertion Types
//
//   - trace_contains: Verifies a call appears in the trace
//   - trace_order: Verifies calls appear in specified order
//   - trace_count: Verifies a call appears exactly N times, counting every attempt
//   - final_state: Queries a table or view and verifies expected values, or that no row matches
//   - result: Verifies the rendered result of an instance
//
// Calls are rendered as Name or Name(Detail), with "!" marking a failed
// attempt; "SessionLock(UNLOCK)" also matches a failed unlock.
//
// # Deterministic Testing
//
// Scenarios run on a manual clock starting at testutil.Epoch, with a
// fresh database per scenario and the dispatcher limited to one key at a
// time, so traces are identical across runs.
package harness
