// Package dispatcher turns processing-record state changes into
// orchestration actions.
//
// Every record is classified by its (operation, status) shape against a
// fixed table: a PENDING request starts its workflow, an ABORTED delete
// raises the abort event on the running delete, and terminal FAILED and
// CLOSED versions keep the failed-request ledger in step. Anything else is
// skipped with a warning.
//
// Dispatch runs a batch concurrently across keys and in order within a key,
// returning one Outcome per record. A Follower feeds the dispatcher from
// the store change feed; a Sweeper starts recovery for failed requests on
// a schedule.
package dispatcher
