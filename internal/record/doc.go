// Package record defines the processing records that track data-subject
// requests.
//
// A processing record is keyed by (operation, identity). Storage is
// append-only: every status transition writes a new version and the current
// state of a request is the highest version for its key.
//
// # Lifecycle
//
//	PENDING -> WIP -> CLOSED | FAILED
//	PENDING -> ABORTED            (delete only, before WIP)
//	PENDING -> CLOSED             (delete aborted during grace period)
//	FAILED  -> FAILED             (recovery backfills the reason)
//
// At most one PENDING/WIP/ABORTED request is in flight per key. That rule is
// enforced by the dispatcher starting exactly one orchestration instance per
// key (see InstanceID), not by the store.
//
// # Decoding
//
// Records crossing the orchestration boundary are JSON. Decode validates the
// payload against an embedded CUE schema before unmarshalling so malformed
// input is rejected before any store write happens.
package record
