package record

import (
	"fmt"
	"time"
)

// Operation identifies the kind of data-subject request.
type Operation string

const (
	// OperationDelete erases all data held for an identity.
	OperationDelete Operation = "DELETE"

	// OperationDownload exports all data held for an identity.
	OperationDownload Operation = "DOWNLOAD"
)

// Operations lists every supported operation in a stable order.
var Operations = []Operation{OperationDelete, OperationDownload}

// ParseOperation converts a case-sensitive operation name.
func ParseOperation(s string) (Operation, error) {
	switch Operation(s) {
	case OperationDelete, OperationDownload:
		return Operation(s), nil
	}
	return "", fmt.Errorf("unknown operation %q", s)
}

// Status is the lifecycle state of a processing record.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusWIP     Status = "WIP"
	StatusClosed  Status = "CLOSED"
	StatusFailed  Status = "FAILED"
	StatusAborted Status = "ABORTED"
)

// InFlight reports whether a request in this status still has work ahead of it.
func (s Status) InFlight() bool {
	return s == StatusPending || s == StatusWIP
}

// Terminal reports whether no orchestrator will move the record further.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusFailed
}

// Key identifies a request.
type Key struct {
	Operation Operation `json:"operation"`
	Identity  string    `json:"identity"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.Operation, k.Identity)
}

// Record is one version of a processing record.
//
// Version is monotonic per key. Seq is the global position assigned by the
// store when the version was appended; it orders the change feed and is zero
// for records that have not been written yet.
type Record struct {
	Operation Operation `json:"operation"`
	Identity  string    `json:"identity"`
	Status    Status    `json:"status"`
	Version   int64     `json:"version,omitempty"`
	Seq       int64     `json:"seq,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Reason    string    `json:"reason,omitempty"`
}

// Key returns the composite key of the record.
func (r Record) Key() Key {
	return Key{Operation: r.Operation, Identity: r.Identity}
}

// Next returns a copy of r moved to status with the given reason.
// Version, Seq and timestamps are assigned by the store on append.
func (r Record) Next(status Status, reason string) Record {
	next := r
	next.Status = status
	next.Reason = reason
	next.Seq = 0
	return next
}
