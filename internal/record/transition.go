package record

// transitions lists the status changes an orchestrator may write, per
// operation. The store does not consult this table; orchestrators and intake
// do, and tests use it to check traces.
var transitions = map[Operation]map[Status][]Status{
	OperationDelete: {
		StatusPending: {StatusWIP, StatusAborted, StatusClosed, StatusFailed},
		StatusAborted: {StatusClosed, StatusFailed},
		StatusWIP:     {StatusClosed, StatusFailed},
		// Feed update runs after CLOSED and can still fail the request.
		StatusClosed: {StatusFailed, StatusPending},
		StatusFailed: {StatusFailed, StatusPending},
	},
	OperationDownload: {
		StatusPending: {StatusWIP, StatusFailed},
		StatusWIP:     {StatusClosed, StatusFailed},
		StatusClosed:  {StatusPending},
		StatusFailed:  {StatusFailed, StatusPending},
	},
}

// CanTransition reports whether a record of operation op may move from one
// status to another. An empty from means no record exists yet, in which case
// only PENDING is allowed.
func CanTransition(op Operation, from, to Status) bool {
	if from == "" {
		return to == StatusPending
	}
	for _, s := range transitions[op][from] {
		if s == to {
			return true
		}
	}
	return false
}
