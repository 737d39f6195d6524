package contract

// transitions is the authoritative edge list of the settlement state machine.
// Role guards layer on top of this in the lifecycle engine; this table only
// answers whether an edge exists at all.
var transitions = map[Status][]Status{
	StatusSent:              {StatusAwaitingDeposit},
	StatusAwaitingDeposit:   {StatusPendingAcceptance},
	StatusPendingAcceptance: {StatusAccepted, StatusRejected},
	StatusAccepted:          {StatusInProgress, StatusCompleted, StatusInDispute},
	StatusInProgress:        {StatusCompleted, StatusInDispute},
	StatusCompleted:         {StatusInDispute},
	StatusInDispute:         {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether from -> to is an edge of the state graph.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible. in_dispute
// escapes through resolution, so completed contracts are terminal only until
// a participant disputes them.
func Terminal(s Status) bool {
	switch s {
	case StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status value.
func Valid(s Status) bool {
	switch s {
	case StatusSent, StatusAwaitingDeposit, StatusPendingAcceptance,
		StatusAccepted, StatusRejected, StatusInProgress,
		StatusCompleted, StatusCancelled, StatusInDispute:
		return true
	}
	return false
}
