package queue

// allowedTargets lists the legal next states for each status. Terminal
// states have none.
func allowedTargets(from Status) []Status {
	switch from {
	case StatusScheduled:
		return []Status{StatusStart, StatusHold, StatusPause, StatusCancel, StatusNoShow}
	case StatusStart:
		return []Status{StatusCompleted, StatusHold, StatusPause, StatusCancel}
	case StatusHold:
		return []Status{StatusStart, StatusScheduled, StatusCancel, StatusNoShow}
	case StatusPause:
		return []Status{StatusStart, StatusScheduled, StatusCancel}
	case StatusCompleted, StatusCancel, StatusNoShow:
		return nil
	}
	return nil
}

// CanTransition reports whether from -> to is an edge of the state machine.
// A same-status request is not an edge; callers treat it as a notes update.
func CanTransition(from, to Status) bool {
	for _, s := range allowedTargets(from) {
		if s == to {
			return true
		}
	}
	return false
}
