package models

var transitions = map[JobStatus][]JobStatus{
	StatusQueued:  {StatusRunning, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether a job may move from one status to another.
// A queued job may only be cancelled directly when cancellation was observed
// before it was claimed; terminal statuses have no outgoing transitions.
func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
