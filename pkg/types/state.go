package types

// transitions is the task state machine. Anything not listed is illegal.
var transitions = map[TaskStatus][]TaskStatus{
	StatusPending: {StatusQueued, StatusCancelled},
	StatusQueued:  {StatusRunning, StatusCancelled},
	StatusRunning: {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:  {StatusQueued, StatusCancelled},
	StatusFailed:  {StatusRetry},
	StatusRetry:   {StatusQueued},
}

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []TaskStatus{
	StatusPending, StatusQueued, StatusRunning, StatusPaused,
	StatusCompleted, StatusFailed, StatusCancelled, StatusRetry,
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to TaskStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the task has finished. Terminal tasks are the
// only ones that may be deleted.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsActive is the complement of IsTerminal.
func (s TaskStatus) IsActive() bool {
	return !s.IsTerminal()
}

// Claimable reports whether the scheduler may pick a task in this status.
func (s TaskStatus) Claimable() bool {
	return s == StatusPending || s == StatusQueued
}

func (s TaskStatus) String() string {
	return string(s)
}
