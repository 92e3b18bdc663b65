package election

import "fmt"

// FailoverState tracks the backup takeover progress for one session. The
// coordination layer runs no timer of its own; every step is driven by an
// explicit TriggerFailover call from the application that owns the
// external broadcast-confirmation signal.
type FailoverState struct {
	priority  []int
	attempt   int
	exhausted bool
}

// NewFailoverState builds a FailoverState from a priority list already
// computed by PriorityList, with the elected coordinator at index 0.
func NewFailoverState(priority []int) *FailoverState {
	return &FailoverState{priority: priority}
}

// CurrentCoordinator returns the index currently responsible for
// broadcasting the final signature.
func (f *FailoverState) CurrentCoordinator() int {
	return f.priority[f.attempt]
}

// Attempts returns how many failovers have occurred so far.
func (f *FailoverState) Attempts() int {
	return f.attempt
}

// Exhausted reports whether every backup in the priority list has been
// tried.
func (f *FailoverState) Exhausted() bool {
	return f.exhausted
}

// Trigger advances at most one step through the priority list. It returns
// the new coordinator index and whether the list is now exhausted. Calling
// Trigger again after exhaustion is a no-op that keeps returning exhausted.
func (f *FailoverState) Trigger() (next int, exhausted bool, err error) {
	if f.exhausted {
		return f.priority[f.attempt], true, nil
	}
	if f.attempt+1 >= len(f.priority) {
		f.exhausted = true
		return f.priority[f.attempt], true, nil
	}

	f.attempt++
	return f.priority[f.attempt], false, nil
}

// String renders the failover state for logging.
func (f *FailoverState) String() string {
	return fmt.Sprintf("coordinator=%d attempt=%d exhausted=%v", f.CurrentCoordinator(), f.attempt, f.exhausted)
}
