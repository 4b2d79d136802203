package reconciler

import (
	"fmt"
)

type StateString string

const (
	StateUnapplied StateString = "unapplied"
	StateVerifying StateString = "verifying"
	StateLinking   StateString = "linking"
	StateMounting  StateString = "mounting"
	StateApplied   StateString = "applied"
	StateSkipped   StateString = "skipped"
	StateFailed    StateString = "failed"
)

// EntryState tracks the lifecycle of a single rule during a pass. Applied
// and Skipped re-enter Verifying on the next invocation, which is what makes
// repeated passes no-ops instead of errors.
type EntryState struct {
	State StateString
}

func (s *EntryState) Transition(old StateString, new StateString) error {
	return s.State.transition(old, new)
}

func (s *StateString) transition(old StateString, new StateString) error {
	if *s != old {
		return fmt.Errorf("mismatched state: %s (expecting: %v)", *s, old)
	}

	switch *s {
	case StateUnapplied:
		if new == StateVerifying {
			break
		}
		return transitionErr(*s, new)

	case StateVerifying:
		switch new {
		case StateLinking, StateMounting, StateApplied, StateSkipped, StateFailed:
		default:
			return transitionErr(*s, new)
		}

	case StateLinking, StateMounting:
		if new == StateApplied || new == StateFailed {
			break
		}
		return transitionErr(*s, new)

	case StateApplied:
		// Failed covers ownership enforcement going wrong after the
		// link or mount itself succeeded.
		if new == StateVerifying || new == StateFailed {
			break
		}
		return transitionErr(*s, new)

	case StateSkipped:
		if new == StateVerifying {
			break
		}
		return transitionErr(*s, new)

	case StateFailed:
		return transitionErr(*s, new)

	default:
		return transitionErr(*s, new)
	}

	*s = new
	return nil
}

func transitionErr(from StateString, to StateString) error {
	return fmt.Errorf("cannot transition from state %v to %v", from, to)
}
