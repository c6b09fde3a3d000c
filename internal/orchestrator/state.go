package orchestrator

import "github.com/yairfalse/taginventory/pkg/resource"

// State is a step of the run state machine.
type State string

const (
	StateStart           State = "Start"
	StateFanOutSearch    State = "FanOutSearch"
	StateAwaitAllRegions State = "AwaitAllRegions"
	StateMerge           State = "Merge"
	StateWrite           State = "Write"
	StateSucceeded       State = "Succeeded"
	StatePartialFailure  State = "PartialFailure"
	StateFailed          State = "Failed"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StatePartialFailure, StateFailed:
		return true
	default:
		return false
	}
}

// terminalState maps a published status onto its terminal state.
func terminalState(status resource.RunStatus) State {
	switch status {
	case resource.StatusSucceeded:
		return StateSucceeded
	case resource.StatusPartialFailure:
		return StatePartialFailure
	default:
		return StateFailed
	}
}

// Branch states recorded in checkpoints.
const (
	branchPending   = "pending"
	branchRunning   = "running"
	branchSucceeded = "succeeded"
	branchFailed    = "failed"
)
