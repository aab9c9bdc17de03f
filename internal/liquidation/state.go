package liquidation

import "fmt"

// State tracks the progress of one liquidation attempt.
type State int32

const (
	StateNone State = iota
	StateChecked
	StateSeized
	StateDebtRepaid
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "None"
	case StateChecked:
		return "Checked"
	case StateSeized:
		return "Seized"
	case StateDebtRepaid:
		return "DebtRepaid"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

var validTransitions = map[State][]State{
	StateNone:       {StateChecked},
	StateChecked:    {StateSeized},
	StateSeized:     {StateDebtRepaid},
	StateDebtRepaid: {StateClosed},
}

// CanTransitionTo validates state transitions
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// advance moves the attempt forward. An invalid transition is a bug in the
// engine, not a user error.
func (a *attempt) advance(next State) {
	if !a.state.CanTransitionTo(next) {
		panic(fmt.Sprintf("liquidation %s: invalid transition %s -> %s", a.id, a.state, next))
	}
	a.state = next
}
