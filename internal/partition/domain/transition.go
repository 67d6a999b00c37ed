package domain

import "fmt"

// Actor identifies the component requesting a state transition.
type Actor string

const (
	ActorGate       Actor = "quality_gate"
	ActorWriter     Actor = "warehouse_writer"
	ActorReconciler Actor = "reconciler"
	ActorLedger     Actor = "ledger"
)

var transitions = map[Status]map[Status][]Actor{
	StatusPending: {
		StatusValidated: {ActorGate},
		StatusRejected:  {ActorGate},
	},
	StatusValidated: {
		StatusCommitted: {ActorWriter},
		StatusRejected:  {ActorGate, ActorLedger},
	},
	StatusCommitted: {
		StatusReconciled: {ActorReconciler},
		StatusSuperseded: {ActorWriter},
	},
	StatusReconciled: {
		StatusSuperseded: {ActorWriter},
	},
}

// CheckTransition returns nil when actor may move an attempt from -> to.
func CheckTransition(from, to Status, actor Actor) error {
	allowed, ok := transitions[from][to]
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	for _, candidate := range allowed {
		if candidate == actor {
			return nil
		}
	}
	return fmt.Errorf("%w: %s may not move %s -> %s", ErrTransitionNotOwned, actor, from, to)
}
