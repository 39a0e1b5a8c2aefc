// Package lifecycle is the order state machine. Every transition appends
// one event to the order's trail; terminal states accept no transitions.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/ksred/klear-oms/internal/orders"
	"github.com/ksred/klear-oms/internal/types"
)

// States lists every order state in lifecycle order.
var States = []types.OrderState{
	types.StateNew,
	types.StateSubmitted,
	types.StateOpen,
	types.StatePartiallyFilled,
	types.StateFilled,
	types.StateCancelled,
	types.StateRejected,
	types.StateError,
}

var transitions = map[types.OrderState][]types.OrderState{
	types.StateNew:       {types.StateSubmitted},
	types.StateSubmitted: {types.StateOpen, types.StateCancelled, types.StateRejected},
	types.StateOpen:      {types.StatePartiallyFilled, types.StateFilled, types.StateCancelled, types.StateRejected},
	// PARTIALLY_FILLED -> PARTIALLY_FILLED records an incremental fill.
	types.StatePartiallyFilled: {types.StatePartiallyFilled, types.StateOpen, types.StateFilled, types.StateCancelled, types.StateRejected},
}

// Terminal reports whether no further transition is permitted from s.
func Terminal(s types.OrderState) bool {
	switch s {
	case types.StateFilled, types.StateCancelled, types.StateRejected, types.StateError:
		return true
	}
	return false
}

// CanTransition is the legal-transition predicate.
func CanTransition(from, to types.OrderState) bool {
	if Terminal(from) || !known(from) || !known(to) {
		return false
	}
	if to == types.StateError {
		return true
	}
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// LegalTargets returns the states reachable from s in one step.
func LegalTargets(from types.OrderState) []types.OrderState {
	var out []types.OrderState
	for _, to := range States {
		if CanTransition(from, to) {
			out = append(out, to)
		}
	}
	return out
}

// Transition moves order to state to and records why. An illegal
// transition leaves the order untouched and returns an
// *orders.InvariantViolation.
func Transition(order *types.Order, to types.OrderState, message string, now time.Time) error {
	from := order.State
	if !CanTransition(from, to) {
		return &orders.InvariantViolation{
			OrderID: order.ID,
			Detail:  fmt.Sprintf("illegal transition %s -> %s (%s)", from, to, message),
		}
	}
	order.Events = append(order.Events, types.LifecycleEvent{
		Timestamp: now,
		From:      from,
		To:        to,
		Message:   message,
	})
	order.State = to
	order.UpdatedAt = now
	return nil
}

func known(s types.OrderState) bool {
	for _, k := range States {
		if k == s {
			return true
		}
	}
	return false
}
