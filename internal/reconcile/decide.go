package reconcile

import (
	"fmt"

	"github.com/ksred/klear-oms/internal/broker"
	"github.com/ksred/klear-oms/internal/lifecycle"
	"github.com/ksred/klear-oms/internal/types"
	"github.com/shopspring/decimal"
)

// Action is the repair Decide prescribes for one local order. The steps
// run in field order: advance, fill, close. A zero Action changes nothing.
type Action struct {
	// Advance moves a SUBMITTED order to OPEN.
	Advance bool
	// FillTo is the broker's cumulative filled quantity when it exceeds
	// the local one, with AvgPrice its cumulative average.
	FillTo   int64
	AvgPrice decimal.Decimal
	// Close is CANCELLED or REJECTED when the broker finished the order
	// without filling it completely.
	Close  types.OrderState
	Reason string
	// Discrepancy explains a mismatch that cannot be repaired this cycle.
	Discrepancy string
}

// Noop reports whether the action changes nothing.
func (a Action) Noop() bool {
	return !a.Advance && a.FillTo == 0 && a.Close == "" && a.Discrepancy == ""
}

// Decide maps a local order and its broker report (nil when the broker
// does not list the order) to a repair. It has no side effects, so the
// same inputs always give the same action and reapplying an already
// reconciled report yields a no-op.
func Decide(local types.Order, rep *broker.OrderReport) Action {
	if lifecycle.Terminal(local.State) {
		return Action{}
	}
	if rep == nil {
		return Action{Discrepancy: "order absent from broker order list"}
	}

	var a Action
	if rep.FilledQty > local.Quantity {
		return Action{Discrepancy: fmt.Sprintf("broker reports %d filled, order is for %d", rep.FilledQty, local.Quantity)}
	}
	switch {
	case rep.FilledQty > local.FilledQty:
		a.FillTo = rep.FilledQty
		a.AvgPrice = rep.AvgPrice
	case rep.FilledQty < local.FilledQty:
		a.Discrepancy = fmt.Sprintf("broker reports %d filled, %d booked locally", rep.FilledQty, local.FilledQty)
	}

	switch rep.Status {
	case broker.StatusOpen, broker.StatusPlaced:
		if local.State == types.StateSubmitted && a.FillTo == 0 {
			a.Advance = true
		}
	case broker.StatusPartial:
		if local.State == types.StateSubmitted && a.FillTo == 0 {
			a.Advance = true
		}
	case broker.StatusFilled:
		if rep.FilledQty < local.Quantity {
			a.Discrepancy = fmt.Sprintf("broker reports FILLED with %d of %d", rep.FilledQty, local.Quantity)
		}
	case broker.StatusCancelled:
		a.Close = types.StateCancelled
	case broker.StatusRejected:
		a.Close = types.StateRejected
		a.Reason = rep.Reason
		if a.Reason == "" {
			a.Reason = "rejected by broker"
		}
	default:
		a.Discrepancy = fmt.Sprintf("unknown broker status %q", rep.Status)
	}
	return a
}
