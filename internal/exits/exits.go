// Package exits holds the position exit managers. Each manager inspects an
// open position against a price and reports whether a closing order is
// due; none of them places orders.
package exits

import (
	"math"

	"github.com/ksred/klear-oms/internal/types"
	"github.com/shopspring/decimal"
)

const (
	ReasonTakeProfit   = "take profit"
	ReasonStopLoss     = "stop loss"
	ReasonPartialStop  = "stop loss partial exit"
	ReasonTrailingStop = "trailing stop"
	ReasonTimeStop     = "time stop"

	// Strategy tags closing intents generated here.
	Strategy = "exit_manager"
)

// Signal asks for a closing order.
type Signal struct {
	Symbol       string
	Side         types.Side
	Quantity     int64
	Reason       string
	TriggerPrice decimal.Decimal
	Partial      bool
	// Rearm is set on partial exits. It is applied to the position when
	// the closing order first fills.
	Rearm *Rearm
}

// Rearm is the trailing stop that takes over the remainder of a position
// after a partial stop exit. The stop sits one step beyond the breach
// price, so for a long it is below the stop that was breached; from there
// it only tightens.
type Rearm struct {
	TrailStep decimal.Decimal
	Extreme   decimal.Decimal
	Stop      decimal.Decimal
}

// Apply marks the partial exit as taken and installs the trailing stop.
func (r Rearm) Apply(pos *types.Position) {
	step, stop := r.TrailStep, r.Stop
	pos.PartialExitTaken = true
	pos.TrailStep = &step
	pos.ExtremePrice = r.Extreme
	pos.StopLoss = &stop
}

// Intent converts the signal into a MARKET closing intent.
func (s Signal) Intent() types.OrderIntent {
	return types.OrderIntent{
		Symbol:      s.Symbol,
		Side:        s.Side,
		Quantity:    s.Quantity,
		Kind:        types.KindMarket,
		Strategy:    Strategy,
		CloseReason: s.Reason,
	}
}

func closeAll(pos *types.Position, reason string, price decimal.Decimal) Signal {
	return Signal{
		Symbol:       pos.Symbol,
		Side:         closingSide(pos),
		Quantity:     pos.AbsQuantity(),
		Reason:       reason,
		TriggerPrice: price,
	}
}

func closingSide(pos *types.Position) types.Side {
	if pos.IsShort() {
		return types.SideBuy
	}
	return types.SideSell
}

// StopLoss fires when price crosses the active stop against the position.
// With a partial-exit fraction configured the first breach closes only
// that fraction and hands the remainder to the trailing stop.
type StopLoss struct {
	// DefaultTrailStep is used for the remainder when the position has
	// no trail step of its own.
	DefaultTrailStep *decimal.Decimal
}

// Breached reports whether price is through the stop.
func (StopLoss) Breached(pos *types.Position, price decimal.Decimal) bool {
	if pos.StopLoss == nil || pos.IsFlat() {
		return false
	}
	if pos.IsLong() {
		return price.LessThanOrEqual(*pos.StopLoss)
	}
	return price.GreaterThanOrEqual(*pos.StopLoss)
}

// Check returns the closing signal on breach. It does not modify pos; a
// partial exit carries the re-armed trailing stop in the signal.
func (m StopLoss) Check(pos *types.Position, price decimal.Decimal) (Signal, bool) {
	if !m.Breached(pos, price) {
		return Signal{}, false
	}

	reason := ReasonStopLoss
	if pos.TrailStep != nil {
		reason = ReasonTrailingStop
	}

	if pos.PartialExitFraction > 0 && !pos.PartialExitTaken {
		qty := partialQuantity(pos.AbsQuantity(), pos.PartialExitFraction)
		step := pos.TrailStep
		if step == nil {
			step = m.DefaultTrailStep
		}
		if qty < pos.AbsQuantity() && step != nil && step.IsPositive() {
			return Signal{
				Symbol:       pos.Symbol,
				Side:         closingSide(pos),
				Quantity:     qty,
				Reason:       ReasonPartialStop,
				TriggerPrice: price,
				Partial:      true,
				Rearm: &Rearm{
					TrailStep: *step,
					Extreme:   price,
					Stop:      trailCandidate(pos, price, *step),
				},
			}, true
		}
	}
	return closeAll(pos, reason, price), true
}

func partialQuantity(abs int64, fraction float64) int64 {
	qty := int64(math.Floor(float64(abs) * fraction))
	if qty < 1 {
		qty = 1
	}
	return qty
}

// TakeProfit always closes the full remaining position.
type TakeProfit struct{}

func (TakeProfit) Breached(pos *types.Position, price decimal.Decimal) bool {
	if pos.TakeProfit == nil || pos.IsFlat() {
		return false
	}
	if pos.IsLong() {
		return price.GreaterThanOrEqual(*pos.TakeProfit)
	}
	return price.LessThanOrEqual(*pos.TakeProfit)
}

func (m TakeProfit) Check(pos *types.Position, price decimal.Decimal) (Signal, bool) {
	if !m.Breached(pos, price) {
		return Signal{}, false
	}
	return closeAll(pos, ReasonTakeProfit, price), true
}

// Trailing ratchets the stop behind the best price seen since entry. The
// trail step is an absolute price amount. The stop only ever tightens.
type Trailing struct{}

// Update records a new extreme and tightens the stop. It reports whether
// the stop moved.
func (Trailing) Update(pos *types.Position, price decimal.Decimal) bool {
	if pos.TrailStep == nil || pos.IsFlat() || !price.IsPositive() {
		return false
	}

	improved := false
	switch {
	case pos.ExtremePrice.IsZero():
		pos.ExtremePrice = price
		improved = true
	case pos.IsLong() && price.GreaterThan(pos.ExtremePrice):
		pos.ExtremePrice = price
		improved = true
	case pos.IsShort() && price.LessThan(pos.ExtremePrice):
		pos.ExtremePrice = price
		improved = true
	}
	if !improved && pos.StopLoss != nil {
		return false
	}

	candidate := trailCandidate(pos, pos.ExtremePrice, *pos.TrailStep)
	if pos.StopLoss != nil && !tighter(pos, candidate, *pos.StopLoss) {
		return false
	}
	pos.StopLoss = &candidate
	return true
}

func trailCandidate(pos *types.Position, extreme, step decimal.Decimal) decimal.Decimal {
	if pos.IsShort() {
		return extreme.Add(step)
	}
	return extreme.Sub(step)
}

func tighter(pos *types.Position, candidate, current decimal.Decimal) bool {
	if pos.IsShort() {
		return candidate.LessThan(current)
	}
	return candidate.GreaterThan(current)
}

// TimeStop closes a position that has been held for its bar budget. It is
// only consulted on candle close.
type TimeStop struct{}

func (TimeStop) Check(pos *types.Position, price decimal.Decimal) (Signal, bool) {
	if pos.TimeStopBars == nil || pos.IsFlat() {
		return Signal{}, false
	}
	if pos.BarsHeld < *pos.TimeStopBars {
		return Signal{}, false
	}
	return closeAll(pos, ReasonTimeStop, price), true
}
