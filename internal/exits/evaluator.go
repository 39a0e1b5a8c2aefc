package exits

import (
	"github.com/ksred/klear-oms/internal/types"
	"github.com/shopspring/decimal"
)

// Evaluator runs the managers in their fixed order: take-profit, then
// stop-loss, then (on candle close only) time-stop. At most one signal is
// produced per position per cycle.
type Evaluator struct {
	takeProfit TakeProfit
	stopLoss   StopLoss
	trailing   Trailing
	timeStop   TimeStop
}

// NewEvaluator builds an evaluator. defaultTrailStep may be nil.
func NewEvaluator(defaultTrailStep *decimal.Decimal) *Evaluator {
	return &Evaluator{stopLoss: StopLoss{DefaultTrailStep: defaultTrailStep}}
}

// OnTick advances the trailing stop and checks price exits. pos is
// modified in place.
func (e *Evaluator) OnTick(pos *types.Position, price decimal.Decimal) (Signal, bool) {
	if pos.IsFlat() || pos.ExitPending {
		return Signal{}, false
	}
	e.trailing.Update(pos, price)
	return e.priceExits(pos, price)
}

// OnCandle counts the bar and checks every exit, time-stop last. The
// position's last price is used as the market price.
func (e *Evaluator) OnCandle(pos *types.Position) (Signal, bool) {
	if pos.IsFlat() {
		return Signal{}, false
	}
	pos.BarsHeld++
	if pos.ExitPending || !pos.LastPrice.IsPositive() {
		return Signal{}, false
	}
	if sig, ok := e.priceExits(pos, pos.LastPrice); ok {
		return sig, true
	}
	return e.timeStop.Check(pos, pos.LastPrice)
}

func (e *Evaluator) priceExits(pos *types.Position, price decimal.Decimal) (Signal, bool) {
	if sig, ok := e.takeProfit.Check(pos, price); ok {
		return sig, true
	}
	return e.stopLoss.Check(pos, price)
}
