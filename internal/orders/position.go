package orders

import (
	"fmt"
	"time"

	"github.com/ksred/klear-oms/internal/types"
	"github.com/shopspring/decimal"
)

// ExposurePolicy decides which intents may open or add exposure. Netting
// across a reversal is never allowed: a position must reach flat before
// the opposite direction can be opened.
type ExposurePolicy struct {
	AllowShort bool
}

// CheckExposure validates intent against the current position (nil when
// flat).
func (p ExposurePolicy) CheckExposure(pos *types.Position, intent types.OrderIntent) error {
	qty := intent.EffectiveQuantity()
	signed := intent.Side.Sign() * qty

	if pos == nil || pos.IsFlat() {
		if intent.Side == types.SideSell && !p.AllowShort {
			return invalid("side", "short selling is disabled; SELL requires an open long position")
		}
		return nil
	}
	if (pos.Quantity > 0) == (signed > 0) {
		return nil
	}
	if qty > pos.AbsQuantity() {
		return invalid("quantity", fmt.Sprintf(
			"would reverse position in %s (open %d, order %s %d); close it first",
			pos.Symbol, pos.Quantity, intent.Side, qty))
	}
	return nil
}

// ApplyFillToPosition returns the position after qty units of order were
// filled at price. pos may be nil or flat, in which case a new position is
// opened and seeded with the order's exit parameters.
func ApplyFillToPosition(pos *types.Position, order *types.Order, qty int64, price decimal.Decimal, now time.Time) (types.Position, error) {
	if qty <= 0 {
		return types.Position{}, &InvariantViolation{OrderID: order.ID, Detail: "non-positive position fill"}
	}
	signed := order.Side.Sign() * qty

	if pos == nil || pos.IsFlat() {
		return openPosition(order, signed, price, now), nil
	}

	out := pos.Clone()
	out.UpdatedAt = now
	q := decimal.NewFromInt(qty)

	if (out.Quantity > 0) == (signed > 0) {
		// Adding to exposure: reweight the entry price.
		held := decimal.NewFromInt(out.AbsQuantity())
		out.AvgEntryPrice = out.AvgEntryPrice.Mul(held).Add(price.Mul(q)).Div(held.Add(q))
		out.Quantity += signed
		seedExits(&out, order)
		return out, nil
	}

	if qty > out.AbsQuantity() {
		return types.Position{}, &InvariantViolation{
			OrderID: order.ID,
			Detail:  fmt.Sprintf("fill of %d would reverse position %d in %s", qty, out.Quantity, out.Symbol),
		}
	}

	delta := price.Sub(out.AvgEntryPrice)
	if out.IsShort() {
		delta = delta.Neg()
	}
	out.RealizedPnL = out.RealizedPnL.Add(delta.Mul(q))
	out.Quantity += signed
	if out.IsFlat() {
		out.UnrealizedPnL = decimal.Zero
		out.ClosedAt = now
	} else {
		out.UnrealizedPnL = UnrealizedPnL(&out, out.LastPrice)
	}
	return out, nil
}

// UnrealizedPnL marks pos to price.
func UnrealizedPnL(pos *types.Position, price decimal.Decimal) decimal.Decimal {
	if pos.IsFlat() || price.IsZero() {
		return decimal.Zero
	}
	return price.Sub(pos.AvgEntryPrice).Mul(decimal.NewFromInt(pos.Quantity))
}

func openPosition(order *types.Order, signed int64, price decimal.Decimal, now time.Time) types.Position {
	pos := types.Position{
		Symbol:        order.Symbol,
		Quantity:      signed,
		AvgEntryPrice: price,
		LastPrice:     price,
		ExtremePrice:  price,
		OpenedAt:      now,
		UpdatedAt:     now,
	}
	seedExits(&pos, order)
	return pos
}

// seedExits copies exit parameters the position does not have yet. They
// are immutable once set; the stop may later move through trailing only.
func seedExits(pos *types.Position, order *types.Order) {
	ex := order.Exits
	if pos.StopLoss == nil && ex.StopLoss != nil {
		v := *ex.StopLoss
		pos.StopLoss = &v
	}
	if pos.TakeProfit == nil && ex.TakeProfit != nil {
		v := *ex.TakeProfit
		pos.TakeProfit = &v
	}
	if pos.TimeStopBars == nil && ex.TimeStopBars != nil {
		n := *ex.TimeStopBars
		pos.TimeStopBars = &n
	}
	if pos.TrailStep == nil && ex.TrailStep != nil {
		v := *ex.TrailStep
		pos.TrailStep = &v
	}
	if ex.PartialExitFraction != nil {
		pos.PartialExitFraction = *ex.PartialExitFraction
	}
}
