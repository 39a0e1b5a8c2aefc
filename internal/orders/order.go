// Package orders holds the order and position bookkeeping rules: intent
// validation, fill application and the netting policy.
package orders

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-oms/internal/types"
	"github.com/shopspring/decimal"
)

// NewID returns a fresh order identifier. IDs are never reused.
func NewID() string {
	return "ORD_" + uuid.New().String()
}

// Validate checks an intent without building an order.
func Validate(intent types.OrderIntent) error {
	if strings.TrimSpace(intent.Symbol) == "" {
		return invalid("symbol", "required")
	}
	if intent.Side != types.SideBuy && intent.Side != types.SideSell {
		return invalid("side", fmt.Sprintf("must be BUY or SELL, got %q", intent.Side))
	}
	if intent.FixedQuantity != nil && *intent.FixedQuantity <= 0 {
		return invalid("fixed_quantity", "must be positive")
	}
	if intent.EffectiveQuantity() <= 0 {
		return invalid("quantity", "must be positive")
	}

	switch intent.Kind {
	case types.KindMarket:
		if intent.LimitPrice != nil {
			return invalid("limit_price", "not allowed on MARKET orders")
		}
	case types.KindLimit:
		if intent.LimitPrice == nil {
			return invalid("limit_price", "required for LIMIT orders")
		}
		if !intent.LimitPrice.IsPositive() {
			return invalid("limit_price", "must be positive")
		}
	default:
		return invalid("kind", fmt.Sprintf("must be MARKET or LIMIT, got %q", intent.Kind))
	}

	ex := intent.Exits
	if ex.StopLoss != nil && !ex.StopLoss.IsPositive() {
		return invalid("stop_loss", "must be positive")
	}
	if ex.TakeProfit != nil && !ex.TakeProfit.IsPositive() {
		return invalid("take_profit", "must be positive")
	}
	if ex.TimeStopBars != nil && *ex.TimeStopBars <= 0 {
		return invalid("time_stop_bars", "must be positive")
	}
	if ex.TrailStep != nil && !ex.TrailStep.IsPositive() {
		return invalid("trail_step", "must be positive")
	}
	if f := ex.PartialExitFraction; f != nil && (*f < 0 || *f >= 1) {
		return invalid("partial_exit_fraction", "must be in [0, 1)")
	}
	return nil
}

// NewOrder validates the intent and builds an order in state NEW.
func NewOrder(intent types.OrderIntent, now time.Time) (*types.Order, error) {
	if err := Validate(intent); err != nil {
		return nil, err
	}
	qty := intent.EffectiveQuantity()
	return &types.Order{
		ID:           NewID(),
		Symbol:       strings.TrimSpace(intent.Symbol),
		Side:         intent.Side,
		Kind:         intent.Kind,
		Quantity:     qty,
		RemainingQty: qty,
		LimitPrice:   intent.LimitPrice,
		State:        types.StateNew,
		Strategy:     intent.Strategy,
		Exits:        intent.Exits,
		CloseReason:  intent.CloseReason,
		CreatedAt:    now,
		UpdatedAt:    now,
		Events:       []types.LifecycleEvent{},
	}, nil
}

// ApplyFill returns a copy of order with qty more units filled at price.
// The state is left to the lifecycle manager.
func ApplyFill(order types.Order, qty int64, price decimal.Decimal, now time.Time) (types.Order, error) {
	if qty <= 0 {
		return order, &InvariantViolation{OrderID: order.ID, Detail: fmt.Sprintf("non-positive fill quantity %d", qty)}
	}
	if !price.IsPositive() {
		return order, &InvariantViolation{OrderID: order.ID, Detail: "non-positive fill price " + price.String()}
	}
	if order.FilledQty+qty > order.Quantity {
		return order, &InvariantViolation{
			OrderID: order.ID,
			Detail:  fmt.Sprintf("fill of %d would exceed requested %d (filled %d)", qty, order.Quantity, order.FilledQty),
		}
	}

	out := order.Clone()
	total := decimal.NewFromInt(order.FilledQty + qty)
	notional := price.Mul(decimal.NewFromInt(qty))
	if order.AvgFillPrice != nil {
		notional = notional.Add(order.AvgFillPrice.Mul(decimal.NewFromInt(order.FilledQty)))
	}
	avg := notional.Div(total)
	out.AvgFillPrice = &avg
	out.FilledQty += qty
	out.RemainingQty = out.Quantity - out.FilledQty
	out.UpdatedAt = now
	return out, nil
}
