package execution

import (
	"context"
	"fmt"

	"github.com/ksred/klear-oms/internal/broker"
	"github.com/ksred/klear-oms/internal/events"
	"github.com/ksred/klear-oms/internal/lifecycle"
	"github.com/ksred/klear-oms/internal/types"
	"github.com/shopspring/decimal"
)

// The methods below are the repair primitives used by reconciliation.
// Each re-checks the order under the table lock, so applying the same
// broker report twice changes nothing the second time.

// PlacedOrders returns the working orders that the broker has
// acknowledged.
func (b *book) PlacedOrders() []types.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []types.Order
	for _, o := range b.activeOrders() {
		if o.BrokerOrderID != "" {
			out = append(out, o.Clone())
		}
	}
	return out
}

// AdvanceToOpen moves a SUBMITTED order to OPEN.
func (b *book) AdvanceToOpen(ctx context.Context, orderID, msg string) bool {
	ob := b.begin()
	defer b.end(ctx, ob)
	o, ok := b.orders[orderID]
	if !ok || o.State != types.StateSubmitted {
		return false
	}
	return b.move(ob, o, types.StateOpen, msg) == nil
}

// ReconcileFill brings the order up to the broker's cumulative fill. Only
// the delta beyond the locally filled quantity is applied, priced so the
// order's average matches the broker's.
func (b *book) ReconcileFill(ctx context.Context, orderID string, cumQty int64, cumAvg decimal.Decimal) (bool, error) {
	ob := b.begin()
	defer b.end(ctx, ob)

	o, ok := b.orders[orderID]
	if !ok {
		return false, nil
	}
	delta := cumQty - o.FilledQty
	if delta <= 0 {
		if delta < 0 {
			b.logger.Warn().
				Str("order_id", orderID).
				Int64("broker_filled", cumQty).
				Int64("local_filled", o.FilledQty).
				Msg("broker reports fewer fills than booked locally")
		}
		return false, nil
	}

	if o.State == types.StateSubmitted {
		if err := b.move(ob, o, types.StateOpen, "broker reports fills"); err != nil {
			return false, err
		}
	}
	if err := b.applyFill(ob, o, delta, deltaPrice(o, cumQty, cumAvg), " (reconciled)"); err != nil {
		return false, err
	}
	return true, nil
}

// deltaPrice is the price of the unbooked fills implied by the broker's
// cumulative average.
func deltaPrice(o *types.Order, cumQty int64, cumAvg decimal.Decimal) decimal.Decimal {
	if o.FilledQty == 0 || o.AvgFillPrice == nil {
		return cumAvg
	}
	delta := decimal.NewFromInt(cumQty - o.FilledQty)
	booked := o.AvgFillPrice.Mul(decimal.NewFromInt(o.FilledQty))
	p := cumAvg.Mul(decimal.NewFromInt(cumQty)).Sub(booked).Div(delta)
	if !p.IsPositive() {
		return cumAvg
	}
	return p
}

// CloseFromBroker moves a working order to CANCELLED or REJECTED as
// reported by the broker. Rejections also raise a risk alert.
func (b *book) CloseFromBroker(ctx context.Context, orderID string, to types.OrderState, reason string) (bool, error) {
	if to != types.StateCancelled && to != types.StateRejected {
		return false, fmt.Errorf("unsupported broker close state %s", to)
	}
	ob := b.begin()
	defer b.end(ctx, ob)

	o, ok := b.orders[orderID]
	if !ok || lifecycle.Terminal(o.State) {
		return false, nil
	}
	msg := "cancelled by broker"
	if to == types.StateRejected {
		msg = "Broker rejected: " + reason
	}
	if err := b.move(ob, o, to, msg); err != nil {
		return false, err
	}
	if to == types.StateRejected {
		payload := orderPayload(o)
		payload["reason"] = reason
		b.publish(ob, events.RiskAlert, payload)
	}
	return true, nil
}

// HasWorkingOrders reports whether symbol has non-terminal orders.
func (b *book) HasWorkingOrders(symbol string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, o := range b.orders {
		if o.Symbol == symbol {
			return true
		}
	}
	return false
}

// SyncPosition replaces the local position with the broker's when their
// quantities differ. Exit parameters are not carried over. It is skipped
// while the symbol still has working orders.
func (b *book) SyncPosition(ctx context.Context, rep broker.PositionReport) bool {
	ob := b.begin()
	defer b.end(ctx, ob)

	for _, o := range b.orders {
		if o.Symbol == rep.Symbol {
			return false
		}
	}
	local := b.positions[rep.Symbol]
	var localQty int64
	if local != nil {
		localQty = local.Quantity
	}
	if localQty == rep.SignedQty {
		return false
	}

	now := b.now()
	if local != nil {
		b.closedRealized = b.closedRealized.Add(local.RealizedPnL)
		delete(b.positions, rep.Symbol)
	}
	payload := map[string]any{
		"symbol":       rep.Symbol,
		"local_qty":    localQty,
		"broker_qty":   rep.SignedQty,
		"broker_price": rep.AvgPrice.String(),
	}

	if rep.SignedQty != 0 {
		pos := &types.Position{
			Symbol:        rep.Symbol,
			Quantity:      rep.SignedQty,
			AvgEntryPrice: rep.AvgPrice,
			LastPrice:     rep.AvgPrice,
			ExtremePrice:  rep.AvgPrice,
			OpenedAt:      now,
			UpdatedAt:     now,
		}
		if mark, ok := b.marks[rep.Symbol]; ok && mark.LastTradedPrice.IsPositive() {
			pos.LastPrice = mark.LastTradedPrice
		}
		pos.UnrealizedPnL = pos.LastPrice.Sub(pos.AvgEntryPrice).Mul(decimal.NewFromInt(pos.Quantity))
		b.positions[rep.Symbol] = pos
	}

	b.logger.Warn().
		Str("symbol", rep.Symbol).
		Int64("local_qty", localQty).
		Int64("broker_qty", rep.SignedQty).
		Msg("position rebuilt from broker")
	b.publish(ob, events.PositionSynced, payload)
	return true
}
