package execution

import (
	"context"

	"github.com/ksred/klear-oms/internal/exits"
	"github.com/ksred/klear-oms/internal/types"
	"github.com/shopspring/decimal"
)

var _ Engine = (*Paper)(nil)

// Paper fills every order locally through the fill engine against the
// latest snapshot. It never contacts an external system.
type Paper struct {
	*book
}

// NewPaper creates a paper engine. With the default fill configuration
// every fill is exact and immediate.
func NewPaper(cfg Config, deps Deps) *Paper {
	return &Paper{book: newBook(ModePaper, cfg, deps)}
}

func (p *Paper) PlaceOrder(ctx context.Context, intent types.OrderIntent) (*types.Order, error) {
	ob := p.begin()
	defer p.end(ctx, ob)

	o, err := p.admit(ob, intent)
	if err != nil {
		return nil, err
	}
	if o.CloseReason != "" {
		for _, stale := range p.superseded(o) {
			p.move(ob, stale, types.StateCancelled, "cancelled: superseded by "+o.CloseReason+" exit")
		}
	}
	if err := p.move(ob, o, types.StateOpen, "accepted by paper engine"); err == nil {
		if snap, ok := p.marks[o.Symbol]; ok {
			p.tryFill(ob, o, snap)
		}
	}
	out := o.Clone()
	return &out, nil
}

// tryFill asks the fill engine for a fill. A latency-delayed fill is
// parked until a later tick reaches its effective time.
func (p *Paper) tryFill(ob *outbox, o *types.Order, snap types.MarketSnapshot) {
	if _, parked := p.pendingFills[o.ID]; parked {
		return
	}
	now := p.now()
	res, err := p.fills.Evaluate(o, snap, now)
	if err != nil {
		p.logger.Debug().Err(err).Str("order_id", o.ID).Msg("no fill price")
		return
	}
	if !res.Fillable {
		return
	}
	if res.EffectiveAt.After(now) {
		p.pendingFills[o.ID] = res
		return
	}
	p.fill(ob, o, res.Quantity, res.Price, "")
}

// fill books a fill unless the position moved since the order was
// admitted and the fill would now open forbidden exposure. Such an order
// is cancelled with its remainder.
func (p *Paper) fill(ob *outbox, o *types.Order, qty int64, price decimal.Decimal, note string) {
	if err := p.fillConflict(o, qty); err != nil {
		p.logger.Warn().Err(err).Str("order_id", o.ID).Int64("fill_qty", qty).Msg("fill would breach exposure policy")
		p.move(ob, o, types.StateCancelled, "cancelled: "+err.Error())
		return
	}
	p.applyFill(ob, o, qty, price, note)
}

func (p *Paper) UpdatePositions(ctx context.Context, snaps map[string]types.MarketSnapshot) []types.Order {
	signals := func() []exits.Signal {
		ob := p.begin()
		defer p.end(ctx, ob)

		now := p.now()
		for _, o := range p.activeOrders() {
			snap, ok := snaps[o.Symbol]
			if !ok {
				continue
			}
			if res, parked := p.pendingFills[o.ID]; parked {
				if now.Before(res.EffectiveAt) {
					continue
				}
				delete(p.pendingFills, o.ID)
				p.fill(ob, o, res.Quantity, res.Price, " after latency")
				continue
			}
			if o.State == types.StateOpen || o.State == types.StatePartiallyFilled {
				p.tryFill(ob, o, snap)
			}
		}
		return p.markPrices(ob, snaps)
	}()
	return p.placeExits(ctx, signals, p.PlaceOrder)
}

func (p *Paper) OnCandleClose(ctx context.Context, candle types.CandleClose) []types.Order {
	signals := func() []exits.Signal {
		ob := p.begin()
		defer p.end(ctx, ob)
		return p.candleSignals(candle)
	}()
	return p.placeExits(ctx, signals, p.PlaceOrder)
}

// CancelOrder cancels a working order immediately. The unfilled remainder
// stays on the order as its frozen remaining quantity.
func (p *Paper) CancelOrder(ctx context.Context, orderID string) (*types.Order, error) {
	ob := p.begin()
	defer p.end(ctx, ob)

	o, err := p.lookupForCancel(orderID)
	if err != nil {
		return nil, err
	}
	if err := p.move(ob, o, types.StateCancelled, "cancelled by request"); err != nil {
		return nil, err
	}
	out := o.Clone()
	return &out, nil
}
