package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/ksred/klear-oms/internal/broker"
	"github.com/ksred/klear-oms/internal/exits"
	"github.com/ksred/klear-oms/internal/guardian"
	"github.com/ksred/klear-oms/internal/lifecycle"
	"github.com/ksred/klear-oms/internal/types"
)

var _ Engine = (*Live)(nil)

// Live places orders with a broker adapter. After a successful placement
// an order stays OPEN until reconciliation reports its fate.
type Live struct {
	*book
	adapter broker.Adapter
	guard   guardian.Validator
	retry   broker.RetryPolicy
}

// NewLive creates a live engine. A nil guard allows everything.
func NewLive(cfg Config, deps Deps, adapter broker.Adapter, guard guardian.Validator, retry broker.RetryPolicy) *Live {
	if guard == nil {
		guard = guardian.AllowAll
	}
	l := &Live{
		book:    newBook(ModeLive, cfg, deps),
		adapter: adapter,
		guard:   guard,
		retry:   retry,
	}
	l.logger = l.logger.With().Str("broker", adapter.Name()).Logger()
	return l
}

// Broker returns the adapter orders are routed to.
func (l *Live) Broker() broker.Adapter {
	return l.adapter
}

func (l *Live) PlaceOrder(ctx context.Context, intent types.OrderIntent) (*types.Order, error) {
	ob := l.begin()
	o, err := l.admit(ob, intent)
	if err != nil {
		l.end(ctx, ob)
		return nil, err
	}
	id := o.ID
	payload := o.Clone()
	snap := l.marks[o.Symbol]
	l.end(ctx, ob)

	if lifecycle.Terminal(payload.State) {
		return &payload, nil
	}

	if d := l.guard.Validate(ctx, intent, snap); !d.Allow {
		return l.finish(ctx, id, func(ob *outbox, o *types.Order) {
			l.move(ob, o, types.StateRejected, "Guardian blocked: "+d.Reason)
		})
	}

	logger := l.logger.With().Str("order_id", id).Str("symbol", payload.Symbol).Logger()
	var stale []types.Order
	var placement broker.Placement
	attempts, err := l.retry.Do(ctx, func(int) error {
		var perr error
		placement, perr = l.adapter.PlaceOrder(ctx, &payload)
		return perr
	}, func(attempt int, err error, wait time.Duration) {
		logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("transient broker error, retrying")
	})

	out, ferr := l.finish(ctx, id, func(ob *outbox, o *types.Order) {
		if lifecycle.Terminal(o.State) {
			logger.Warn().Str("state", string(o.State)).Msg("order finished locally during placement")
			return
		}
		switch {
		case err == nil:
			o.BrokerOrderID = placement.BrokerOrderID
			l.move(ob, o, types.StateOpen, fmt.Sprintf("placed with %s as %s", l.adapter.Name(), placement.BrokerOrderID))
			logger.Info().Str("broker_order_id", placement.BrokerOrderID).Int("attempts", attempts).Msg("order placed")
			if o.CloseReason != "" {
				for _, s := range l.superseded(o) {
					stale = append(stale, s.Clone())
				}
			}
		case broker.IsTransient(err):
			l.move(ob, o, types.StateRejected, fmt.Sprintf("Broker unavailable after %d attempts: %s", attempts, broker.Reason(err)))
		default:
			l.move(ob, o, types.StateRejected, "Broker rejected: "+broker.Reason(err))
		}
	})
	l.cancelSuperseded(ctx, id, stale)
	return out, ferr
}

// cancelSuperseded asks the broker to cancel working entry orders that
// would reduce the position under an accepted exit.
func (l *Live) cancelSuperseded(ctx context.Context, exitID string, stale []types.Order) {
	for _, o := range stale {
		logger := l.logger.With().Str("order_id", o.ID).Str("exit_order_id", exitID).Logger()
		if _, err := l.CancelOrder(ctx, o.ID); err != nil {
			logger.Warn().Err(err).Msg("superseded order not cancelled")
			continue
		}
		logger.Info().Msg("superseded order cancel requested")
	}
}

// finish re-locks the tables and applies fn to the order if it is still
// tracked.
func (l *Live) finish(ctx context.Context, orderID string, fn func(*outbox, *types.Order)) (*types.Order, error) {
	ob := l.begin()
	defer l.end(ctx, ob)

	o, ok := l.orders[orderID]
	if !ok {
		if a, ok := l.archived[orderID]; ok {
			out := a.Clone()
			return &out, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	fn(ob, o)
	out := o.Clone()
	return &out, nil
}

func (l *Live) UpdatePositions(ctx context.Context, snaps map[string]types.MarketSnapshot) []types.Order {
	if obs, ok := l.adapter.(broker.PriceObserver); ok {
		for _, sym := range sortedKeys(snaps) {
			snap := snaps[sym]
			if snap.Symbol == "" {
				snap.Symbol = sym
			}
			obs.ObservePrice(snap)
		}
	}

	signals := func() []exits.Signal {
		ob := l.begin()
		defer l.end(ctx, ob)
		return l.markPrices(ob, snaps)
	}()
	return l.placeExits(ctx, signals, l.PlaceOrder)
}

func (l *Live) OnCandleClose(ctx context.Context, candle types.CandleClose) []types.Order {
	signals := func() []exits.Signal {
		ob := l.begin()
		defer l.end(ctx, ob)
		return l.candleSignals(candle)
	}()
	return l.placeExits(ctx, signals, l.PlaceOrder)
}

// CancelOrder asks the broker to cancel. The local order changes state
// only when reconciliation observes the cancellation.
func (l *Live) CancelOrder(ctx context.Context, orderID string) (*types.Order, error) {
	ob := l.begin()
	o, err := l.lookupForCancel(orderID)
	if err == nil && o.BrokerOrderID == "" {
		err = fmt.Errorf("%w: %s", ErrOrderInFlight, orderID)
	}
	var snapshot types.Order
	if err == nil {
		snapshot = o.Clone()
	}
	l.end(ctx, ob)
	if err != nil {
		return nil, err
	}

	_, err = l.retry.Do(ctx, func(int) error {
		return l.adapter.CancelOrder(ctx, snapshot.BrokerOrderID)
	}, nil)
	if err != nil {
		return &snapshot, fmt.Errorf("cancel %s: %w", orderID, err)
	}
	l.logger.Info().Str("order_id", orderID).Str("broker_order_id", snapshot.BrokerOrderID).Msg("cancel requested")
	return &snapshot, nil
}
