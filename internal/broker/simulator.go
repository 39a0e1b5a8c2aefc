package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ksred/klear-oms/internal/fill"
	"github.com/ksred/klear-oms/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var (
	_ Adapter       = (*Simulator)(nil)
	_ PriceObserver = (*Simulator)(nil)
)

// ErrUnknownOrder is returned for broker order IDs the simulator never
// issued.
var ErrUnknownOrder = errors.New("unknown broker order")

type simOrder struct {
	order  types.Order
	report OrderReport
}

// Simulator is an in-memory broker of record. It fills marketable orders
// against the last observed price and keeps its own positions, so local
// bookkeeping can be reconciled against it exactly as against a real
// broker. Order statuses may also be scripted.
type Simulator struct {
	mu        sync.Mutex
	fills     *fill.Engine
	seq       int
	orders    map[string]*simOrder
	positions map[string]PositionReport
	prices    map[string]types.MarketSnapshot

	placeErrs []error
	pollErrs  []error
	placed    int
	hidden    map[string]bool

	logger zerolog.Logger
}

// NewSimulator creates a simulator pricing fills with engine. A nil
// engine disables automatic fills.
func NewSimulator(engine *fill.Engine) *Simulator {
	return &Simulator{
		fills:     engine,
		orders:    make(map[string]*simOrder),
		positions: make(map[string]PositionReport),
		prices:    make(map[string]types.MarketSnapshot),
		hidden:    make(map[string]bool),
		logger:    log.With().Str("component", "sim_broker").Logger(),
	}
}

func (s *Simulator) Name() string {
	return "simulator"
}

// FailNextPlace queues errors returned by the next PlaceOrder calls, one
// per call.
func (s *Simulator) FailNextPlace(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.placeErrs = append(s.placeErrs, errs...)
}

// FailNextPoll queues errors returned by the next poll calls.
func (s *Simulator) FailNextPoll(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pollErrs = append(s.pollErrs, errs...)
}

// PlaceCalls returns how many PlaceOrder calls were made, failed or not.
func (s *Simulator) PlaceCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.placed
}

func (s *Simulator) PlaceOrder(ctx context.Context, order *types.Order) (Placement, error) {
	if err := ctx.Err(); err != nil {
		return Placement{}, NewTransient("place_order", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.placed++
	if len(s.placeErrs) > 0 {
		err := s.placeErrs[0]
		s.placeErrs = s.placeErrs[1:]
		return Placement{}, err
	}

	s.seq++
	id := fmt.Sprintf("SIM-%06d", s.seq)
	so := &simOrder{
		order: order.Clone(),
		report: OrderReport{
			BrokerOrderID: id,
			ClientOrderID: order.ID,
			Status:        StatusPlaced,
		},
	}
	so.order.FilledQty = 0
	so.order.RemainingQty = so.order.Quantity
	so.order.AvgFillPrice = nil
	s.orders[id] = so

	s.logger.Debug().Str("order_id", order.ID).Str("broker_order_id", id).Msg("order accepted")
	if snap, ok := s.prices[order.Symbol]; ok {
		s.tryFill(so, snap)
	}
	return Placement{BrokerOrderID: id, Status: StatusPlaced}, nil
}

func (s *Simulator) PollOrders(ctx context.Context) ([]OrderReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewTransient("poll_orders", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.nextPollErr(); err != nil {
		return nil, err
	}

	out := make([]OrderReport, 0, len(s.orders))
	for id, so := range s.orders {
		if s.hidden[id] {
			continue
		}
		out = append(out, so.report)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BrokerOrderID < out[j].BrokerOrderID })
	return out, nil
}

func (s *Simulator) PollPositions(ctx context.Context) ([]PositionReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewTransient("poll_positions", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.nextPollErr(); err != nil {
		return nil, err
	}

	out := make([]PositionReport, 0, len(s.positions))
	for _, p := range s.positions {
		if p.SignedQty != 0 {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *Simulator) CancelOrder(ctx context.Context, brokerOrderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	so, ok := s.orders[brokerOrderID]
	if !ok {
		return NewPermanent("cancel_order", fmt.Errorf("%w %s", ErrUnknownOrder, brokerOrderID))
	}
	switch so.report.Status {
	case StatusFilled, StatusCancelled, StatusRejected:
		return NewPermanent("cancel_order", fmt.Errorf("order %s is %s", brokerOrderID, so.report.Status))
	}
	so.report.Status = StatusCancelled
	return nil
}

// ObservePrice records the snapshot and fills resting orders that became
// marketable.
func (s *Simulator) ObservePrice(snap types.MarketSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[snap.Symbol] = snap

	ids := make([]string, 0, len(s.orders))
	for id, so := range s.orders {
		if so.order.Symbol == snap.Symbol {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		s.tryFill(s.orders[id], snap)
	}
}

// SetOrderStatus scripts a broker-side change. filledQty and avg are
// cumulative; any increase is booked into the simulator's positions.
func (s *Simulator) SetOrderStatus(brokerOrderID string, status OrderStatus, filledQty int64, avg decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	so, ok := s.orders[brokerOrderID]
	if !ok {
		return fmt.Errorf("%w %s", ErrUnknownOrder, brokerOrderID)
	}
	if filledQty > so.report.FilledQty {
		delta := filledQty - so.report.FilledQty
		deltaPrice := avg
		if so.report.FilledQty > 0 {
			prior := so.report.AvgPrice.Mul(decimal.NewFromInt(so.report.FilledQty))
			deltaPrice = avg.Mul(decimal.NewFromInt(filledQty)).Sub(prior).Div(decimal.NewFromInt(delta))
		}
		s.bookPosition(so.order.Symbol, so.order.Side.Sign()*delta, deltaPrice)
	}
	so.report.Status = status
	so.report.FilledQty = filledQty
	so.report.AvgPrice = avg
	return nil
}

// Reject marks an order rejected broker-side with reason.
func (s *Simulator) Reject(brokerOrderID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	so, ok := s.orders[brokerOrderID]
	if !ok {
		return fmt.Errorf("%w %s", ErrUnknownOrder, brokerOrderID)
	}
	so.report.Status = StatusRejected
	so.report.Reason = reason
	return nil
}

// Hide removes an order from poll results until shown again, the way a
// lagging broker listing would.
func (s *Simulator) Hide(brokerOrderID string, hidden bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hidden {
		s.hidden[brokerOrderID] = true
		return
	}
	delete(s.hidden, brokerOrderID)
}

// SetPosition overrides the broker's position in symbol.
func (s *Simulator) SetPosition(symbol string, signedQty int64, avg decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[symbol] = PositionReport{Symbol: symbol, SignedQty: signedQty, AvgPrice: avg}
}

// Report returns the current report for brokerOrderID.
func (s *Simulator) Report(brokerOrderID string) (OrderReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	so, ok := s.orders[brokerOrderID]
	if !ok {
		return OrderReport{}, false
	}
	return so.report, true
}

func (s *Simulator) nextPollErr() error {
	if len(s.pollErrs) == 0 {
		return nil
	}
	err := s.pollErrs[0]
	s.pollErrs = s.pollErrs[1:]
	return err
}

// tryFill must be called with s.mu held.
func (s *Simulator) tryFill(so *simOrder, snap types.MarketSnapshot) {
	if s.fills == nil {
		return
	}
	switch so.report.Status {
	case StatusFilled, StatusCancelled, StatusRejected:
		return
	}

	res, err := s.fills.Evaluate(&so.order, snap, snap.Timestamp)
	if err != nil || !res.Fillable {
		return
	}

	prior := so.report.AvgPrice.Mul(decimal.NewFromInt(so.report.FilledQty))
	so.report.FilledQty += res.Quantity
	so.report.AvgPrice = prior.Add(res.Price.Mul(decimal.NewFromInt(res.Quantity))).Div(decimal.NewFromInt(so.report.FilledQty))
	so.order.FilledQty = so.report.FilledQty
	so.order.RemainingQty = so.order.Quantity - so.report.FilledQty
	if so.order.RemainingQty == 0 {
		so.report.Status = StatusFilled
	} else {
		so.report.Status = StatusPartial
	}
	s.bookPosition(so.order.Symbol, so.order.Side.Sign()*res.Quantity, res.Price)
}

func (s *Simulator) bookPosition(symbol string, signed int64, price decimal.Decimal) {
	p := s.positions[symbol]
	p.Symbol = symbol
	next := p.SignedQty + signed
	switch {
	case next == 0:
		p.AvgPrice = decimal.Zero
	case p.SignedQty == 0 || (p.SignedQty > 0) != (next > 0):
		p.AvgPrice = price
	case (p.SignedQty > 0) == (signed > 0):
		held := decimal.NewFromInt(abs(p.SignedQty))
		q := decimal.NewFromInt(abs(signed))
		p.AvgPrice = p.AvgPrice.Mul(held).Add(price.Mul(q)).Div(held.Add(q))
	}
	p.SignedQty = next
	s.positions[symbol] = p
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
