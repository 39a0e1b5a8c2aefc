package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-oms/internal/events"
	"github.com/ksred/klear-oms/internal/exits"
	"github.com/ksred/klear-oms/internal/fill"
	"github.com/ksred/klear-oms/internal/journal"
	"github.com/ksred/klear-oms/internal/lifecycle"
	"github.com/ksred/klear-oms/internal/orders"
	"github.com/ksred/klear-oms/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// book owns the order and position tables. A single mutex guards every
// table. Side effects (journal writes, bus publishes) are collected in an
// outbox while the lock is held and flushed after release, in lock order.
type book struct {
	mu      sync.Mutex
	flushMu sync.Mutex
	queue   []*outbox

	cfg       Config
	mode      string
	session   string
	seq       uint64
	fills     *fill.Engine
	bus       *events.Bus
	journal   journal.Journal
	evaluator *exits.Evaluator
	policy    orders.ExposurePolicy
	clock     func() time.Time

	orders       map[string]*types.Order
	archived     map[string]types.Order
	pendingFills map[string]fill.Result
	positions    map[string]*types.Position
	rearms       map[string]exits.Rearm
	closed       []types.Position
	marks        map[string]types.MarketSnapshot

	orderCount     int
	closedRealized decimal.Decimal

	logger zerolog.Logger
}

type outbox struct {
	events    []events.Event
	records   []journal.Record
	orders    []types.Order
	positions []types.Position
}

func (ob *outbox) empty() bool {
	return len(ob.events) == 0 && len(ob.records) == 0 && len(ob.orders) == 0 && len(ob.positions) == 0
}

func newBook(mode string, cfg Config, deps Deps) *book {
	if deps.Fill == nil {
		deps.Fill = fill.NewEngine(fill.DefaultConfig())
	}
	if deps.Bus == nil {
		deps.Bus = events.NewBus(events.DefaultCapacity)
	}
	if deps.Journal == nil {
		deps.Journal = journal.NewMemory()
	}
	if deps.Clock == nil {
		deps.Clock = func() time.Time { return time.Now().UTC() }
	}
	session := uuid.New().String()
	return &book{
		cfg:          cfg,
		mode:         mode,
		session:      session,
		fills:        deps.Fill,
		bus:          deps.Bus,
		journal:      deps.Journal,
		evaluator:    exits.NewEvaluator(cfg.DefaultTrailStep),
		policy:       orders.ExposurePolicy{AllowShort: cfg.AllowShort},
		clock:        deps.Clock,
		orders:       make(map[string]*types.Order),
		archived:     make(map[string]types.Order),
		pendingFills: make(map[string]fill.Result),
		positions:    make(map[string]*types.Position),
		rearms:       make(map[string]exits.Rearm),
		marks:        make(map[string]types.MarketSnapshot),
		logger: log.With().
			Str("component", "execution_engine").
			Str("mode", mode).
			Str("session", session).
			Logger(),
	}
}

func (b *book) Mode() string {
	return b.mode
}

// Session identifies this engine instance in journal records.
func (b *book) Session() string {
	return b.session
}

func (b *book) now() time.Time {
	return b.clock()
}

func (b *book) begin() *outbox {
	b.mu.Lock()
	return &outbox{}
}

// end releases the table lock and flushes every queued outbox. Callers
// return only after their own side effects are written.
func (b *book) end(ctx context.Context, ob *outbox) {
	if !ob.empty() {
		b.queue = append(b.queue, ob)
	}
	b.mu.Unlock()
	b.drain(context.WithoutCancel(ctx))
}

func (b *book) drain(ctx context.Context) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	for {
		b.mu.Lock()
		batch := b.queue
		b.queue = nil
		b.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, ob := range batch {
			b.flush(ctx, ob)
		}
	}
}

func (b *book) flush(ctx context.Context, ob *outbox) {
	for _, rec := range ob.records {
		if err := b.journal.Append(ctx, rec); err != nil {
			b.logger.Error().Err(err).Uint64("seq", rec.Seq).Str("order_id", rec.OrderID).Msg("journal append failed")
		}
	}
	for _, o := range ob.orders {
		if err := b.journal.ArchiveOrder(ctx, o); err != nil {
			b.logger.Error().Err(err).Str("order_id", o.ID).Msg("order archive failed")
		}
	}
	for _, p := range ob.positions {
		if err := b.journal.ArchivePosition(ctx, p); err != nil {
			b.logger.Error().Err(err).Str("symbol", p.Symbol).Msg("position archive failed")
		}
	}
	for _, ev := range ob.events {
		b.bus.Publish(ev)
	}
}

func (b *book) publish(ob *outbox, typ events.Type, payload map[string]any) {
	ob.events = append(ob.events, events.New(typ, b.now(), payload))
}

func (b *book) record(ob *outbox, kind journal.Kind, o *types.Order, qty int64, price decimal.Decimal) {
	b.seq++
	ob.records = append(ob.records, journal.Record{
		Session:   b.session,
		Seq:       b.seq,
		Kind:      kind,
		Timestamp: b.now(),
		OrderID:   o.ID,
		Symbol:    o.Symbol,
		Side:      o.Side,
		Qty:       qty,
		Price:     price,
		NewState:  o.State,
		Message:   o.LastMessage(),
	})
}

// admit validates intent and registers the order in SUBMITTED. Exit
// intents tie the order to the position they close.
func (b *book) admit(ob *outbox, intent types.OrderIntent) (*types.Order, error) {
	o, err := orders.NewOrder(intent, b.now())
	if err == nil {
		err = b.checkExposure(intent)
	}
	if err != nil {
		if intent.CloseReason != "" {
			if pos := b.positions[intent.Symbol]; pos != nil {
				pos.ExitPending = false
				pos.ExitOrderID = ""
			}
			delete(b.rearms, intent.Symbol)
		}
		b.logger.Warn().Err(err).Str("symbol", intent.Symbol).Str("strategy", intent.Strategy).Msg("intent rejected")
		return nil, err
	}

	b.orders[o.ID] = o
	b.orderCount++
	if intent.CloseReason != "" {
		if pos := b.positions[o.Symbol]; pos != nil {
			pos.ExitPending = true
			pos.ExitOrderID = o.ID
		}
	}

	msg := fmt.Sprintf("submitted %s %d %s %s", o.Side, o.Quantity, o.Symbol, o.Kind)
	if o.CloseReason != "" {
		msg += " (" + o.CloseReason + ")"
	}
	b.move(ob, o, types.StateSubmitted, msg)

	b.logger.Info().
		Str("order_id", o.ID).
		Str("symbol", o.Symbol).
		Str("side", string(o.Side)).
		Int64("quantity", o.Quantity).
		Str("kind", string(o.Kind)).
		Str("strategy", o.Strategy).
		Str("close_reason", o.CloseReason).
		Msg("order submitted")
	b.publish(ob, events.OrderPlaced, orderPayload(o))
	return o, nil
}

// checkExposure applies the netting policy to both the filled position and
// the position projected from every working order in the symbol. Exit
// intents are sized to the filled position and only checked against it;
// the working orders they conflict with are superseded.
func (b *book) checkExposure(intent types.OrderIntent) error {
	pos := b.positions[intent.Symbol]
	if err := b.policy.CheckExposure(pos, intent); err != nil {
		return err
	}
	if intent.CloseReason != "" {
		return nil
	}
	projected := &types.Position{Symbol: intent.Symbol}
	if pos != nil {
		projected.Quantity = pos.Quantity
	}
	for _, o := range b.orders {
		if o.Symbol == intent.Symbol {
			projected.Quantity += o.Side.Sign() * o.RemainingQty
		}
	}
	return b.policy.CheckExposure(projected, intent)
}

// fillConflict reports whether filling qty of o against the current
// position would open exposure the netting policy forbids.
func (b *book) fillConflict(o *types.Order, qty int64) error {
	return b.policy.CheckExposure(b.positions[o.Symbol], types.OrderIntent{
		Symbol:   o.Symbol,
		Side:     o.Side,
		Kind:     o.Kind,
		Quantity: qty,
	})
}

// superseded returns the working entry orders in exit's symbol that close
// on the same side. They would reduce the position under the exit.
func (b *book) superseded(exit *types.Order) []*types.Order {
	var out []*types.Order
	for _, o := range b.activeOrders() {
		if o.ID == exit.ID || o.Symbol != exit.Symbol || o.Side != exit.Side || o.CloseReason != "" {
			continue
		}
		out = append(out, o)
	}
	return out
}

// move applies a lifecycle transition and archives the order when it
// becomes terminal.
func (b *book) move(ob *outbox, o *types.Order, to types.OrderState, msg string) error {
	if err := lifecycle.Transition(o, to, msg, b.now()); err != nil {
		b.fault(ob, o, err)
		return err
	}
	switch to {
	case types.StateCancelled:
		b.publish(ob, events.OrderCancelled, orderPayload(o))
	case types.StateRejected:
		b.logger.Warn().Str("order_id", o.ID).Str("reason", msg).Msg("order rejected")
		b.publish(ob, events.OrderRejected, orderPayload(o))
	}
	if lifecycle.Terminal(to) {
		b.finalize(ob, o)
	}
	return nil
}

// fault handles an invariant violation on a single order.
func (b *book) fault(ob *outbox, o *types.Order, err error) {
	b.logger.Error().Err(err).Str("order_id", o.ID).Str("state", string(o.State)).Msg("invariant violation")
	if b.cfg.StrictInvariants {
		panic(err)
	}
	if lifecycle.Terminal(o.State) {
		return
	}
	if terr := lifecycle.Transition(o, types.StateError, err.Error(), b.now()); terr != nil {
		return
	}
	payload := orderPayload(o)
	payload["reason"] = err.Error()
	b.publish(ob, events.RiskAlert, payload)
	b.finalize(ob, o)
}

func (b *book) finalize(ob *outbox, o *types.Order) {
	delete(b.orders, o.ID)
	delete(b.pendingFills, o.ID)
	b.archived[o.ID] = o.Clone()

	price := decimal.Zero
	if o.AvgFillPrice != nil {
		price = *o.AvgFillPrice
	}
	b.record(ob, journal.KindState, o, o.FilledQty, price)
	ob.orders = append(ob.orders, o.Clone())

	if pos := b.positions[o.Symbol]; pos != nil && pos.ExitOrderID == o.ID {
		pos.ExitPending = false
		pos.ExitOrderID = ""
		delete(b.rearms, o.Symbol)
	}
}

// applyFill books qty at price against the order and its position. Both
// transforms are computed before anything is committed.
func (b *book) applyFill(ob *outbox, o *types.Order, qty int64, price decimal.Decimal, note string) error {
	now := b.now()
	next, err := orders.ApplyFill(*o, qty, price, now)
	if err != nil {
		b.fault(ob, o, err)
		return err
	}

	prev := b.positions[o.Symbol]
	opening := prev == nil || prev.IsFlat()
	pos, err := orders.ApplyFillToPosition(prev, &next, qty, price, now)
	if err != nil {
		b.fault(ob, o, err)
		return err
	}

	to, typ := types.StatePartiallyFilled, events.OrderPartiallyFilled
	if next.RemainingQty == 0 {
		to, typ = types.StateFilled, events.OrderFilled
	}
	if !lifecycle.CanTransition(o.State, to) {
		err := &orders.InvariantViolation{OrderID: o.ID, Detail: fmt.Sprintf("fill while %s", o.State)}
		b.fault(ob, o, err)
		return err
	}

	*o = next
	msg := fmt.Sprintf("filled %d @ %s (%d/%d)%s", qty, price, o.FilledQty, o.Quantity, note)
	if err := lifecycle.Transition(o, to, msg, now); err != nil {
		b.fault(ob, o, err)
		return err
	}

	if opening && o.Exits.PartialExitFraction == nil {
		pos.PartialExitFraction = b.cfg.PartialExitFraction
	}
	last := price
	if mark, ok := b.marks[o.Symbol]; ok && mark.LastTradedPrice.IsPositive() {
		last = mark.LastTradedPrice
	}
	pos.LastPrice = last
	pos.UnrealizedPnL = orders.UnrealizedPnL(&pos, last)

	if prev != nil && prev.ExitOrderID == o.ID {
		if r, ok := b.rearms[o.Symbol]; ok {
			delete(b.rearms, o.Symbol)
			if !pos.IsFlat() {
				r.Apply(&pos)
				b.logger.Info().Str("symbol", o.Symbol).Str("stop_loss", r.Stop.String()).Msg("stop re-armed after partial exit")
			}
		}
	}

	b.record(ob, journal.KindFill, o, qty, price)
	payload := orderPayload(o)
	payload["fill_qty"] = qty
	payload["fill_price"] = price.String()
	b.publish(ob, typ, payload)
	b.publish(ob, events.PositionUpdated, positionPayload(&pos))

	b.logger.Info().
		Str("order_id", o.ID).
		Str("symbol", o.Symbol).
		Int64("fill_qty", qty).
		Str("fill_price", price.String()).
		Str("state", string(o.State)).
		Int64("position", pos.Quantity).
		Msg("fill applied")

	if pos.IsFlat() {
		b.closedRealized = b.closedRealized.Add(pos.RealizedPnL)
		b.closed = append(b.closed, pos.Clone())
		ob.positions = append(ob.positions, pos.Clone())
		delete(b.positions, o.Symbol)
	} else {
		b.positions[o.Symbol] = &pos
	}

	if to == types.StateFilled {
		b.finalize(ob, o)
	}
	return nil
}

// markPrices stores the snapshots, marks positions and collects price
// exit signals. Symbols are visited in sorted order.
func (b *book) markPrices(ob *outbox, snaps map[string]types.MarketSnapshot) []exits.Signal {
	now := b.now()
	var signals []exits.Signal
	for _, sym := range sortedKeys(snaps) {
		snap := snaps[sym]
		if snap.Symbol == "" {
			snap.Symbol = sym
		}
		if snap.Timestamp.IsZero() {
			snap.Timestamp = now
		}
		b.marks[sym] = snap

		pos := b.positions[sym]
		price := snap.LastTradedPrice
		if pos == nil || !price.IsPositive() {
			continue
		}
		pos.LastPrice = price
		pos.UnrealizedPnL = orders.UnrealizedPnL(pos, price)
		pos.UpdatedAt = now

		before := pos.StopLoss
		sig, ok := b.evaluator.OnTick(pos, price)
		if stopMoved(before, pos.StopLoss) {
			b.publish(ob, events.PositionUpdated, positionPayload(pos))
		}
		if ok {
			b.pend(pos, sig)
			signals = append(signals, sig)
		}
	}
	return signals
}

func (b *book) candleSignals(candle types.CandleClose) []exits.Signal {
	pos := b.positions[candle.Symbol]
	if pos == nil {
		return nil
	}
	sig, ok := b.evaluator.OnCandle(pos)
	if !ok {
		return nil
	}
	b.pend(pos, sig)
	return []exits.Signal{sig}
}

// pend blocks further signals for pos until the exit order terminates. A
// partial exit's re-armed stop waits for the exit's first fill.
func (b *book) pend(pos *types.Position, sig exits.Signal) {
	pos.ExitPending = true
	if sig.Rearm != nil {
		b.rearms[pos.Symbol] = *sig.Rearm
	}
}

// placeExits sends exit signals through place, outside the table lock.
func (b *book) placeExits(ctx context.Context, signals []exits.Signal, place func(context.Context, types.OrderIntent) (*types.Order, error)) []types.Order {
	var out []types.Order
	for _, sig := range signals {
		b.logger.Info().
			Str("symbol", sig.Symbol).
			Str("reason", sig.Reason).
			Int64("quantity", sig.Quantity).
			Str("trigger_price", sig.TriggerPrice.String()).
			Bool("partial", sig.Partial).
			Msg("exit triggered")
		o, err := place(ctx, sig.Intent())
		if err != nil {
			b.logger.Error().Err(err).Str("symbol", sig.Symbol).Msg("exit order not placed")
			continue
		}
		out = append(out, *o)
	}
	return out
}

func (b *book) activeOrders() []*types.Order {
	out := make([]*types.Order, 0, len(b.orders))
	for _, o := range b.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (b *book) GetOrder(ctx context.Context, orderID string) (types.Order, error) {
	b.mu.Lock()
	if o, ok := b.orders[orderID]; ok {
		defer b.mu.Unlock()
		return o.Clone(), nil
	}
	if o, ok := b.archived[orderID]; ok {
		defer b.mu.Unlock()
		return o.Clone(), nil
	}
	b.mu.Unlock()

	if r, ok := b.journal.(journal.Reader); ok {
		o, err := r.ArchivedOrder(ctx, orderID)
		if err == nil {
			return o, nil
		}
		if !errors.Is(err, journal.ErrNotFound) {
			return types.Order{}, err
		}
	}
	return types.Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
}

// ListOrders returns the working orders, oldest first.
func (b *book) ListOrders() []types.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	active := b.activeOrders()
	out := make([]types.Order, 0, len(active))
	for _, o := range active {
		out = append(out, o.Clone())
	}
	return out
}

func (b *book) GetOpenPositions() []types.Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.Position, 0, len(b.positions))
	for _, sym := range sortedKeys(b.positions) {
		out = append(out, b.positions[sym].Clone())
	}
	return out
}

func (b *book) ClosedPositions() []types.Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.Position, len(b.closed))
	for i := range b.closed {
		out[i] = b.closed[i].Clone()
	}
	return out
}

func (b *book) GetMetrics() types.Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := types.Metrics{
		OrderCount:    b.orderCount,
		RealizedPnL:   b.closedRealized,
		UnrealizedPnL: decimal.Zero,
	}
	for _, p := range b.positions {
		if p.IsFlat() {
			continue
		}
		m.OpenPositionCount++
		m.RealizedPnL = m.RealizedPnL.Add(p.RealizedPnL)
		m.UnrealizedPnL = m.UnrealizedPnL.Add(p.UnrealizedPnL)
	}
	m.TotalPnL = m.RealizedPnL.Add(m.UnrealizedPnL)
	return m
}

// NetQuantity returns the signed position in symbol.
func (b *book) NetQuantity(symbol string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p := b.positions[symbol]; p != nil {
		return p.Quantity
	}
	return 0
}

// Mark returns the last snapshot seen for symbol.
func (b *book) Mark(symbol string) (types.MarketSnapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.marks[symbol]
	return s, ok
}

func (b *book) lookupForCancel(orderID string) (*types.Order, error) {
	if o, ok := b.orders[orderID]; ok {
		return o, nil
	}
	if _, ok := b.archived[orderID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderTerminal, orderID)
	}
	return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
}

func orderPayload(o *types.Order) map[string]any {
	p := map[string]any{
		"order_id":      o.ID,
		"symbol":        o.Symbol,
		"side":          string(o.Side),
		"kind":          string(o.Kind),
		"state":         string(o.State),
		"quantity":      o.Quantity,
		"filled_qty":    o.FilledQty,
		"remaining_qty": o.RemainingQty,
		"strategy":      o.Strategy,
		"message":       o.LastMessage(),
	}
	if o.BrokerOrderID != "" {
		p["broker_order_id"] = o.BrokerOrderID
	}
	if o.AvgFillPrice != nil {
		p["avg_fill_price"] = o.AvgFillPrice.String()
	}
	if o.CloseReason != "" {
		p["close_reason"] = o.CloseReason
	}
	return p
}

func positionPayload(p *types.Position) map[string]any {
	out := map[string]any{
		"symbol":          p.Symbol,
		"quantity":        p.Quantity,
		"avg_entry_price": p.AvgEntryPrice.String(),
		"realized_pnl":    p.RealizedPnL.String(),
		"unrealized_pnl":  p.UnrealizedPnL.String(),
		"last_price":      p.LastPrice.String(),
	}
	if p.StopLoss != nil {
		out["stop_loss"] = p.StopLoss.String()
	}
	return out
}

func stopMoved(before, after *decimal.Decimal) bool {
	switch {
	case before == nil && after == nil:
		return false
	case before == nil || after == nil:
		return true
	}
	return !before.Equal(*after)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
