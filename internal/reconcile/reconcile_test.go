package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-oms/internal/broker"
	"github.com/ksred/klear-oms/internal/events"
	"github.com/ksred/klear-oms/internal/execution"
	"github.com/ksred/klear-oms/internal/journal"
	"github.com/ksred/klear-oms/internal/types"
	"github.com/shopspring/decimal"
)

const sym = "NIFTY24DECFUT"

type fixture struct {
	engine  *execution.Live
	sim     *broker.Simulator
	bus     *events.Bus
	journal *journal.Memory
	rec     *Reconciler
}

func newFixture(t *testing.T, positions bool) *fixture {
	t.Helper()
	f := &fixture{
		sim:     broker.NewSimulator(nil),
		bus:     events.NewBus(events.DefaultCapacity),
		journal: journal.NewMemory(),
	}
	f.engine = execution.NewLive(execution.Config{}, execution.Deps{Bus: f.bus, Journal: f.journal}, f.sim, nil,
		broker.RetryPolicy{MaxAttempts: 1})
	f.rec = New(Config{Interval: time.Millisecond, Positions: positions}, f.engine, f.sim, f.bus)
	return f
}

func (f *fixture) place(t *testing.T, qty int64) types.Order {
	t.Helper()
	o, err := f.engine.PlaceOrder(context.Background(), types.OrderIntent{
		Symbol: sym, Side: types.SideBuy, Quantity: qty, Kind: types.KindMarket, Strategy: "test",
	})
	if err != nil {
		t.Fatal(err)
	}
	if o.State != types.StateOpen || o.BrokerOrderID == "" {
		t.Fatalf("placement = %s %q", o.State, o.LastMessage())
	}
	return *o
}

func countType(sub *events.Subscription, typ events.Type) int {
	n := 0
	for {
		select {
		case ev := <-sub.C():
			if ev.Type == typ {
				n++
			}
		default:
			return n
		}
	}
}

func TestReconciler_BrokerFillIsAppliedOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	o := f.place(t, 50)
	sub := f.bus.Subscribe("test")

	if err := f.sim.SetOrderStatus(o.BrokerOrderID, broker.StatusFilled, 50, decimal.NewFromInt(19505)); err != nil {
		t.Fatal(err)
	}

	res, err := f.rec.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Fills != 1 || res.Synced != 0 {
		t.Errorf("result = %+v", res)
	}
	got, _ := f.engine.GetOrder(ctx, o.ID)
	if got.State != types.StateFilled || got.FilledQty != 50 {
		t.Fatalf("order = %s filled=%d", got.State, got.FilledQty)
	}
	pos := f.engine.GetOpenPositions()
	if len(pos) != 1 || pos[0].Quantity != 50 || !pos[0].AvgEntryPrice.Equal(decimal.NewFromInt(19505)) {
		t.Fatalf("positions = %+v", pos)
	}
	if n := countType(sub, events.OrderFilled); n != 1 {
		t.Errorf("ORDER_FILLED events = %d, want 1", n)
	}

	// The same broker state polled again changes nothing.
	res, err = f.rec.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Changes() != 0 || res.Discrepancies != 0 {
		t.Errorf("second cycle = %+v", res)
	}
	if n := countType(sub, events.OrderFilled); n != 0 {
		t.Errorf("duplicate ORDER_FILLED events = %d", n)
	}
	fills, _ := f.journal.Records(ctx, journal.Filter{OrderID: o.ID, Kind: journal.KindFill})
	if len(fills) != 1 {
		t.Errorf("journal fills = %d, want 1", len(fills))
	}
}

func TestReconciler_PartialFillsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	o := f.place(t, 50)

	f.sim.SetOrderStatus(o.BrokerOrderID, broker.StatusPartial, 20, decimal.NewFromInt(100))
	for i := 0; i < 3; i++ {
		res, err := f.rec.RunOnce(ctx)
		if err != nil {
			t.Fatal(err)
		}
		want := 0
		if i == 0 {
			want = 1
		}
		if res.Fills != want {
			t.Errorf("cycle %d fills = %d, want %d", i, res.Fills, want)
		}
	}
	got, _ := f.engine.GetOrder(ctx, o.ID)
	if got.State != types.StatePartiallyFilled || got.FilledQty != 20 {
		t.Fatalf("order = %s filled=%d", got.State, got.FilledQty)
	}

	f.sim.SetOrderStatus(o.BrokerOrderID, broker.StatusFilled, 50, decimal.NewFromInt(103))
	f.rec.RunOnce(ctx)
	got, _ = f.engine.GetOrder(ctx, o.ID)
	if got.State != types.StateFilled || !got.AvgFillPrice.Equal(decimal.NewFromInt(103)) {
		t.Errorf("order = %s @ %v", got.State, got.AvgFillPrice)
	}
}

func TestReconciler_CancelAndReject(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	cancelled := f.place(t, 5)
	rejected := f.place(t, 5)
	sub := f.bus.Subscribe("test")

	if _, err := f.engine.CancelOrder(ctx, cancelled.ID); err != nil {
		t.Fatal(err)
	}
	f.sim.Reject(rejected.BrokerOrderID, "insufficient margin")

	res, err := f.rec.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Closed != 2 {
		t.Errorf("closed = %d, want 2", res.Closed)
	}
	c, _ := f.engine.GetOrder(ctx, cancelled.ID)
	r, _ := f.engine.GetOrder(ctx, rejected.ID)
	if c.State != types.StateCancelled {
		t.Errorf("cancelled order = %s", c.State)
	}
	if r.State != types.StateRejected || r.LastMessage() != "Broker rejected: insufficient margin" {
		t.Errorf("rejected order = %s %q", r.State, r.LastMessage())
	}
	if n := countType(sub, events.RiskAlert); n != 1 {
		t.Errorf("risk alerts = %d, want 1", n)
	}
}

func TestReconciler_BrokerBehindLocalFillsIsDiscrepancy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	o := f.place(t, 50)
	if _, err := f.engine.ReconcileFill(ctx, o.ID, 30, decimal.NewFromInt(100)); err != nil {
		t.Fatal(err)
	}
	sub := f.bus.Subscribe("test")

	f.sim.SetOrderStatus(o.BrokerOrderID, broker.StatusPartial, 20, decimal.NewFromInt(100))
	res, err := f.rec.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Discrepancies != 1 || res.Changes() != 0 {
		t.Errorf("cycle = %+v", res)
	}
	if n := countType(sub, events.ReconciliationDiscrepancy); n != 1 {
		t.Errorf("discrepancy events = %d, want 1", n)
	}
	if got, _ := f.engine.GetOrder(ctx, o.ID); got.FilledQty != 30 {
		t.Errorf("local fills = %d, want 30 kept", got.FilledQty)
	}
}

func TestReconciler_AbsentOrderIsDiscrepancy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	o := f.place(t, 5)
	sub := f.bus.Subscribe("test")

	f.sim.Hide(o.BrokerOrderID, true)
	for i := 0; i < 2; i++ {
		res, err := f.rec.RunOnce(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if res.Discrepancies != 1 || res.Changes() != 0 {
			t.Errorf("cycle %d = %+v", i, res)
		}
	}
	got, _ := f.engine.GetOrder(ctx, o.ID)
	if got.State != types.StateOpen {
		t.Errorf("absent order moved to %s", got.State)
	}
	if n := countType(sub, events.ReconciliationDiscrepancy); n != 2 {
		t.Errorf("discrepancy events = %d, want 2", n)
	}
	if st := f.rec.Status(); st.Discrepancies != 2 || st.Cycles != 2 {
		t.Errorf("status = %+v", st)
	}

	f.sim.Hide(o.BrokerOrderID, false)
	f.sim.SetOrderStatus(o.BrokerOrderID, broker.StatusFilled, 5, decimal.NewFromInt(10))
	if res, _ := f.rec.RunOnce(ctx); res.Fills != 1 {
		t.Errorf("fill after reappearing = %+v", res)
	}
}

func TestReconciler_PositionRebuild(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	o := f.place(t, 10)

	// A broker position that disagrees is not applied while the order is
	// still working.
	f.sim.SetPosition(sym, 30, decimal.NewFromInt(99))
	if res, _ := f.rec.RunOnce(ctx); res.Synced != 0 {
		t.Fatalf("synced with a working order: %+v", res)
	}

	f.sim.SetOrderStatus(o.BrokerOrderID, broker.StatusFilled, 10, decimal.NewFromInt(100))
	f.sim.SetPosition(sym, 30, decimal.NewFromInt(99))
	res, err := f.rec.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Fills != 1 || res.Synced != 1 {
		t.Errorf("result = %+v", res)
	}
	pos := f.engine.GetOpenPositions()
	if len(pos) != 1 || pos[0].Quantity != 30 || !pos[0].AvgEntryPrice.Equal(decimal.NewFromInt(99)) {
		t.Errorf("positions = %+v", pos)
	}

	// Broker no longer lists the symbol: the local position goes flat.
	f.sim.SetPosition(sym, 0, decimal.Zero)
	if res, _ := f.rec.RunOnce(ctx); res.Synced != 1 {
		t.Errorf("flat sync = %+v", res)
	}
	if len(f.engine.GetOpenPositions()) != 0 {
		t.Error("local position survived broker flat")
	}
}

func TestReconciler_PollErrorIsReported(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	f.place(t, 5)

	f.sim.FailNextPoll(broker.NewTransient("poll_orders", errors.New("connection reset")))
	if _, err := f.rec.RunOnce(ctx); err == nil {
		t.Fatal("poll error swallowed")
	}
	if st := f.rec.Status(); st.Failures != 1 || st.LastError == "" {
		t.Errorf("status = %+v", st)
	}
	if _, err := f.rec.RunOnce(ctx); err != nil {
		t.Fatalf("next cycle: %v", err)
	}
	if st := f.rec.Status(); st.LastError != "" || st.Cycles != 2 {
		t.Errorf("status after recovery = %+v", st)
	}
}

type panickingBook struct {
	Book
	calls atomic.Int64
}

func (b *panickingBook) PlacedOrders() []types.Order {
	b.calls.Add(1)
	panic("table corrupted")
}

func TestReconciler_SurvivesPanics(t *testing.T) {
	book := &panickingBook{}
	rec := New(Config{Interval: 2 * time.Millisecond}, book, broker.NewSimulator(nil), nil)

	if _, err := rec.RunOnce(context.Background()); err == nil {
		t.Fatal("panic not converted to error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Start(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for book.calls.Load() < 4 {
		select {
		case <-deadline:
			t.Fatalf("loop stalled after %d cycles", book.calls.Load())
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop on cancel")
	}
	if st := rec.Status(); st.Failures < 4 || st.Failures != st.Cycles {
		t.Errorf("status = %+v", st)
	}
}

func TestReconciler_StatusHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t, true)
	f.rec.RunOnce(context.Background())

	router := gin.New()
	router.GET("/reconcile/status", f.rec.StatusHandler())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/reconcile/status", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status code = %d", w.Code)
	}
	var body struct {
		Success bool   `json:"success"`
		Data    Status `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if !body.Success || body.Data.Cycles != 1 || !body.Data.Positions {
		t.Errorf("body = %+v", body)
	}
}
