package execution

import (
	"sync"
	"time"

	"github.com/ksred/klear-oms/internal/events"
	"github.com/ksred/klear-oms/internal/fill"
	"github.com/ksred/klear-oms/internal/journal"
	"github.com/ksred/klear-oms/internal/types"
	"github.com/shopspring/decimal"
)

const sym = "NIFTY24DECFUT"

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 12, 2, 9, 15, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	clock   *testClock
	bus     *events.Bus
	journal *journal.Memory
	deps    Deps
}

func newHarness(fc fill.Config) *harness {
	h := &harness{
		clock:   newTestClock(),
		bus:     events.NewBus(events.DefaultCapacity),
		journal: journal.NewMemory(),
	}
	h.deps = Deps{
		Fill:    fill.NewEngine(fc),
		Bus:     h.bus,
		Journal: h.journal,
		Clock:   h.clock.Now,
	}
	return h
}

func dec(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v)
}

func decp(v float64) *decimal.Decimal {
	d := dec(v)
	return &d
}

func tick(price float64) map[string]types.MarketSnapshot {
	return map[string]types.MarketSnapshot{sym: {Symbol: sym, LastTradedPrice: dec(price)}}
}

func buy(qty int64) types.OrderIntent {
	return types.OrderIntent{Symbol: sym, Side: types.SideBuy, Quantity: qty, Kind: types.KindMarket, Strategy: "test"}
}

func sell(qty int64) types.OrderIntent {
	i := buy(qty)
	i.Side = types.SideSell
	return i
}

func sellLimit(qty int64, price float64) types.OrderIntent {
	i := sell(qty)
	i.Kind = types.KindLimit
	i.LimitPrice = decp(price)
	return i
}

func drainTypes(sub *events.Subscription) []events.Type {
	var out []events.Type
	for {
		select {
		case ev := <-sub.C():
			out = append(out, ev.Type)
		default:
			return out
		}
	}
}

func states(o types.Order) []types.OrderState {
	out := make([]types.OrderState, 0, len(o.Events))
	for _, e := range o.Events {
		out = append(out, e.To)
	}
	return out
}

func equalStates(a, b []types.OrderState) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
