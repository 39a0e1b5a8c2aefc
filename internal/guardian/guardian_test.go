package guardian

import (
	"context"
	"strings"
	"testing"

	"github.com/ksred/klear-oms/internal/types"
	"github.com/shopspring/decimal"
)

func TestRules_Validate(t *testing.T) {
	snap := types.MarketSnapshot{Symbol: "NIFTY24DECFUT", LastTradedPrice: decimal.NewFromInt(19500)}
	positions := map[string]int64{"NIFTY24DECFUT": 80}
	exposure := func(s string) int64 { return positions[s] }

	tests := []struct {
		name   string
		limits Limits
		intent types.OrderIntent
		allow  bool
		reason string
	}{
		{
			name:   "no limits",
			intent: types.OrderIntent{Symbol: "NIFTY24DECFUT", Side: types.SideBuy, Quantity: 1000},
			allow:  true,
		},
		{
			name:   "order too large",
			limits: Limits{MaxOrderQty: 100},
			intent: types.OrderIntent{Symbol: "NIFTY24DECFUT", Side: types.SideBuy, Quantity: 101},
			reason: "max order size",
		},
		{
			name:   "position limit",
			limits: Limits{MaxPositionQty: 100},
			intent: types.OrderIntent{Symbol: "NIFTY24DECFUT", Side: types.SideBuy, Quantity: 50},
			reason: "max position size exceeded",
		},
		{
			name:   "reducing order skips size checks",
			limits: Limits{MaxOrderQty: 10, MaxPositionQty: 10},
			intent: types.OrderIntent{Symbol: "NIFTY24DECFUT", Side: types.SideSell, Quantity: 80},
			allow:  true,
		},
		{
			name:   "notional",
			limits: Limits{MaxNotional: 1_000_000},
			intent: types.OrderIntent{Symbol: "NIFTY24DECFUT", Side: types.SideBuy, Quantity: 60},
			reason: "max notional",
		},
		{
			name:   "blocked symbol",
			limits: Limits{BlockedSymbols: []string{"nifty24decfut"}},
			intent: types.OrderIntent{Symbol: "NIFTY24DECFUT", Side: types.SideSell, Quantity: 1},
			reason: "blocked",
		},
		{
			name:   "not allowed",
			limits: Limits{AllowedSymbols: []string{"BANKNIFTY"}},
			intent: types.OrderIntent{Symbol: "NIFTY24DECFUT", Side: types.SideBuy, Quantity: 1},
			reason: "allowed list",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewRules(tt.limits, exposure).Validate(context.Background(), tt.intent, snap)
			if d.Allow != tt.allow {
				t.Fatalf("allow = %v (%s), want %v", d.Allow, d.Reason, tt.allow)
			}
			if !tt.allow && !strings.Contains(d.Reason, tt.reason) {
				t.Errorf("reason = %q, want it to mention %q", d.Reason, tt.reason)
			}
		})
	}
}

func TestAllowAll(t *testing.T) {
	if d := AllowAll.Validate(context.Background(), types.OrderIntent{}, types.MarketSnapshot{}); !d.Allow {
		t.Error("AllowAll blocked")
	}
}
