package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketSnapshot is the per-symbol quote supplied on every tick.
type MarketSnapshot struct {
	Symbol          string           `json:"symbol"`
	LastTradedPrice decimal.Decimal  `json:"ltp"`
	Bid             *decimal.Decimal `json:"bid,omitempty"`
	Ask             *decimal.Decimal `json:"ask,omitempty"`
	Timestamp       time.Time        `json:"timestamp"`
}

// HasBook reports whether both sides of the book are present.
func (s MarketSnapshot) HasBook() bool {
	return s.Bid != nil && s.Ask != nil
}

// CandleClose is delivered once per completed bar per symbol.
type CandleClose struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
}

// Metrics summarizes an engine's state.
type Metrics struct {
	OrderCount        int             `json:"order_count"`
	OpenPositionCount int             `json:"open_position_count"`
	RealizedPnL       decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL     decimal.Decimal `json:"unrealized_pnl"`
	TotalPnL          decimal.Decimal `json:"total_pnl"`
}
