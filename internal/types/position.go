package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is the net exposure held in one symbol.
type Position struct {
	Symbol        string          `json:"symbol"`
	Quantity      int64           `json:"quantity"` // positive long, negative short
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	LastPrice     decimal.Decimal `json:"last_price"`
	BarsHeld      int             `json:"bars_held"`

	// ExtremePrice is the high-water mark for longs, low-water mark for shorts.
	ExtremePrice decimal.Decimal  `json:"extreme_price"`
	StopLoss     *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit   *decimal.Decimal `json:"take_profit,omitempty"`
	TimeStopBars *int             `json:"time_stop_bars,omitempty"`
	TrailStep    *decimal.Decimal `json:"trail_step,omitempty"`

	PartialExitFraction float64 `json:"partial_exit_fraction"`
	PartialExitTaken    bool    `json:"partial_exit_taken"`

	// ExitPending is set while a closing order generated by an exit
	// manager is in flight.
	ExitPending bool   `json:"exit_pending"`
	ExitOrderID string `json:"exit_order_id,omitempty"`

	OpenedAt  time.Time `json:"opened_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ClosedAt  time.Time `json:"closed_at,omitempty"`
}

func (p *Position) IsLong() bool {
	return p.Quantity > 0
}

func (p *Position) IsShort() bool {
	return p.Quantity < 0
}

func (p *Position) IsFlat() bool {
	return p.Quantity == 0
}

// AbsQuantity returns the unsigned size of the position.
func (p *Position) AbsQuantity() int64 {
	if p.Quantity < 0 {
		return -p.Quantity
	}
	return p.Quantity
}

// Clone returns a deep copy.
func (p *Position) Clone() Position {
	c := *p
	c.StopLoss = cloneDecimal(p.StopLoss)
	c.TakeProfit = cloneDecimal(p.TakeProfit)
	c.TrailStep = cloneDecimal(p.TrailStep)
	if p.TimeStopBars != nil {
		n := *p.TimeStopBars
		c.TimeStopBars = &n
	}
	return c
}

func cloneDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}
