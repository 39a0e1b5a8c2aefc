package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the side that closes exposure opened by s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Sign is +1 for BUY and -1 for SELL.
func (s Side) Sign() int64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// OrderKind is MARKET or LIMIT.
type OrderKind string

const (
	KindMarket OrderKind = "MARKET"
	KindLimit  OrderKind = "LIMIT"
)

// OrderState is a node of the order lifecycle state machine.
type OrderState string

const (
	StateNew             OrderState = "NEW"
	StateSubmitted       OrderState = "SUBMITTED"
	StateOpen            OrderState = "OPEN"
	StatePartiallyFilled OrderState = "PARTIALLY_FILLED"
	StateFilled          OrderState = "FILLED"
	StateCancelled       OrderState = "CANCELLED"
	StateRejected        OrderState = "REJECTED"
	StateError           OrderState = "ERROR"
)

// ExitParams carries the optional exit configuration of an intent.
type ExitParams struct {
	StopLoss            *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit          *decimal.Decimal `json:"take_profit,omitempty"`
	TimeStopBars        *int             `json:"time_stop_bars,omitempty"`
	TrailStep           *decimal.Decimal `json:"trail_step,omitempty"`
	PartialExitFraction *float64         `json:"partial_exit_fraction,omitempty"`
}

// OrderIntent is what a strategy wants traded. It is consumed once.
type OrderIntent struct {
	Symbol        string           `json:"symbol"`
	Side          Side             `json:"side"`
	Quantity      int64            `json:"quantity"`
	Kind          OrderKind        `json:"kind"`
	LimitPrice    *decimal.Decimal `json:"limit_price,omitempty"`
	Strategy      string           `json:"strategy"`
	Exits         ExitParams       `json:"exits"`
	FixedQuantity *int64           `json:"fixed_quantity,omitempty"`

	// CloseReason is set on intents generated by exit managers.
	CloseReason string `json:"close_reason,omitempty"`
}

// EffectiveQuantity is FixedQuantity when set, Quantity otherwise.
func (i OrderIntent) EffectiveQuantity() int64 {
	if i.FixedQuantity != nil {
		return *i.FixedQuantity
	}
	return i.Quantity
}

// LifecycleEvent is one entry of an order's audit trail.
type LifecycleEvent struct {
	Timestamp time.Time  `json:"timestamp"`
	From      OrderState `json:"from"`
	To        OrderState `json:"to"`
	Message   string     `json:"message"`
}

// Order is owned by an execution engine for its lifetime.
type Order struct {
	ID            string           `json:"order_id"`
	BrokerOrderID string           `json:"broker_order_id,omitempty"`
	Symbol        string           `json:"symbol"`
	Side          Side             `json:"side"`
	Kind          OrderKind        `json:"kind"`
	Quantity      int64            `json:"quantity"`
	FilledQty     int64            `json:"filled_qty"`
	RemainingQty  int64            `json:"remaining_qty"`
	LimitPrice    *decimal.Decimal `json:"limit_price,omitempty"`
	AvgFillPrice  *decimal.Decimal `json:"avg_fill_price,omitempty"`
	State         OrderState       `json:"state"`
	Strategy      string           `json:"strategy"`
	Exits         ExitParams       `json:"exits"`
	CloseReason   string           `json:"close_reason,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	Events        []LifecycleEvent `json:"events"`
}

// Clone returns a deep copy safe to hand out of a lock.
func (o *Order) Clone() Order {
	c := *o
	c.Events = make([]LifecycleEvent, len(o.Events))
	copy(c.Events, o.Events)
	if o.AvgFillPrice != nil {
		p := *o.AvgFillPrice
		c.AvgFillPrice = &p
	}
	return c
}

// LastMessage returns the message of the most recent lifecycle event.
func (o *Order) LastMessage() string {
	if len(o.Events) == 0 {
		return ""
	}
	return o.Events[len(o.Events)-1].Message
}
