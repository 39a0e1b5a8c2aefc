// Package broker defines the boundary to an external broker of record and
// ships two adapters: Alpaca for real accounts and an in-memory Simulator
// for dry runs and tests.
package broker

import (
	"context"

	"github.com/ksred/klear-oms/internal/types"
	"github.com/shopspring/decimal"
)

// OrderStatus is the broker's view of an order.
type OrderStatus string

const (
	StatusOpen      OrderStatus = "OPEN"
	StatusPlaced    OrderStatus = "PLACED"
	StatusPartial   OrderStatus = "PARTIAL"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusRejected  OrderStatus = "REJECTED"
)

// Placement is the broker's acknowledgement of a new order.
type Placement struct {
	BrokerOrderID string
	Status        OrderStatus
}

// OrderReport is one row of a broker order poll. FilledQty and AvgPrice
// are cumulative.
type OrderReport struct {
	BrokerOrderID string
	ClientOrderID string
	Status        OrderStatus
	FilledQty     int64
	AvgPrice      decimal.Decimal
	Reason        string
}

// PositionReport is the broker's net position in a symbol.
type PositionReport struct {
	Symbol    string
	SignedQty int64
	AvgPrice  decimal.Decimal
}

// Adapter is implemented by every broker integration. Errors should be
// wrapped in *Error so callers can tell transient from permanent.
type Adapter interface {
	Name() string
	PlaceOrder(ctx context.Context, order *types.Order) (Placement, error)
	PollOrders(ctx context.Context) ([]OrderReport, error)
	PollPositions(ctx context.Context) ([]PositionReport, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
}

// PriceObserver is implemented by adapters that price their own fills
// from the market feed.
type PriceObserver interface {
	ObservePrice(snap types.MarketSnapshot)
}
