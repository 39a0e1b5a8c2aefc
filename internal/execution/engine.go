// Package execution runs orders from intent to terminal state. Paper
// fills locally through the fill engine; Live places with a broker and
// leaves terminal states to reconciliation.
package execution

import (
	"context"
	"errors"
	"time"

	"github.com/ksred/klear-oms/internal/events"
	"github.com/ksred/klear-oms/internal/fill"
	"github.com/ksred/klear-oms/internal/journal"
	"github.com/ksred/klear-oms/internal/types"
	"github.com/shopspring/decimal"
)

var (
	// ErrOrderNotFound is returned for order IDs never issued by the engine.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderTerminal is returned when cancelling a finished order.
	ErrOrderTerminal = errors.New("order is already terminal")
	// ErrOrderInFlight is returned when cancelling a live order that has
	// not been acknowledged by the broker yet.
	ErrOrderInFlight = errors.New("order is still being placed")
)

const (
	ModePaper = "paper"
	ModeLive  = "live"
)

// Config holds the execution policy.
type Config struct {
	// AllowShort permits SELL intents that open from flat.
	AllowShort bool
	// StrictInvariants panics on invariant violations instead of moving
	// the affected order to ERROR.
	StrictInvariants bool
	// DefaultTrailStep trails the remainder after a partial stop exit
	// when the order carried no trail step.
	DefaultTrailStep *decimal.Decimal
	// PartialExitFraction applies to positions whose opening order did
	// not set one. Zero closes the full position on a stop breach.
	PartialExitFraction float64
}

// Deps are the collaborators shared by both engines.
type Deps struct {
	Fill    *fill.Engine
	Bus     *events.Bus
	Journal journal.Journal
	Clock   func() time.Time
}

// Engine is the contract shared by the paper and live engines.
type Engine interface {
	Mode() string
	// PlaceOrder returns a ValidationError and no order for malformed
	// intents. Otherwise the order is returned in its resulting state.
	PlaceOrder(ctx context.Context, intent types.OrderIntent) (*types.Order, error)
	// UpdatePositions marks positions to market and runs price exits. It
	// returns the exit orders it placed.
	UpdatePositions(ctx context.Context, snaps map[string]types.MarketSnapshot) []types.Order
	// OnCandleClose counts a bar and runs every exit including time stops.
	OnCandleClose(ctx context.Context, candle types.CandleClose) []types.Order
	CancelOrder(ctx context.Context, orderID string) (*types.Order, error)
	GetOrder(ctx context.Context, orderID string) (types.Order, error)
	ListOrders() []types.Order
	GetOpenPositions() []types.Position
	ClosedPositions() []types.Position
	GetMetrics() types.Metrics
	NetQuantity(symbol string) int64
}
