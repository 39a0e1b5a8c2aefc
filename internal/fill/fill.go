// Package fill decides at what price and size an order executes against a
// market snapshot. With every simulation knob off the result depends only
// on the order and the snapshot, which is what backtests rely on.
package fill

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/ksred/klear-oms/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// PricingMode selects the base price taken from a snapshot.
type PricingMode string

const (
	PricingLTP    PricingMode = "ltp"
	PricingMid    PricingMode = "mid"
	PricingBidAsk PricingMode = "bid_ask"
)

// ErrNoPrice is returned when a snapshot carries no usable price.
var ErrNoPrice = errors.New("no usable market price")

var bpsDivisor = decimal.NewFromInt(10000)

// Config holds the fill simulation parameters.
type Config struct {
	PricingMode            PricingMode   `yaml:"pricing_mode"`
	SlippageBps            float64       `yaml:"slippage_bps"`
	SpreadBps              float64       `yaml:"spread_bps"`
	PartialFillProbability float64       `yaml:"partial_fill_probability"`
	PartialFillFraction    float64       `yaml:"partial_fill_fraction"`
	Latency                time.Duration `yaml:"latency"`
	Seed                   int64         `yaml:"seed"`
}

// DefaultConfig is deterministic LTP pricing.
func DefaultConfig() Config {
	return Config{PricingMode: PricingLTP}
}

// Deterministic reports whether every randomizing feature is disabled.
func (c Config) Deterministic() bool {
	return c.SlippageBps == 0 && c.SpreadBps == 0 && c.PartialFillProbability == 0 && c.Latency == 0
}

// Validate checks ranges.
func (c Config) Validate() error {
	switch c.PricingMode {
	case PricingLTP, PricingMid, PricingBidAsk:
	default:
		return fmt.Errorf("unknown pricing mode %q", c.PricingMode)
	}
	if c.SlippageBps < 0 || c.SpreadBps < 0 {
		return errors.New("slippage and spread must be non-negative")
	}
	if c.PartialFillProbability < 0 || c.PartialFillProbability > 1 {
		return errors.New("partial fill probability must be in [0, 1]")
	}
	if c.PartialFillProbability > 0 && (c.PartialFillFraction <= 0 || c.PartialFillFraction >= 1) {
		return errors.New("partial fill fraction must be in (0, 1)")
	}
	if c.Latency < 0 {
		return errors.New("latency must be non-negative")
	}
	return nil
}

// Result is the outcome of one fill attempt.
type Result struct {
	Fillable    bool
	Price       decimal.Decimal
	Quantity    int64
	EffectiveAt time.Time
	Reason      string
}

// Engine evaluates fills. It is safe for concurrent use.
type Engine struct {
	cfg    Config
	mu     sync.Mutex
	rng    *rand.Rand
	logger zerolog.Logger
}

// NewEngine creates a fill engine. The RNG is seeded from cfg.Seed so even
// simulated runs are reproducible.
func NewEngine(cfg Config) *Engine {
	if cfg.PricingMode == "" {
		cfg.PricingMode = PricingLTP
	}
	return &Engine{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		logger: log.With().Str("component", "fill_engine").Logger(),
	}
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// DetermineFillPrice returns the base price for the order's side under the
// configured mode, adjusted for slippage.
func (e *Engine) DetermineFillPrice(order *types.Order, snap types.MarketSnapshot) (decimal.Decimal, error) {
	base, err := e.basePrice(order.Side, snap)
	if err != nil {
		return decimal.Zero, err
	}
	return applySlippage(base, order.Side, e.cfg.SlippageBps), nil
}

// Evaluate attempts to fill the order's remaining quantity. A LIMIT order
// that is not marketable returns Fillable false and should be retried on
// the next snapshot.
func (e *Engine) Evaluate(order *types.Order, snap types.MarketSnapshot, now time.Time) (Result, error) {
	logger := e.logger.With().
		Str("order_id", order.ID).
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Int64("remaining", order.RemainingQty).
		Logger()

	if order.RemainingQty <= 0 {
		return Result{Reason: "nothing left to fill"}, nil
	}

	price, err := e.DetermineFillPrice(order, snap)
	if err != nil {
		return Result{}, err
	}

	if order.Kind == types.KindLimit && order.LimitPrice != nil {
		if !marketable(order.Side, price, *order.LimitPrice) {
			logger.Debug().
				Str("price", price.String()).
				Str("limit", order.LimitPrice.String()).
				Msg("limit order not marketable")
			return Result{Price: price, Reason: "limit not marketable at " + price.String()}, nil
		}
	}

	qty := order.RemainingQty
	if e.cfg.PartialFillProbability > 0 && e.roll() < e.cfg.PartialFillProbability {
		partial := int64(math.Floor(float64(qty) * e.cfg.PartialFillFraction))
		if partial < 1 {
			partial = 1
		}
		if partial < qty {
			logger.Debug().
				Int64("partial_qty", partial).
				Float64("fraction", e.cfg.PartialFillFraction).
				Msg("simulated partial fill")
			qty = partial
		}
	}

	return Result{
		Fillable:    true,
		Price:       price,
		Quantity:    qty,
		EffectiveAt: now.Add(e.cfg.Latency),
	}, nil
}

func (e *Engine) basePrice(side types.Side, snap types.MarketSnapshot) (decimal.Decimal, error) {
	ltp := snap.LastTradedPrice
	bid, ask, hasBook := e.book(snap)

	switch e.cfg.PricingMode {
	case PricingMid:
		if hasBook {
			return bid.Add(ask).Div(decimal.NewFromInt(2)), nil
		}
	case PricingBidAsk:
		if hasBook {
			if side == types.SideBuy {
				return ask, nil
			}
			return bid, nil
		}
	}
	if !ltp.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w for %s", ErrNoPrice, snap.Symbol)
	}
	return ltp, nil
}

// book returns the snapshot's book, or one synthesized around LTP when
// spread simulation is on.
func (e *Engine) book(snap types.MarketSnapshot) (bid, ask decimal.Decimal, ok bool) {
	if snap.HasBook() && snap.Bid.IsPositive() && snap.Ask.IsPositive() {
		return *snap.Bid, *snap.Ask, true
	}
	if e.cfg.SpreadBps > 0 && snap.LastTradedPrice.IsPositive() {
		half := decimal.NewFromFloat(e.cfg.SpreadBps).Div(bpsDivisor).Div(decimal.NewFromInt(2))
		ltp := snap.LastTradedPrice
		return ltp.Mul(decimal.NewFromInt(1).Sub(half)), ltp.Mul(decimal.NewFromInt(1).Add(half)), true
	}
	return decimal.Zero, decimal.Zero, false
}

func (e *Engine) roll() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rng.Float64()
}

// applySlippage moves price against the taker: buyers pay more, sellers
// receive less.
func applySlippage(price decimal.Decimal, side types.Side, bps float64) decimal.Decimal {
	if bps == 0 {
		return price
	}
	adj := decimal.NewFromFloat(bps).Div(bpsDivisor)
	if side == types.SideBuy {
		return price.Mul(decimal.NewFromInt(1).Add(adj))
	}
	return price.Mul(decimal.NewFromInt(1).Sub(adj))
}

func marketable(side types.Side, price, limit decimal.Decimal) bool {
	if side == types.SideBuy {
		return price.LessThanOrEqual(limit)
	}
	return price.GreaterThanOrEqual(limit)
}
