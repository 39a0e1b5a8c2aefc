// Package guardian is the pre-trade check consulted before live
// placement.
package guardian

import (
	"context"
	"fmt"
	"strings"

	"github.com/ksred/klear-oms/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Decision is the validator's verdict. Reason is set when Allow is false.
type Decision struct {
	Allow  bool
	Reason string
}

func allow() Decision {
	return Decision{Allow: true}
}

func block(format string, args ...any) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...)}
}

// Validator decides whether an intent may be sent to the broker.
type Validator interface {
	Validate(ctx context.Context, intent types.OrderIntent, snap types.MarketSnapshot) Decision
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, intent types.OrderIntent, snap types.MarketSnapshot) Decision

func (f ValidatorFunc) Validate(ctx context.Context, intent types.OrderIntent, snap types.MarketSnapshot) Decision {
	return f(ctx, intent, snap)
}

// AllowAll never blocks.
var AllowAll Validator = ValidatorFunc(func(context.Context, types.OrderIntent, types.MarketSnapshot) Decision {
	return allow()
})

// Limits configures Rules. Zero values disable a limit.
type Limits struct {
	MaxOrderQty    int64    `yaml:"max_order_qty"`
	MaxPositionQty int64    `yaml:"max_position_qty"`
	MaxNotional    float64  `yaml:"max_notional"`
	AllowedSymbols []string `yaml:"allowed_symbols"`
	BlockedSymbols []string `yaml:"blocked_symbols"`
}

// ExposureFunc returns the current signed position in symbol.
type ExposureFunc func(symbol string) int64

// Rules is a static limits validator. Intents that only reduce an open
// position skip the size checks so exits are never blocked on size.
type Rules struct {
	limits   Limits
	allowed  map[string]bool
	blocked  map[string]bool
	exposure ExposureFunc
}

// NewRules builds a validator from limits. exposure may be nil, in which
// case every symbol is treated as flat.
func NewRules(limits Limits, exposure ExposureFunc) *Rules {
	r := &Rules{
		limits:   limits,
		allowed:  toSet(limits.AllowedSymbols),
		blocked:  toSet(limits.BlockedSymbols),
		exposure: exposure,
	}
	if r.exposure == nil {
		r.exposure = func(string) int64 { return 0 }
	}
	return r
}

func (r *Rules) Validate(_ context.Context, intent types.OrderIntent, snap types.MarketSnapshot) Decision {
	logger := log.With().
		Str("component", "guardian").
		Str("symbol", intent.Symbol).
		Str("side", string(intent.Side)).
		Logger()

	d := r.check(intent, snap)
	if !d.Allow {
		logger.Warn().Str("reason", d.Reason).Msg("order blocked")
	}
	return d
}

func (r *Rules) check(intent types.OrderIntent, snap types.MarketSnapshot) Decision {
	symbol := strings.ToUpper(intent.Symbol)
	if r.blocked[symbol] {
		return block("symbol %s is blocked", intent.Symbol)
	}
	if len(r.allowed) > 0 && !r.allowed[symbol] {
		return block("symbol %s is not in the allowed list", intent.Symbol)
	}

	qty := intent.EffectiveQuantity()
	current := r.exposure(intent.Symbol)
	next := current + intent.Side.Sign()*qty
	if absInt(next) < absInt(current) && (next == 0 || (current > 0) == (next > 0)) {
		return allow()
	}

	if r.limits.MaxOrderQty > 0 && qty > r.limits.MaxOrderQty {
		return block("order quantity %d exceeds max order size %d", qty, r.limits.MaxOrderQty)
	}
	if r.limits.MaxPositionQty > 0 && absInt(next) > r.limits.MaxPositionQty {
		return block("max position size exceeded (%d > %d)", absInt(next), r.limits.MaxPositionQty)
	}
	if r.limits.MaxNotional > 0 {
		price := snap.LastTradedPrice
		if intent.LimitPrice != nil {
			price = *intent.LimitPrice
		}
		notional := price.Mul(decimal.NewFromInt(qty))
		if notional.GreaterThan(decimal.NewFromFloat(r.limits.MaxNotional)) {
			return block("order notional %s exceeds max notional %v", notional.StringFixed(2), r.limits.MaxNotional)
		}
	}
	return allow()
}

func toSet(symbols []string) map[string]bool {
	out := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		if s = strings.TrimSpace(s); s != "" {
			out[strings.ToUpper(s)] = true
		}
	}
	return out
}

func absInt(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
