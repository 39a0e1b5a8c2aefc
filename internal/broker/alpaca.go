package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/ksred/klear-oms/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// AlpacaConfig holds Alpaca trading API credentials.
type AlpacaConfig struct {
	APIKey            string  `yaml:"api_key"`
	APISecret         string  `yaml:"api_secret"`
	BaseURL           string  `yaml:"base_url"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	PollLimit         int     `yaml:"poll_limit"`
}

var _ Adapter = (*Alpaca)(nil)

// Alpaca places and tracks orders through the Alpaca trading API. Our
// order ID is sent as the client order ID so polls can be matched either
// way.
type Alpaca struct {
	client    *alpaca.Client
	limiter   *rate.Limiter
	pollLimit int
	logger    zerolog.Logger
}

// NewAlpaca creates the adapter. Requests are paced by RequestsPerSecond
// (0 means unlimited).
func NewAlpaca(cfg AlpacaConfig) (*Alpaca, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, errors.New("alpaca: api key and secret are required")
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	pollLimit := cfg.PollLimit
	if pollLimit <= 0 {
		pollLimit = 500
	}
	return &Alpaca{
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
			BaseURL:   cfg.BaseURL,
		}),
		limiter:   rate.NewLimiter(limit, 1),
		pollLimit: pollLimit,
		logger:    log.With().Str("component", "alpaca_broker").Logger(),
	}, nil
}

func (a *Alpaca) Name() string {
	return "alpaca"
}

func (a *Alpaca) PlaceOrder(ctx context.Context, order *types.Order) (Placement, error) {
	if err := a.wait(ctx, "place_order"); err != nil {
		return Placement{}, err
	}

	qty := decimal.NewFromInt(order.RemainingQty)
	req := alpaca.PlaceOrderRequest{
		Symbol:        order.Symbol,
		Qty:           &qty,
		Side:          alpaca.Buy,
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: order.ID,
	}
	if order.Side == types.SideSell {
		req.Side = alpaca.Sell
	}
	if order.Kind == types.KindLimit {
		req.Type = alpaca.Limit
		req.LimitPrice = order.LimitPrice
	}

	placed, err := a.client.PlaceOrder(req)
	if err != nil {
		return Placement{}, classifyAlpaca("place_order", err)
	}
	a.logger.Info().
		Str("order_id", order.ID).
		Str("broker_order_id", placed.ID).
		Str("status", placed.Status).
		Msg("order placed")
	return Placement{BrokerOrderID: placed.ID, Status: mapAlpacaStatus(placed.Status)}, nil
}

func (a *Alpaca) PollOrders(ctx context.Context) ([]OrderReport, error) {
	if err := a.wait(ctx, "poll_orders"); err != nil {
		return nil, err
	}
	list, err := a.client.GetOrders(alpaca.GetOrdersRequest{
		Status: "all",
		Limit:  a.pollLimit,
	})
	if err != nil {
		return nil, classifyAlpaca("poll_orders", err)
	}

	reports := make([]OrderReport, 0, len(list))
	for _, o := range list {
		r := OrderReport{
			BrokerOrderID: o.ID,
			ClientOrderID: o.ClientOrderID,
			Status:        mapAlpacaStatus(o.Status),
			FilledQty:     o.FilledQty.IntPart(),
		}
		if o.FilledAvgPrice != nil {
			r.AvgPrice = *o.FilledAvgPrice
		}
		reports = append(reports, r)
	}
	return reports, nil
}

func (a *Alpaca) PollPositions(ctx context.Context) ([]PositionReport, error) {
	if err := a.wait(ctx, "poll_positions"); err != nil {
		return nil, err
	}
	list, err := a.client.GetPositions()
	if err != nil {
		return nil, classifyAlpaca("poll_positions", err)
	}

	reports := make([]PositionReport, 0, len(list))
	for _, p := range list {
		qty := p.Qty.IntPart()
		if strings.EqualFold(p.Side, "short") && qty > 0 {
			qty = -qty
		}
		reports = append(reports, PositionReport{
			Symbol:    p.Symbol,
			SignedQty: qty,
			AvgPrice:  p.AvgEntryPrice,
		})
	}
	return reports, nil
}

func (a *Alpaca) CancelOrder(ctx context.Context, brokerOrderID string) error {
	if err := a.wait(ctx, "cancel_order"); err != nil {
		return err
	}
	if err := a.client.CancelOrder(brokerOrderID); err != nil {
		return classifyAlpaca("cancel_order", err)
	}
	return nil
}

func (a *Alpaca) wait(ctx context.Context, op string) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return NewTransient(op, fmt.Errorf("rate limiter: %w", err))
	}
	return nil
}

// classifyAlpaca maps API errors by HTTP status: 429 and 5xx are
// transient, other 4xx are rejections. Errors without a status are
// transport failures and transient.
func classifyAlpaca(op string, err error) *Error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= http.StatusInternalServerError {
			return NewTransient(op, err)
		}
		msg := apiErr.Message
		if msg == "" {
			msg = err.Error()
		}
		return NewPermanent(op, errors.New(msg))
	}
	return NewTransient(op, err)
}

func mapAlpacaStatus(s string) OrderStatus {
	switch strings.ToLower(s) {
	case "filled":
		return StatusFilled
	case "partially_filled":
		return StatusPartial
	case "canceled", "cancelled", "expired", "replaced":
		return StatusCancelled
	case "rejected":
		return StatusRejected
	case "new", "accepted", "pending_new", "accepted_for_bidding":
		return StatusPlaced
	}
	return StatusOpen
}
