// Package reconcile heals divergence between the local order and position
// tables and the broker of record. It runs on its own schedule and only
// touches engine state through the engine's lock-protected repair methods.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-oms/internal/broker"
	"github.com/ksred/klear-oms/internal/events"
	"github.com/ksred/klear-oms/internal/types"
	"github.com/ksred/klear-oms/pkg/response"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Book is the engine side of reconciliation. *execution.Live satisfies it.
type Book interface {
	PlacedOrders() []types.Order
	AdvanceToOpen(ctx context.Context, orderID, msg string) bool
	ReconcileFill(ctx context.Context, orderID string, cumQty int64, cumAvg decimal.Decimal) (bool, error)
	CloseFromBroker(ctx context.Context, orderID string, to types.OrderState, reason string) (bool, error)
	GetOpenPositions() []types.Position
	SyncPosition(ctx context.Context, rep broker.PositionReport) bool
}

// Config controls the loop.
type Config struct {
	Interval time.Duration `yaml:"interval"`
	// Positions enables the position rebuild. Only meaningful against a
	// real broker of record.
	Positions bool `yaml:"positions"`
}

// DefaultConfig is the live cadence.
func DefaultConfig() Config {
	return Config{Interval: 2 * time.Second, Positions: true}
}

// Result summarizes one cycle.
type Result struct {
	Advanced      int `json:"advanced"`
	Fills         int `json:"fills"`
	Closed        int `json:"closed"`
	Discrepancies int `json:"discrepancies"`
	Synced        int `json:"synced"`
}

// Changes is the number of local state changes made.
func (r Result) Changes() int {
	return r.Advanced + r.Fills + r.Closed + r.Synced
}

// Status is the loop's health as exposed over HTTP.
type Status struct {
	Interval      string    `json:"interval"`
	Positions     bool      `json:"positions"`
	Cycles        int64     `json:"cycles"`
	Failures      int64     `json:"failures"`
	Discrepancies int64     `json:"discrepancies"`
	LastCycle     time.Time `json:"last_cycle,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	LastResult    Result    `json:"last_result"`
}

type Reconciler struct {
	book    Book
	adapter broker.Adapter
	bus     *events.Bus
	cfg     Config
	clock   func() time.Time

	mu     sync.Mutex
	status Status

	logger zerolog.Logger
}

// New creates a reconciler. A zero interval falls back to the default.
func New(cfg Config, book Book, adapter broker.Adapter, bus *events.Bus) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	return &Reconciler{
		book:    book,
		adapter: adapter,
		bus:     bus,
		cfg:     cfg,
		clock:   func() time.Time { return time.Now().UTC() },
		status:  Status{Interval: cfg.Interval.String(), Positions: cfg.Positions},
		logger: log.With().
			Str("component", "reconciler").
			Str("broker", adapter.Name()).
			Logger(),
	}
}

// Start runs a cycle every interval until ctx is done. A failed or
// panicking cycle is logged and the loop carries on.
func (r *Reconciler) Start(ctx context.Context) {
	r.logger.Info().Dur("interval", r.cfg.Interval).Bool("positions", r.cfg.Positions).Msg("starting reconciler")

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("shutting down reconciler")
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.logger.Error().Err(err).Msg("reconciliation cycle failed")
			}
		}
	}
}

// RunOnce performs one order pass and, when enabled, one position pass.
func (r *Reconciler) RunOnce(ctx context.Context) (res Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("reconciliation cycle panicked: %v", p)
		}
		r.finishCycle(res, err)
	}()

	if err = r.reconcileOrders(ctx, &res); err != nil {
		return res, err
	}
	if r.cfg.Positions {
		if err = r.reconcilePositions(ctx, &res); err != nil {
			return res, err
		}
	}
	if res.Changes() > 0 || res.Discrepancies > 0 {
		r.logger.Info().
			Int("advanced", res.Advanced).
			Int("fills", res.Fills).
			Int("closed", res.Closed).
			Int("synced", res.Synced).
			Int("discrepancies", res.Discrepancies).
			Msg("reconciliation cycle applied changes")
	}
	return res, nil
}

func (r *Reconciler) reconcileOrders(ctx context.Context, res *Result) error {
	local := r.book.PlacedOrders()
	if len(local) == 0 {
		return nil
	}
	reports, err := r.adapter.PollOrders(ctx)
	if err != nil {
		return fmt.Errorf("poll orders: %w", err)
	}

	byBroker := make(map[string]*broker.OrderReport, len(reports))
	byClient := make(map[string]*broker.OrderReport, len(reports))
	for i := range reports {
		rep := &reports[i]
		if rep.BrokerOrderID != "" {
			byBroker[rep.BrokerOrderID] = rep
		}
		if rep.ClientOrderID != "" {
			byClient[rep.ClientOrderID] = rep
		}
	}

	for _, o := range local {
		rep := byBroker[o.BrokerOrderID]
		if rep == nil {
			rep = byClient[o.ID]
		}
		if err := r.apply(ctx, o, rep, res); err != nil {
			r.logger.Error().Err(err).Str("order_id", o.ID).Msg("order repair failed")
		}
	}
	return nil
}

func (r *Reconciler) apply(ctx context.Context, o types.Order, rep *broker.OrderReport, res *Result) error {
	a := Decide(o, rep)
	if a.Noop() {
		return nil
	}
	logger := r.logger.With().Str("order_id", o.ID).Str("broker_order_id", o.BrokerOrderID).Logger()

	if a.Discrepancy != "" {
		res.Discrepancies++
		logger.Warn().Str("state", string(o.State)).Msg(a.Discrepancy)
		r.publishDiscrepancy(o, rep, a.Discrepancy)
	}
	if a.Advance && r.book.AdvanceToOpen(ctx, o.ID, "broker reports "+string(rep.Status)) {
		res.Advanced++
	}
	if a.FillTo > 0 {
		applied, err := r.book.ReconcileFill(ctx, o.ID, a.FillTo, a.AvgPrice)
		if err != nil {
			return err
		}
		if applied {
			res.Fills++
			logger.Info().Int64("broker_filled", a.FillTo).Int64("local_filled", o.FilledQty).Msg("fill reconciled")
		}
	}
	if a.Close != "" {
		closed, err := r.book.CloseFromBroker(ctx, o.ID, a.Close, a.Reason)
		if err != nil {
			return err
		}
		if closed {
			res.Closed++
			logger.Info().Str("state", string(a.Close)).Str("reason", a.Reason).Msg("order closed by broker")
		}
	}
	return nil
}

func (r *Reconciler) publishDiscrepancy(o types.Order, rep *broker.OrderReport, reason string) {
	if r.bus == nil {
		return
	}
	payload := map[string]any{
		"order_id":        o.ID,
		"broker_order_id": o.BrokerOrderID,
		"symbol":          o.Symbol,
		"local_state":     string(o.State),
		"local_filled":    o.FilledQty,
		"reason":          reason,
	}
	if rep != nil {
		payload["broker_status"] = string(rep.Status)
		payload["broker_filled"] = rep.FilledQty
	}
	r.bus.Publish(events.New(events.ReconciliationDiscrepancy, r.clock(), payload))
}

// reconcilePositions compares every symbol known to either side. A local
// position the broker does not list is treated as broker-flat.
func (r *Reconciler) reconcilePositions(ctx context.Context, res *Result) error {
	reports, err := r.adapter.PollPositions(ctx)
	if err != nil {
		return fmt.Errorf("poll positions: %w", err)
	}
	bySymbol := make(map[string]broker.PositionReport, len(reports))
	for _, rep := range reports {
		bySymbol[rep.Symbol] = rep
	}
	for _, p := range r.book.GetOpenPositions() {
		if _, ok := bySymbol[p.Symbol]; !ok {
			bySymbol[p.Symbol] = broker.PositionReport{Symbol: p.Symbol}
		}
	}

	symbols := make([]string, 0, len(bySymbol))
	for s := range bySymbol {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	for _, s := range symbols {
		if r.book.SyncPosition(ctx, bySymbol[s]) {
			res.Synced++
		}
	}
	return nil
}

func (r *Reconciler) finishCycle(res Result, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status.Cycles++
	r.status.LastCycle = r.clock()
	r.status.LastResult = res
	r.status.Discrepancies += int64(res.Discrepancies)
	if err != nil {
		r.status.Failures++
		r.status.LastError = err.Error()
		return
	}
	r.status.LastError = ""
}

// Status returns a snapshot of the loop's counters.
func (r *Reconciler) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// StatusHandler serves the loop status.
func (r *Reconciler) StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, r.Status())
	}
}
