// Package trading is the HTTP intake in front of an execution engine. It
// adds idempotent order placement and exposes engine state to operators.
package trading

import (
	"context"
	"sync"
	"time"

	"github.com/ksred/klear-oms/internal/execution"
	"github.com/ksred/klear-oms/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// DefaultIdempotencyTTL is how long an idempotency key replays its order.
const DefaultIdempotencyTTL = 24 * time.Hour

// Service handles order intake for one engine.
type Service struct {
	engine execution.Engine
	db     *Database
	ttl    time.Duration
	clock  func() time.Time

	mu   sync.Mutex
	keys map[string]*keyLock

	logger zerolog.Logger
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewService creates an intake service storing idempotency keys in gormDB.
func NewService(engine execution.Engine, gormDB *gorm.DB) *Service {
	return &Service{
		engine: engine,
		db:     NewDatabase(gormDB),
		ttl:    DefaultIdempotencyTTL,
		clock:  time.Now,
		keys:   make(map[string]*keyLock),
		logger: log.With().Str("component", "trading_service").Str("mode", engine.Mode()).Logger(),
	}
}

// Engine returns the engine orders are routed to.
func (s *Service) Engine() execution.Engine {
	return s.engine
}

// PlaceOrder places intent once per idempotency key. A repeated key within
// the TTL returns the order the first request created, in its current
// state, with replayed set. Validation failures are not recorded, so a
// corrected request may reuse the key.
func (s *Service) PlaceOrder(ctx context.Context, intent types.OrderIntent, idempotencyKey, clientID string) (*types.Order, bool, error) {
	if idempotencyKey == "" {
		o, err := s.engine.PlaceOrder(ctx, intent)
		return o, false, err
	}

	unlock := s.lockKey(idempotencyKey)
	defer unlock()

	now := s.clock()
	record, err := s.db.GetIdempotencyRecord(idempotencyKey)
	if err != nil {
		return nil, false, err
	}
	if record != nil && record.ExpiresAt.After(now) {
		existing, err := s.engine.GetOrder(ctx, record.ResourceID)
		if err != nil {
			return nil, false, err
		}
		s.logger.Info().
			Str("idempotency_key", idempotencyKey).
			Str("order_id", existing.ID).
			Msg("replaying order for idempotency key")
		return &existing, true, nil
	}

	o, err := s.engine.PlaceOrder(ctx, intent)
	if err != nil {
		return nil, false, err
	}
	if err := s.db.SaveIdempotencyRecord(idempotencyKey, o.ID, clientID, now.Add(s.ttl)); err != nil {
		// The order exists; losing the key only disables replay for it.
		s.logger.Error().Err(err).Str("order_id", o.ID).Msg("failed to store idempotency record")
	}
	return o, false, nil
}

// lockKey serializes requests sharing a key without blocking other keys.
func (s *Service) lockKey(key string) func() {
	s.mu.Lock()
	l, ok := s.keys[key]
	if !ok {
		l = &keyLock{}
		s.keys[key] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.keys, key)
		}
		s.mu.Unlock()
	}
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (types.Order, error) {
	return s.engine.GetOrder(ctx, orderID)
}

func (s *Service) CancelOrder(ctx context.Context, orderID string) (*types.Order, error) {
	return s.engine.CancelOrder(ctx, orderID)
}

// MarketUpdate feeds snapshots to the engine and returns triggered exits.
func (s *Service) MarketUpdate(ctx context.Context, snaps []types.MarketSnapshot) []types.Order {
	bySymbol := make(map[string]types.MarketSnapshot, len(snaps))
	for _, snap := range snaps {
		bySymbol[snap.Symbol] = snap
	}
	return s.engine.UpdatePositions(ctx, bySymbol)
}

func (s *Service) CandleClose(ctx context.Context, candle types.CandleClose) []types.Order {
	return s.engine.OnCandleClose(ctx, candle)
}

// PurgeExpiredKeys removes idempotency records past their TTL.
func (s *Service) PurgeExpiredKeys() (int64, error) {
	return s.db.PurgeExpired(s.clock())
}
