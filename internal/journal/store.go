package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ksred/klear-oms/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned for unknown archived orders.
var ErrNotFound = gorm.ErrRecordNotFound

var (
	_ Journal = (*Store)(nil)
	_ Reader  = (*Store)(nil)
)

// Store persists the journal with gorm. Tables are created by
// internal/database/migrations.
type Store struct {
	db     *gorm.DB
	logger zerolog.Logger
}

func NewStore(db *gorm.DB) *Store {
	return &Store{
		db:     db,
		logger: log.With().Str("component", "journal_store").Logger(),
	}
}

// Append inserts rec. A record whose (session, seq) is already stored is
// ignored.
func (s *Store) Append(ctx context.Context, rec Record) error {
	entry := Entry{
		Session:   rec.Session,
		Seq:       rec.Seq,
		Kind:      string(rec.Kind),
		Timestamp: rec.Timestamp,
		OrderID:   rec.OrderID,
		Symbol:    rec.Symbol,
		Side:      string(rec.Side),
		Qty:       rec.Qty,
		Price:     rec.Price,
		NewState:  string(rec.NewState),
		Message:   rec.Message,
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session"}, {Name: "seq"}},
			DoNothing: true,
		}).
		Create(&entry)
	if result.Error != nil {
		return fmt.Errorf("append journal record %d: %w", rec.Seq, result.Error)
	}
	if result.RowsAffected == 0 {
		s.logger.Debug().Uint64("seq", rec.Seq).Str("order_id", rec.OrderID).Msg("duplicate journal record ignored")
	}
	return nil
}

func (s *Store) ArchiveOrder(ctx context.Context, order types.Order) error {
	payload, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("encode order %s: %w", order.ID, err)
	}
	row := ArchivedOrder{
		OrderID:       order.ID,
		BrokerOrderID: order.BrokerOrderID,
		Symbol:        order.Symbol,
		Side:          string(order.Side),
		State:         string(order.State),
		Quantity:      order.Quantity,
		FilledQty:     order.FilledQty,
		Strategy:      order.Strategy,
		CloseReason:   order.CloseReason,
		Payload:       string(payload),
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "order_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"broker_order_id", "state", "filled_qty", "payload", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("archive order %s: %w", order.ID, err)
	}
	return nil
}

func (s *Store) ArchivePosition(ctx context.Context, pos types.Position) error {
	payload, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("encode position %s: %w", pos.Symbol, err)
	}
	row := ClosedPosition{
		Symbol:        pos.Symbol,
		RealizedPnL:   pos.RealizedPnL,
		AvgEntryPrice: pos.AvgEntryPrice,
		BarsHeld:      pos.BarsHeld,
		OpenedAt:      pos.OpenedAt,
		ClosedAt:      pos.ClosedAt,
		Payload:       string(payload),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("archive position %s: %w", pos.Symbol, err)
	}
	return nil
}

func (s *Store) Records(ctx context.Context, filter Filter) ([]Record, error) {
	q := s.db.WithContext(ctx).Model(&Entry{})
	if filter.OrderID != "" {
		q = q.Where("order_id = ?", filter.OrderID)
	}
	if filter.Symbol != "" {
		q = q.Where("symbol = ?", filter.Symbol)
	}
	if filter.Kind != "" {
		q = q.Where("kind = ?", string(filter.Kind))
	}
	if !filter.Since.IsZero() {
		q = q.Where("timestamp >= ?", filter.Since)
	}

	var entries []Entry
	if err := q.Order("id ASC").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		out = append(out, Record{
			Session:   e.Session,
			Seq:       e.Seq,
			Kind:      Kind(e.Kind),
			Timestamp: e.Timestamp,
			OrderID:   e.OrderID,
			Symbol:    e.Symbol,
			Side:      types.Side(e.Side),
			Qty:       e.Qty,
			Price:     e.Price,
			NewState:  types.OrderState(e.NewState),
			Message:   e.Message,
		})
	}
	return out, nil
}

func (s *Store) ArchivedOrder(ctx context.Context, orderID string) (types.Order, error) {
	var row ArchivedOrder
	if err := s.db.WithContext(ctx).Where("order_id = ?", orderID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return types.Order{}, ErrNotFound
		}
		return types.Order{}, err
	}
	var order types.Order
	if err := json.Unmarshal([]byte(row.Payload), &order); err != nil {
		return types.Order{}, fmt.Errorf("decode archived order %s: %w", orderID, err)
	}
	return order, nil
}

func (s *Store) ClosedPositions(ctx context.Context, symbol string) ([]types.Position, error) {
	q := s.db.WithContext(ctx).Model(&ClosedPosition{})
	if symbol != "" {
		q = q.Where("symbol = ?", symbol)
	}
	var rows []ClosedPosition
	if err := q.Order("closed_at ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.Position, 0, len(rows))
	for _, r := range rows {
		var p types.Position
		if err := json.Unmarshal([]byte(r.Payload), &p); err != nil {
			return nil, fmt.Errorf("decode closed position %d: %w", r.ID, err)
		}
		out = append(out, p)
	}
	return out, nil
}
