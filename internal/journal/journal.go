// Package journal is the durable audit trail of fills and terminal order
// transitions. Records carry a per-session sequence number assigned by the
// engine, and every sink treats (session, seq) as the idempotency key.
package journal

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ksred/klear-oms/internal/types"
	"github.com/shopspring/decimal"
)

// Kind distinguishes fill records from state records.
type Kind string

const (
	KindFill  Kind = "FILL"
	KindState Kind = "STATE"
)

// Record is one journal entry.
type Record struct {
	Session   string           `json:"session"`
	Seq       uint64           `json:"seq"`
	Kind      Kind             `json:"kind"`
	Timestamp time.Time        `json:"timestamp"`
	OrderID   string           `json:"order_id"`
	Symbol    string           `json:"symbol"`
	Side      types.Side       `json:"side"`
	Qty       int64            `json:"qty"`
	Price     decimal.Decimal  `json:"price"`
	NewState  types.OrderState `json:"new_state"`
	Message   string           `json:"message,omitempty"`
}

// Journal receives records and archives. Archive calls with an already
// archived order ID replace the prior copy.
type Journal interface {
	Append(ctx context.Context, rec Record) error
	ArchiveOrder(ctx context.Context, order types.Order) error
	ArchivePosition(ctx context.Context, pos types.Position) error
}

// Reader is implemented by journals that can be queried.
type Reader interface {
	Records(ctx context.Context, filter Filter) ([]Record, error)
	ArchivedOrder(ctx context.Context, orderID string) (types.Order, error)
	ClosedPositions(ctx context.Context, symbol string) ([]types.Position, error)
}

// Filter narrows Records. Zero fields match everything.
type Filter struct {
	OrderID string
	Symbol  string
	Kind    Kind
	Since   time.Time
}

func (f Filter) match(r Record) bool {
	if f.OrderID != "" && r.OrderID != f.OrderID {
		return false
	}
	if f.Symbol != "" && r.Symbol != f.Symbol {
		return false
	}
	if f.Kind != "" && r.Kind != f.Kind {
		return false
	}
	if !f.Since.IsZero() && r.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

type recordKey struct {
	session string
	seq     uint64
}

var (
	_ Journal = (*Memory)(nil)
	_ Reader  = (*Memory)(nil)
)

// Memory keeps the journal in process. It is the paper-mode default and
// the test double.
type Memory struct {
	mu        sync.RWMutex
	records   []Record
	seen      map[recordKey]bool
	orders    map[string]types.Order
	positions []types.Position
}

func NewMemory() *Memory {
	return &Memory{
		seen:   make(map[recordKey]bool),
		orders: make(map[string]types.Order),
	}
}

func (m *Memory) Append(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := recordKey{rec.Session, rec.Seq}
	if m.seen[k] {
		return nil
	}
	m.seen[k] = true
	m.records = append(m.records, rec)
	return nil
}

func (m *Memory) ArchiveOrder(_ context.Context, order types.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[order.ID] = order.Clone()
	return nil
}

func (m *Memory) ArchivePosition(_ context.Context, pos types.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = append(m.positions, pos.Clone())
	return nil
}

func (m *Memory) Records(_ context.Context, filter Filter) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		if filter.match(r) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *Memory) ArchivedOrder(_ context.Context, orderID string) (types.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[orderID]
	if !ok {
		return types.Order{}, ErrNotFound
	}
	return o.Clone(), nil
}

func (m *Memory) ClosedPositions(_ context.Context, symbol string) ([]types.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Position
	for _, p := range m.positions {
		if symbol == "" || p.Symbol == symbol {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}
