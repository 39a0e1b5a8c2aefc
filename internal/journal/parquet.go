package journal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ksred/klear-oms/internal/types"
	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"
)

// ParquetRecord is the on-disk schema of an exported journal.
type ParquetRecord struct {
	Session   string `parquet:"session"`
	Seq       int64  `parquet:"seq"`
	Kind      string `parquet:"kind"`
	Timestamp int64  `parquet:"timestamp,timestamp(millisecond)"`
	OrderID   string `parquet:"order_id"`
	Symbol    string `parquet:"symbol"`
	Side      string `parquet:"side"`
	Qty       int64  `parquet:"qty"`
	// Price keeps the exact decimal text.
	Price    string `parquet:"price"`
	NewState string `parquet:"new_state"`
	Message  string `parquet:"message"`
}

// ExportParquet writes every record matching filter to path and returns
// the number written.
func ExportParquet(ctx context.Context, r Reader, filter Filter, path string) (int, error) {
	records, err := r.Records(ctx, filter)
	if err != nil {
		return 0, err
	}
	rows := make([]ParquetRecord, 0, len(records))
	for _, rec := range records {
		rows = append(rows, ParquetRecord{
			Session:   rec.Session,
			Seq:       int64(rec.Seq),
			Kind:      string(rec.Kind),
			Timestamp: rec.Timestamp.UnixMilli(),
			OrderID:   rec.OrderID,
			Symbol:    rec.Symbol,
			Side:      string(rec.Side),
			Qty:       rec.Qty,
			Price:     rec.Price.String(),
			NewState:  string(rec.NewState),
			Message:   rec.Message,
		})
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}
	if err := parquet.WriteFile(path, rows); err != nil {
		return 0, fmt.Errorf("write %s: %w", path, err)
	}
	return len(rows), nil
}

// ReadParquet loads records written by ExportParquet.
func ReadParquet(path string) ([]Record, error) {
	rows, err := parquet.ReadFile[ParquetRecord](path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		price, err := decimal.NewFromString(row.Price)
		if err != nil {
			return nil, fmt.Errorf("record %d: bad price %q: %w", row.Seq, row.Price, err)
		}
		out = append(out, Record{
			Session:   row.Session,
			Seq:       uint64(row.Seq),
			Kind:      Kind(row.Kind),
			Timestamp: time.UnixMilli(row.Timestamp).UTC(),
			OrderID:   row.OrderID,
			Symbol:    row.Symbol,
			Side:      types.Side(row.Side),
			Qty:       row.Qty,
			Price:     price,
			NewState:  types.OrderState(row.NewState),
			Message:   row.Message,
		})
	}
	return out, nil
}
