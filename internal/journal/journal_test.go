package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ksred/klear-oms/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var at = time.Date(2024, 12, 2, 9, 15, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "journal.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&Entry{}, &ArchivedOrder{}, &ClosedPosition{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewStore(db)
}

func fillRecord(seq uint64) Record {
	return Record{
		Session:   "S1",
		Seq:       seq,
		Kind:      KindFill,
		Timestamp: at.Add(time.Duration(seq) * time.Second),
		OrderID:   "ORD_1",
		Symbol:    "NIFTY24DECFUT",
		Side:      types.SideBuy,
		Qty:       50,
		Price:     decimal.RequireFromString("19505.25"),
		NewState:  types.StateFilled,
	}
}

func sampleOrder() types.Order {
	avg := decimal.NewFromInt(19500)
	return types.Order{
		ID:           "ORD_1",
		Symbol:       "NIFTY24DECFUT",
		Side:         types.SideBuy,
		Kind:         types.KindMarket,
		Quantity:     50,
		FilledQty:    50,
		State:        types.StateFilled,
		AvgFillPrice: &avg,
		Events: []types.LifecycleEvent{
			{Timestamp: at, From: types.StateNew, To: types.StateSubmitted, Message: "submitted"},
			{Timestamp: at, From: types.StateSubmitted, To: types.StateOpen, Message: "accepted"},
			{Timestamp: at, From: types.StateOpen, To: types.StateFilled, Message: "filled 50 @ 19500"},
		},
	}
}

func journals(t *testing.T) map[string]interface {
	Journal
	Reader
} {
	return map[string]interface {
		Journal
		Reader
	}{
		"memory": NewMemory(),
		"store":  newTestStore(t),
	}
}

func TestAppend_IdempotentOnSequence(t *testing.T) {
	ctx := context.Background()
	for name, j := range journals(t) {
		t.Run(name, func(t *testing.T) {
			for _, rec := range []Record{fillRecord(1), fillRecord(1), fillRecord(2)} {
				if err := j.Append(ctx, rec); err != nil {
					t.Fatalf("append: %v", err)
				}
			}
			other := fillRecord(1)
			other.Session = "S2"
			if err := j.Append(ctx, other); err != nil {
				t.Fatal(err)
			}

			got, err := j.Records(ctx, Filter{OrderID: "ORD_1"})
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 3 {
				t.Fatalf("records = %d, want 3", len(got))
			}
			if !got[0].Price.Equal(decimal.RequireFromString("19505.25")) || got[0].Qty != 50 || got[0].Kind != KindFill {
				t.Errorf("record = %+v", got[0])
			}

			none, _ := j.Records(ctx, Filter{Kind: KindState})
			if len(none) != 0 {
				t.Errorf("state records = %d, want 0", len(none))
			}
		})
	}
}

func TestArchiveOrder(t *testing.T) {
	ctx := context.Background()
	for name, j := range journals(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := j.ArchivedOrder(ctx, "ORD_missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("missing order error = %v", err)
			}

			order := sampleOrder()
			if err := j.ArchiveOrder(ctx, order); err != nil {
				t.Fatal(err)
			}
			order.BrokerOrderID = "SIM-000001"
			if err := j.ArchiveOrder(ctx, order); err != nil {
				t.Fatalf("re-archive: %v", err)
			}

			got, err := j.ArchivedOrder(ctx, "ORD_1")
			if err != nil {
				t.Fatal(err)
			}
			if got.BrokerOrderID != "SIM-000001" || got.State != types.StateFilled || len(got.Events) != 3 {
				t.Errorf("archived = %+v", got)
			}
			if got.Events[2].Message != "filled 50 @ 19500" {
				t.Errorf("trail not preserved: %+v", got.Events)
			}
		})
	}
}

func TestArchivePosition(t *testing.T) {
	ctx := context.Background()
	for name, j := range journals(t) {
		t.Run(name, func(t *testing.T) {
			pos := types.Position{Symbol: "NIFTY24DECFUT", RealizedPnL: decimal.NewFromInt(-5500), OpenedAt: at, ClosedAt: at.Add(time.Minute)}
			if err := j.ArchivePosition(ctx, pos); err != nil {
				t.Fatal(err)
			}
			got, err := j.ClosedPositions(ctx, "NIFTY24DECFUT")
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 1 || !got[0].RealizedPnL.Equal(decimal.NewFromInt(-5500)) {
				t.Errorf("closed positions = %+v", got)
			}
		})
	}
}

func TestExportParquet(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	for seq := uint64(1); seq <= 3; seq++ {
		rec := fillRecord(seq)
		if seq == 3 {
			rec.Kind = KindState
			rec.Message = "filled"
		}
		mem.Append(ctx, rec)
	}

	path := filepath.Join(t.TempDir(), "out", "journal.parquet")
	n, err := ExportParquet(ctx, mem, Filter{}, path)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("exported %d, want 3", n)
	}

	got, err := ReadParquet(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("read %d records", len(got))
	}
	last := got[2]
	if last.Seq != 3 || last.Kind != KindState || last.Message != "filled" || !last.Timestamp.Equal(at.Add(3*time.Second)) {
		t.Errorf("last = %+v", last)
	}
	if !last.Price.Equal(decimal.RequireFromString("19505.25")) {
		t.Errorf("price = %s", last.Price)
	}
}
