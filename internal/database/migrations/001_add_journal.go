package migrations

import (
	"github.com/ksred/klear-oms/internal/journal"
	"gorm.io/gorm"
)

// AddJournal creates the journal, order archive and closed position tables.
func AddJournal(db *gorm.DB) error {
	if err := db.AutoMigrate(&journal.Entry{}, &journal.ArchivedOrder{}, &journal.ClosedPosition{}); err != nil {
		return err
	}

	indexes := []string{
		// Replay and export scan by time
		`CREATE INDEX IF NOT EXISTS idx_journal_entries_timestamp
		 ON journal_entries(timestamp)`,

		// Per-symbol audit queries
		`CREATE INDEX IF NOT EXISTS idx_journal_entries_symbol_kind
		 ON journal_entries(symbol, kind)`,

		// Terminal-state reporting
		`CREATE INDEX IF NOT EXISTS idx_archived_orders_symbol_state
		 ON archived_orders(symbol, state)`,

		`CREATE INDEX IF NOT EXISTS idx_closed_positions_closed_at
		 ON closed_positions(closed_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}
	return nil
}
