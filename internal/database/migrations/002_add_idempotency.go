package migrations

import (
	"github.com/ksred/klear-oms/internal/trading"
	"gorm.io/gorm"
)

// AddIdempotency creates the order intake idempotency table.
func AddIdempotency(db *gorm.DB) error {
	if err := db.AutoMigrate(&trading.IdempotencyRecord{}); err != nil {
		return err
	}
	return db.Exec(`CREATE INDEX IF NOT EXISTS idx_idempotency_records_expires_at
		ON idempotency_records(expires_at)`).Error
}
