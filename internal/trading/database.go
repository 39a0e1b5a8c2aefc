package trading

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const resourceOrder = "order"

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetIdempotencyRecord returns the record for key, or nil when none exists.
func (d *Database) GetIdempotencyRecord(key string) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	if err := d.db.Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// SaveIdempotencyRecord stores key for orderID, replacing an expired
// record under the same key.
func (d *Database) SaveIdempotencyRecord(key, orderID, clientID string, expiresAt time.Time) error {
	record := IdempotencyRecord{
		IdempotencyKey: key,
		ResourceID:     orderID,
		ResourceType:   resourceOrder,
		ClientID:       clientID,
		ExpiresAt:      expiresAt,
	}
	return d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"resource_id", "resource_type", "client_id", "expires_at", "updated_at"}),
	}).Create(&record).Error
}

// PurgeExpired deletes records that expired before now.
func (d *Database) PurgeExpired(now time.Time) (int64, error) {
	res := d.db.Unscoped().Where("expires_at < ?", now).Delete(&IdempotencyRecord{})
	return res.RowsAffected, res.Error
}
