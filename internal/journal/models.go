package journal

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Entry is the persisted form of a Record.
type Entry struct {
	gorm.Model
	Session   string          `gorm:"not null;uniqueIndex:idx_journal_session_seq"`
	Seq       uint64          `gorm:"not null;uniqueIndex:idx_journal_session_seq"`
	Kind      string          `gorm:"not null"`
	Timestamp time.Time       `gorm:"not null"`
	OrderID   string          `gorm:"not null;index"`
	Symbol    string          `gorm:"not null"`
	Side      string          `gorm:"not null"`
	Qty       int64           `gorm:"not null"`
	Price     decimal.Decimal `gorm:"type:text"`
	NewState  string          `gorm:"not null"`
	Message   string
}

func (Entry) TableName() string {
	return "journal_entries"
}

// ArchivedOrder is a terminal order with its full lifecycle trail.
type ArchivedOrder struct {
	gorm.Model
	OrderID       string `gorm:"uniqueIndex;not null"`
	BrokerOrderID string
	Symbol        string `gorm:"not null"`
	Side          string `gorm:"not null"`
	State         string `gorm:"not null"`
	Quantity      int64
	FilledQty     int64
	Strategy      string
	CloseReason   string
	// Payload is the JSON encoding of the full order, trail included.
	Payload string `gorm:"type:text;not null"`
}

// ClosedPosition is a position archived at the moment it went flat.
type ClosedPosition struct {
	gorm.Model
	Symbol        string          `gorm:"not null;index"`
	RealizedPnL   decimal.Decimal `gorm:"type:text"`
	AvgEntryPrice decimal.Decimal `gorm:"type:text"`
	BarsHeld      int
	OpenedAt      time.Time
	ClosedAt      time.Time
	Payload       string `gorm:"type:text;not null"`
}
