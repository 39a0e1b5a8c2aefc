package trading

import (
	"time"

	"github.com/ksred/klear-oms/internal/types"
	"gorm.io/gorm"
)

// IdempotencyRecord maps a client-supplied key to the order it created.
type IdempotencyRecord struct {
	gorm.Model
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ClientID       string    `json:"client_id"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// PlaceResult is returned by the order intake endpoint.
type PlaceResult struct {
	Order    *types.Order `json:"order"`
	Replayed bool         `json:"replayed"`
}

// TickRequest carries one market update per symbol.
type TickRequest struct {
	Snapshots []types.MarketSnapshot `json:"snapshots" binding:"required"`
}

// ExitResult lists the exit orders a market update triggered.
type ExitResult struct {
	ExitOrders []types.Order `json:"exit_orders"`
}
