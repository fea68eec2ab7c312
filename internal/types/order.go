package types

import (
	"time"

	"gorm.io/gorm"
)

// Order statuses. Exactly one of the transient statuses applies while the
// order is live; the terminal statuses are immutable once reached.
const (
	StatusActive    = "ACTIVE"
	StatusTriggered = "TRIGGERED"
	StatusExecuting = "EXECUTING"
	StatusExecuted  = "EXECUTED"
	StatusCancelled = "CANCELLED"
	StatusFailed    = "FAILED"
)

// Trail distance modes
const (
	TrailTypePercent  = "PERCENT"
	TrailTypeAbsolute = "ABSOLUTE"
)

// Trigger reasons
const (
	ReasonStopLoss   = "stop_loss"
	ReasonTakeProfit = "take_profit"
)

type Order struct {
	gorm.Model        `json:"-"`
	OrderID           string     `gorm:"uniqueIndex" json:"order_id"`
	UserAddress       string     `gorm:"index" json:"user_address"`
	AssetID           string     `gorm:"index" json:"asset_id"`
	Amount            float64    `json:"amount"`
	EntryPrice        float64    `json:"entry_price"`
	HighWaterMark     float64    `json:"high_water_mark"`
	TrailDistance     float64    `json:"trail_distance"`
	TrailDistanceType string     `json:"trail_distance_type"` // PERCENT or ABSOLUTE
	StopPrice         float64    `json:"stop_price"`
	TakeProfitPrice   *float64   `json:"take_profit_price,omitempty"`
	Status            string     `gorm:"index" json:"status"`
	CurrentPrice      float64    `json:"current_price"`
	PnL               float64    `gorm:"column:pnl" json:"pnl"`
	PnLPercent        float64    `gorm:"column:pnl_percent" json:"pnl_percent"`
	TriggerReason     string     `json:"trigger_reason,omitempty"`
	ExecutionPrice    float64    `json:"execution_price,omitempty"`
	ExecutionTime     *time.Time `json:"execution_time,omitempty"`
	SettlementRef     string     `json:"settlement_ref,omitempty"`
	Version           int64      `json:"version"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// legalTransitions encodes the order state machine. Anything not listed here
// is rejected with ErrConflictingState.
var legalTransitions = map[string][]string{
	StatusActive:    {StatusTriggered, StatusCancelled},
	StatusTriggered: {StatusExecuting},
	StatusExecuting: {StatusExecuted, StatusFailed},
}

// CanTransition reports whether moving an order from one status to another is
// a legal state-machine transition.
func CanTransition(from, to string) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status is final. Terminal orders are immutable.
func IsTerminal(status string) bool {
	switch status {
	case StatusExecuted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// PriceSample is a single observation from the price feed. Samples are
// ephemeral: they live in the aggregator's short-TTL cache and are never
// persisted.
type PriceSample struct {
	AssetID    string    `json:"asset_id"`
	Price      float64   `json:"price"`
	ObservedAt time.Time `json:"observed_at"`
	Source     string    `json:"source"`
}

// Age returns how old the sample is relative to now.
func (s PriceSample) Age(now time.Time) time.Duration {
	return now.Sub(s.ObservedAt)
}
