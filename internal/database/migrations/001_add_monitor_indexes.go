package migrations

import (
	"gorm.io/gorm"
)

// AddMonitorIndexes adds the composite indexes the monitor loop and user
// queries lean on every tick.
func AddMonitorIndexes(db *gorm.DB) error {
	indexes := []string{
		// The monitor loads active orders grouped by asset on every tick
		`CREATE INDEX IF NOT EXISTS idx_orders_status_asset
		 ON orders(status, asset_id)`,

		// User-facing listings filter by owner and status
		`CREATE INDEX IF NOT EXISTS idx_orders_user_status
		 ON orders(user_address, status)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
