package orders

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/ksred/trailstop-api/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateOrder(order *types.Order) error {
	return d.db.Create(order).Error
}

func (d *Database) GetOrder(orderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrNotFound
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) GetOrderByIDAndUser(orderID, userAddress string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_id = ? AND user_address = ?", orderID, userAddress).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrNotFound
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) ListOrdersByUser(userAddress string, statuses []string) ([]types.Order, error) {
	var out []types.Order
	q := d.db.Where("user_address = ?", userAddress)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	if err := q.Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ActiveOrdersByAsset loads every active order grouped by tracked asset, the
// shape the monitor loop consumes: one price fetch per key, N evaluations.
func (d *Database) ActiveOrdersByAsset() (map[string][]types.Order, error) {
	var active []types.Order
	if err := d.db.Where("status = ?", types.StatusActive).Find(&active).Error; err != nil {
		return nil, err
	}

	grouped := make(map[string][]types.Order)
	for _, o := range active {
		grouped[o.AssetID] = append(grouped[o.AssetID], o)
	}
	return grouped, nil
}

// ListByStatus loads every order in the given status, oldest first. Used by
// the monitor's startup recovery scan.
func (d *Database) ListByStatus(status string) ([]types.Order, error) {
	var out []types.Order
	if err := d.db.Where("status = ?", status).Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateTrailingState persists the mutable evaluation fields of an order
// behind the optimistic version guard. The write succeeds only if the stored
// version still matches the one the caller read; a lost race returns
// ErrStaleVersion and the caller simply re-reads on the next tick.
func (d *Database) UpdateTrailingState(order *types.Order) error {
	result := d.db.Model(&types.Order{}).
		Where("order_id = ? AND version = ?", order.OrderID, order.Version).
		Updates(map[string]interface{}{
			"high_water_mark": order.HighWaterMark,
			"stop_price":      order.StopPrice,
			"current_price":   order.CurrentPrice,
			"pnl":             order.PnL,
			"pnl_percent":     order.PnLPercent,
			"version":         order.Version + 1,
			"updated_at":      time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return types.ErrStaleVersion
	}

	order.Version++
	return nil
}

// TransitionStatus applies a state-machine transition behind the version
// guard. Extra fields (execution price, settlement ref, trigger reason) ride
// along in the same write. A failed guard is disambiguated by re-reading:
// wrong status means the transition conflicts, same status means a stale read.
func (d *Database) TransitionStatus(order *types.Order, to string, extra map[string]interface{}) error {
	from := order.Status
	if !types.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", types.ErrConflictingState, from, to)
	}

	updates := map[string]interface{}{
		"status":     to,
		"version":    order.Version + 1,
		"updated_at": time.Now(),
	}
	for k, v := range extra {
		updates[k] = v
	}

	result := d.db.Model(&types.Order{}).
		Where("order_id = ? AND status = ? AND version = ?", order.OrderID, from, order.Version).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		current, err := d.GetOrder(order.OrderID)
		if err != nil {
			return err
		}
		if current.Status != from {
			return fmt.Errorf("%w: order is %s, expected %s", types.ErrConflictingState, current.Status, from)
		}
		return types.ErrStaleVersion
	}

	order.Status = to
	order.Version++
	return nil
}
