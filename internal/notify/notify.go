// Package notify delivers best-effort notifications after order state
// transitions. Delivery failures are logged and never propagated: a broken
// notifier must not roll back an execution.
package notify

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ksred/trailstop-api/internal/types"
)

// Event kinds
const (
	EventOrderCreated   = "order_created"
	EventOrderCancelled = "order_cancelled"
	EventOrderTriggered = "order_triggered"
	EventOrderExecuted  = "order_executed"
	EventOrderFailed    = "order_failed"
)

// Event describes an order state transition worth telling the user about.
type Event struct {
	Kind  string
	Order types.Order
}

// Notifier is intentionally small so components can depend on it without
// importing concrete implementations.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Emit delivers the event in the background. The caller of the state
// transition that produced the event never sees a delivery error.
func Emit(n Notifier, event Event) {
	if n == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := n.Notify(ctx, event); err != nil {
			log.Warn().
				Err(err).
				Str("event", event.Kind).
				Str("order_id", event.Order.OrderID).
				Msg("notification delivery failed")
		}
	}()
}

// LogNotifier writes events to the structured log. Used as the default sink
// and in tests.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, event Event) error {
	log.Info().
		Str("component", "notifier").
		Str("event", event.Kind).
		Str("order_id", event.Order.OrderID).
		Str("asset_id", event.Order.AssetID).
		Str("status", event.Order.Status).
		Float64("current_price", event.Order.CurrentPrice).
		Float64("stop_price", event.Order.StopPrice).
		Msg("order event")
	return nil
}

// Multi fans an event out to several sinks. Individual failures are logged
// and swallowed so one broken channel cannot mute the others.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, event Event) error {
	for _, n := range m {
		if err := n.Notify(ctx, event); err != nil {
			log.Warn().Err(err).Str("event", event.Kind).Msg("notifier failed")
		}
	}
	return nil
}
