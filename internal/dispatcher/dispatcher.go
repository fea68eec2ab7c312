// Package dispatcher turns a triggered order into exactly one settlement
// attempt and reconciles the outcome back into the order store.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ksred/trailstop-api/internal/notify"
	"github.com/ksred/trailstop-api/internal/orders"
	"github.com/ksred/trailstop-api/internal/settlement"
	"github.com/ksred/trailstop-api/internal/types"
)

type Options struct {
	MaxRetries     int           // transient settlement retries before escalating to FAILED
	InitialBackoff time.Duration // doubled after every transient failure
}

type Dispatcher struct {
	db       *orders.Database
	client   settlement.Client
	notifier notify.Notifier
	opts     Options
}

func New(db *orders.Database, client settlement.Client, notifier notify.Notifier, opts Options) *Dispatcher {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	return &Dispatcher{
		db:       db,
		client:   client,
		notifier: notifier,
		opts:     opts,
	}
}

// Claim moves a triggered order to EXECUTING before any settlement call is
// made, so a crash mid-flight leaves a visibly in-flight record instead of a
// silently re-triggerable one. The version guard makes the claim exclusive:
// of N racing claimants exactly one succeeds.
func (d *Dispatcher) Claim(order *types.Order) error {
	return d.db.TransitionStatus(order, types.StatusExecuting, nil)
}

// Dispatch submits a claimed order to the settlement venue and reconciles the
// result. Precondition: the order is in EXECUTING (claimed by this process).
//
// Transient venue failures are retried with exponential backoff while the
// order stays EXECUTING; once the retry budget is spent, or on a terminal
// rejection, the order is failed. Retrying a hard rejection forever would
// only starve the monitor's tick budget.
func (d *Dispatcher) Dispatch(ctx context.Context, order *types.Order) error {
	logger := log.With().
		Str("component", "dispatcher").
		Str("order_id", order.OrderID).
		Str("asset_id", order.AssetID).
		Logger()

	if order.Status != types.StatusExecuting {
		return fmt.Errorf("%w: dispatch requires EXECUTING, got %s", types.ErrConflictingState, order.Status)
	}

	req := settlement.Request{
		AssetID:        order.AssetID,
		Amount:         order.Amount,
		ExecutionPrice: order.CurrentPrice,
		UserAddress:    order.UserAddress,
	}

	backoff := d.opts.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= d.opts.MaxRetries; attempt++ {
		receipt, err := d.client.Submit(ctx, req)
		if err == nil {
			return d.markExecuted(order, receipt)
		}

		lastErr = err
		if errors.Is(err, types.ErrSettlementTerminal) {
			logger.Warn().Err(err).Msg("settlement rejected, failing order")
			return d.markFailed(order, err)
		}

		logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("transient settlement failure")

		if attempt == d.opts.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			// Shutdown mid-flight: the order stays EXECUTING and is surfaced
			// by the startup recovery scan for reconciliation.
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	logger.Error().Err(lastErr).Int("attempts", d.opts.MaxRetries).Msg("settlement retry budget exhausted")
	return d.markFailed(order, lastErr)
}

func (d *Dispatcher) markExecuted(order *types.Order, receipt *settlement.Receipt) error {
	now := time.Now()
	err := d.db.TransitionStatus(order, types.StatusExecuted, map[string]interface{}{
		"execution_price": order.CurrentPrice,
		"execution_time":  now,
		"settlement_ref":  receipt.Ref,
	})
	if err != nil {
		return fmt.Errorf("settlement %s succeeded but order update failed: %w", receipt.Ref, err)
	}

	order.ExecutionPrice = order.CurrentPrice
	order.ExecutionTime = &now
	order.SettlementRef = receipt.Ref

	log.Info().
		Str("component", "dispatcher").
		Str("order_id", order.OrderID).
		Str("settlement_ref", receipt.Ref).
		Float64("execution_price", order.ExecutionPrice).
		Msg("order executed")

	notify.Emit(d.notifier, notify.Event{Kind: notify.EventOrderExecuted, Order: *order})
	return nil
}

func (d *Dispatcher) markFailed(order *types.Order, cause error) error {
	if err := d.db.TransitionStatus(order, types.StatusFailed, nil); err != nil {
		return fmt.Errorf("failing order after %v: %w", cause, err)
	}

	notify.Emit(d.notifier, notify.Event{Kind: notify.EventOrderFailed, Order: *order})
	return cause
}
