// Package monitor drives the trailing-stop engine: one recurring loop that
// prices every tracked asset once per tick, re-evaluates each active order
// and hands triggered orders to the dispatcher.
package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ksred/trailstop-api/internal/dispatcher"
	"github.com/ksred/trailstop-api/internal/evaluator"
	"github.com/ksred/trailstop-api/internal/notify"
	"github.com/ksred/trailstop-api/internal/orders"
	"github.com/ksred/trailstop-api/internal/types"
)

// PriceGetter is the slice of the price feed the monitor needs.
type PriceGetter interface {
	GetPrice(ctx context.Context, assetID string) (types.PriceSample, error)
}

type Options struct {
	TickInterval   time.Duration // fixed cadence; an overrunning tick skips the next
	MaxConcurrency int           // bound on concurrent per-asset workers within a tick
	StalenessBound time.Duration // samples older than this are treated as unavailable
}

type Monitor struct {
	db       *orders.Database
	feed     PriceGetter
	disp     *dispatcher.Dispatcher
	notifier notify.Notifier
	opts     Options

	ticking  atomic.Bool // guards against overlapping ticks
	inFlight sync.WaitGroup

	// observability counters, read by tests and the tick summary log
	skippedTicks atomic.Int64
	staleWrites  atomic.Int64
}

func New(db *orders.Database, feed PriceGetter, disp *dispatcher.Dispatcher, notifier notify.Notifier, opts Options) *Monitor {
	if opts.TickInterval <= 0 {
		opts.TickInterval = 10 * time.Second
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 8
	}
	if opts.StalenessBound <= 0 {
		opts.StalenessBound = time.Minute
	}
	return &Monitor{
		db:       db,
		feed:     feed,
		disp:     disp,
		notifier: notifier,
		opts:     opts,
	}
}

// Start runs the monitor loop until the context is cancelled, then waits for
// in-flight executions to finish.
func (m *Monitor) Start(ctx context.Context) {
	logger := log.With().Str("component", "monitor").Logger()
	logger.Info().Dur("tick_interval", m.opts.TickInterval).Msg("starting trailing-stop monitor")

	m.recoverInFlight(ctx)

	ticker := time.NewTicker(m.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down monitor, draining executions")
			m.inFlight.Wait()
			return
		case <-ticker.C:
			if !m.ticking.CompareAndSwap(false, true) {
				m.skippedTicks.Add(1)
				logger.Warn().Msg("previous tick still running, skipping")
				continue
			}
			m.runTick(ctx)
			m.ticking.Store(false)
		}
	}
}

// recoverInFlight picks up orders a previous process left mid-execution.
// Triggered-but-unclaimed orders are re-dispatched; claimed ones are only
// surfaced, since re-submitting them blind could settle twice.
func (m *Monitor) recoverInFlight(ctx context.Context) {
	logger := log.With().Str("component", "monitor").Logger()

	triggered, err := m.db.ListByStatus(types.StatusTriggered)
	if err != nil {
		logger.Error().Err(err).Msg("recovery scan failed")
		return
	}
	for i := range triggered {
		o := triggered[i]
		logger.Info().Str("order_id", o.OrderID).Msg("re-dispatching triggered order from previous run")
		m.handOff(ctx, o)
	}

	executing, err := m.db.ListByStatus(types.StatusExecuting)
	if err != nil {
		logger.Error().Err(err).Msg("recovery scan failed")
		return
	}
	for _, o := range executing {
		logger.Warn().
			Str("order_id", o.OrderID).
			Time("updated_at", o.UpdatedAt).
			Msg("order left executing by previous run, needs reconciliation")
	}
}

// runTick executes one monitor pass: group active orders by asset, price each
// asset exactly once, evaluate and persist every order, claim and dispatch
// the triggered ones. Failures are isolated per asset and per order.
func (m *Monitor) runTick(ctx context.Context) {
	logger := log.With().Str("component", "monitor").Logger()
	start := time.Now()

	grouped, err := m.db.ActiveOrdersByAsset()
	if err != nil {
		logger.Error().Err(err).Msg("failed to load active orders")
		return
	}
	if len(grouped) == 0 {
		return
	}

	var evaluated, triggered, skipped atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.MaxConcurrency)

	for assetID, assetOrders := range grouped {
		assetID, assetOrders := assetID, assetOrders
		g.Go(func() error {
			sample, err := m.feed.GetPrice(gctx, assetID)
			if err != nil {
				if errors.Is(err, types.ErrPriceUnavailable) {
					skipped.Add(int64(len(assetOrders)))
					logger.Warn().Str("asset_id", assetID).Int("orders", len(assetOrders)).
						Msg("price unavailable, skipping asset this tick")
					return nil
				}
				logger.Error().Err(err).Str("asset_id", assetID).Msg("price fetch failed")
				skipped.Add(int64(len(assetOrders)))
				return nil
			}

			// Never trigger on old data: a sample past the staleness bound is
			// as good as no sample.
			if sample.Age(time.Now()) > m.opts.StalenessBound {
				skipped.Add(int64(len(assetOrders)))
				logger.Warn().Str("asset_id", assetID).Dur("age", sample.Age(time.Now())).
					Msg("price sample too old, skipping asset this tick")
				return nil
			}

			for i := range assetOrders {
				if gctx.Err() != nil {
					return nil
				}
				evaluated.Add(1)
				// Dispatch goroutines outlive the tick, so they get the loop
				// context: gctx dies as soon as g.Wait returns and would cancel
				// settlement mid-flight.
				if m.evaluateOrder(ctx, assetOrders[i], sample) {
					triggered.Add(1)
				}
			}
			return nil
		})
	}
	g.Wait()

	logger.Info().
		Int64("evaluated", evaluated.Load()).
		Int64("triggered", triggered.Load()).
		Int64("skipped", skipped.Load()).
		Int64("stale_writes", m.staleWrites.Load()).
		Dur("elapsed", time.Since(start)).
		Msg("tick complete")
}

// evaluateOrder runs one order through the evaluator, persists the trailing
// state and, on a trigger, applies the ACTIVE -> TRIGGERED transition and
// hands off to the dispatcher. Returns whether the order triggered here.
func (m *Monitor) evaluateOrder(ctx context.Context, order types.Order, sample types.PriceSample) bool {
	logger := log.With().
		Str("component", "monitor").
		Str("order_id", order.OrderID).
		Str("asset_id", order.AssetID).
		Logger()

	updated, decision := evaluator.Evaluate(order, sample)

	// Trailing state is persisted regardless of trigger so the ratcheted
	// high-water mark and stop survive orders that don't fire this tick.
	if err := m.db.UpdateTrailingState(&updated); err != nil {
		if errors.Is(err, types.ErrStaleVersion) {
			// Lost the write race; the next tick re-reads and reaches the
			// same decision because the stop only moves the safe way.
			m.staleWrites.Add(1)
			logger.Debug().Msg("stale version on trailing update, retrying next tick")
			return false
		}
		logger.Error().Err(err).Msg("failed to persist trailing state")
		return false
	}

	if !decision.Triggered {
		return false
	}

	logger.Info().
		Str("reason", decision.Reason).
		Float64("price", sample.Price).
		Float64("stop_price", updated.StopPrice).
		Msg("order triggered")

	if err := m.db.TransitionStatus(&updated, types.StatusTriggered, map[string]interface{}{
		"trigger_reason": decision.Reason,
	}); err != nil {
		// A concurrent cancel (or another worker's claim) won the race.
		// Exactly one outcome lands; this side just reports and moves on.
		logger.Warn().Err(err).Msg("trigger transition lost")
		return false
	}
	updated.TriggerReason = decision.Reason

	notify.Emit(m.notifier, notify.Event{Kind: notify.EventOrderTriggered, Order: updated})
	m.handOff(ctx, updated)
	return true
}

// handOff claims the triggered order and dispatches it in the background.
// The claim is version-guarded, so N racing hand-offs produce one execution.
func (m *Monitor) handOff(ctx context.Context, order types.Order) {
	m.inFlight.Add(1)
	go func() {
		defer m.inFlight.Done()

		logger := log.With().Str("component", "monitor").Str("order_id", order.OrderID).Logger()

		if err := m.disp.Claim(&order); err != nil {
			logger.Warn().Err(err).Msg("execution claim lost")
			return
		}
		if err := m.disp.Dispatch(ctx, &order); err != nil {
			logger.Error().Err(err).Msg("dispatch failed")
		}
	}()
}

// SkippedTicks reports how many ticks were skipped because the previous one
// was still running.
func (m *Monitor) SkippedTicks() int64 {
	return m.skippedTicks.Load()
}

// StaleWrites reports how many optimistic writes lost their race.
func (m *Monitor) StaleWrites() int64 {
	return m.staleWrites.Load()
}
