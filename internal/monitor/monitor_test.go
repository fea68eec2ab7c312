package monitor

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/trailstop-api/internal/database"
	"github.com/ksred/trailstop-api/internal/dispatcher"
	"github.com/ksred/trailstop-api/internal/notify"
	"github.com/ksred/trailstop-api/internal/orders"
	"github.com/ksred/trailstop-api/internal/settlement"
	"github.com/ksred/trailstop-api/internal/types"
)

// fakeFeed serves scripted prices and counts fetches per asset.
type fakeFeed struct {
	prices map[string]float64
	age    time.Duration
	calls  map[string]*atomic.Int64
}

func newFakeFeed(prices map[string]float64) *fakeFeed {
	calls := make(map[string]*atomic.Int64, len(prices))
	for asset := range prices {
		calls[asset] = &atomic.Int64{}
	}
	return &fakeFeed{prices: prices, calls: calls}
}

func (f *fakeFeed) GetPrice(ctx context.Context, assetID string) (types.PriceSample, error) {
	if c, ok := f.calls[assetID]; ok {
		c.Add(1)
	}
	price, ok := f.prices[assetID]
	if !ok {
		return types.PriceSample{}, fmt.Errorf("%w: asset %s", types.ErrPriceUnavailable, assetID)
	}
	return types.PriceSample{
		AssetID:    assetID,
		Price:      price,
		ObservedAt: time.Now().Add(-f.age),
		Source:     "fake",
	}, nil
}

// countingClient tallies settlement submissions. It honors its context and
// takes a little time per submit, like a real venue: a dispatch handed an
// already-dead context must not be able to settle through it.
type countingClient struct {
	submits   atomic.Int64
	cancelled atomic.Int64
}

func (c *countingClient) Submit(ctx context.Context, req settlement.Request) (*settlement.Receipt, error) {
	select {
	case <-ctx.Done():
		c.cancelled.Add(1)
		return nil, fmt.Errorf("%w: %v", types.ErrSettlementTransient, ctx.Err())
	case <-time.After(10 * time.Millisecond):
	}
	c.submits.Add(1)
	return &settlement.Receipt{Ref: "STL_TEST", FilledAt: time.Now()}, nil
}

func setup(t *testing.T, feed PriceGetter) (*Monitor, *orders.Database, *countingClient) {
	t.Helper()

	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "monitor_test.db"))
	require.NoError(t, err)
	store := orders.NewDatabase(db)

	client := &countingClient{}
	disp := dispatcher.New(store, client, notify.LogNotifier{}, dispatcher.Options{
		MaxRetries:     1,
		InitialBackoff: time.Millisecond,
	})

	mon := New(store, feed, disp, notify.LogNotifier{}, Options{
		TickInterval:   time.Hour, // ticks are driven manually in tests
		MaxConcurrency: 4,
		StalenessBound: time.Minute,
	})
	return mon, store, client
}

func seed(t *testing.T, store *orders.Database, id, asset string, entry, stop float64) *types.Order {
	t.Helper()
	order := &types.Order{
		OrderID:           id,
		UserAddress:       "0xabc",
		AssetID:           asset,
		Amount:            1,
		EntryPrice:        entry,
		HighWaterMark:     entry,
		TrailDistance:     10,
		TrailDistanceType: types.TrailTypePercent,
		StopPrice:         stop,
		Status:            types.StatusActive,
		CurrentPrice:      entry,
		Version:           1,
	}
	require.NoError(t, store.CreateOrder(order))
	return order
}

func TestRunTick_OneFetchPerAsset(t *testing.T) {
	feed := newFakeFeed(map[string]float64{"ETH": 150, "BTC": 70000})
	mon, store, _ := setup(t, feed)

	// several orders per asset, none near their stop
	seed(t, store, "e1", "ETH", 100, 90)
	seed(t, store, "e2", "ETH", 110, 99)
	seed(t, store, "e3", "ETH", 120, 108)
	seed(t, store, "b1", "BTC", 60000, 54000)

	mon.runTick(context.Background())

	assert.Equal(t, int64(1), feed.calls["ETH"].Load(), "one price fetch per asset per tick")
	assert.Equal(t, int64(1), feed.calls["BTC"].Load(), "one price fetch per asset per tick")
}

func TestRunTick_PersistsTrailingStateWithoutTrigger(t *testing.T) {
	feed := newFakeFeed(map[string]float64{"ETH": 150})
	mon, store, client := setup(t, feed)

	seed(t, store, "e1", "ETH", 100, 90)
	mon.runTick(context.Background())

	stored, err := store.GetOrder("e1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, stored.Status)
	assert.InDelta(t, 150.0, stored.HighWaterMark, 1e-9)
	assert.InDelta(t, 135.0, stored.StopPrice, 1e-9)
	assert.InDelta(t, 150.0, stored.CurrentPrice, 1e-9)
	assert.Equal(t, int64(2), stored.Version)
	assert.Equal(t, int64(0), client.submits.Load())
}

func TestRunTick_TriggerExecutesExactlyOnce(t *testing.T) {
	feed := newFakeFeed(map[string]float64{"ETH": 85}) // below the 90 stop
	mon, store, client := setup(t, feed)

	seed(t, store, "e1", "ETH", 100, 90)

	mon.runTick(context.Background())
	mon.inFlight.Wait()

	stored, err := store.GetOrder("e1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusExecuted, stored.Status)
	assert.Equal(t, types.ReasonStopLoss, stored.TriggerReason)
	assert.Equal(t, int64(1), client.submits.Load(), "exactly one settlement submission")
	assert.Equal(t, int64(0), client.cancelled.Load(), "dispatch must not run on a context that dies with the tick")

	// A further tick must not touch the executed order
	mon.runTick(context.Background())
	mon.inFlight.Wait()
	assert.Equal(t, int64(1), client.submits.Load())
}

func TestRunTick_PriceUnavailableLeavesOrdersUntouched(t *testing.T) {
	feed := newFakeFeed(map[string]float64{}) // every asset unavailable
	mon, store, client := setup(t, feed)

	order := seed(t, store, "e1", "ETH", 100, 90)
	before, err := store.GetOrder(order.OrderID)
	require.NoError(t, err)

	mon.runTick(context.Background())
	mon.inFlight.Wait()

	after, err := store.GetOrder(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, after.Status)
	assert.Equal(t, before.Version, after.Version, "no write may happen on a skipped asset")
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
	assert.Equal(t, before.StopPrice, after.StopPrice)
	assert.Equal(t, int64(0), client.submits.Load())
}

func TestRunTick_StaleSampleSkipsAsset(t *testing.T) {
	feed := newFakeFeed(map[string]float64{"ETH": 10}) // would trigger if evaluated
	feed.age = 5 * time.Minute                         // beyond the staleness bound
	mon, store, client := setup(t, feed)

	seed(t, store, "e1", "ETH", 100, 90)

	mon.runTick(context.Background())
	mon.inFlight.Wait()

	stored, err := store.GetOrder("e1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, stored.Status)
	assert.Equal(t, int64(0), client.submits.Load(), "stale data must never trigger")
}

// One asset failing to price must not block evaluation of the others.
func TestRunTick_AssetFailuresIsolated(t *testing.T) {
	feed := newFakeFeed(map[string]float64{"BTC": 70000}) // ETH unavailable
	mon, store, _ := setup(t, feed)

	healthy := seed(t, store, "b1", "BTC", 60000, 54000)
	skipped := seed(t, store, "e1", "ETH", 100, 90)

	mon.runTick(context.Background())
	mon.inFlight.Wait()

	stored, err := store.GetOrder(healthy.OrderID)
	require.NoError(t, err)
	assert.InDelta(t, 70000.0, stored.HighWaterMark, 1e-9)

	untouched, err := store.GetOrder(skipped.OrderID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), untouched.Version)
}

func TestStart_TickAndShutdown(t *testing.T) {
	feed := newFakeFeed(map[string]float64{"ETH": 150})
	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "monitor_loop_test.db"))
	require.NoError(t, err)
	store := orders.NewDatabase(db)

	client := &countingClient{}
	disp := dispatcher.New(store, client, notify.LogNotifier{}, dispatcher.Options{
		MaxRetries:     1,
		InitialBackoff: time.Millisecond,
	})
	mon := New(store, feed, disp, notify.LogNotifier{}, Options{
		TickInterval:   20 * time.Millisecond,
		MaxConcurrency: 2,
		StalenessBound: time.Minute,
	})

	seed(t, store, "e1", "ETH", 100, 90)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		mon.Start(ctx)
	}()

	assert.Eventually(t, func() bool {
		return feed.calls["ETH"].Load() >= 2
	}, 2*time.Second, 10*time.Millisecond, "monitor must tick repeatedly")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not shut down")
	}
}

// A tick that arrives while the previous one still runs must be skipped, not
// stacked.
func TestStart_SkipsOverlappingTicks(t *testing.T) {
	feed := newFakeFeed(map[string]float64{"ETH": 150})
	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "monitor_overlap_test.db"))
	require.NoError(t, err)
	store := orders.NewDatabase(db)

	client := &countingClient{}
	disp := dispatcher.New(store, client, notify.LogNotifier{}, dispatcher.Options{
		MaxRetries:     1,
		InitialBackoff: time.Millisecond,
	})
	mon := New(store, feed, disp, notify.LogNotifier{}, Options{
		TickInterval:   10 * time.Millisecond,
		MaxConcurrency: 2,
		StalenessBound: time.Minute,
	})

	seed(t, store, "e1", "ETH", 100, 90)

	// Hold the tick guard so every tick looks like it overlaps a running one
	mon.ticking.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		mon.Start(ctx)
	}()

	assert.Eventually(t, func() bool {
		return mon.SkippedTicks() >= 2
	}, 2*time.Second, 5*time.Millisecond, "overlapping ticks must be counted as skipped")
	assert.Equal(t, int64(0), feed.calls["ETH"].Load(), "a skipped tick must do no work")

	cancel()
	<-done
}

func TestRecoverInFlight_RedispatchesTriggered(t *testing.T) {
	feed := newFakeFeed(map[string]float64{"ETH": 85})
	mon, store, client := setup(t, feed)

	order := seed(t, store, "e1", "ETH", 100, 90)
	require.NoError(t, store.TransitionStatus(order, types.StatusTriggered, map[string]interface{}{
		"trigger_reason": types.ReasonStopLoss,
	}))

	mon.recoverInFlight(context.Background())
	mon.inFlight.Wait()

	stored, err := store.GetOrder(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusExecuted, stored.Status)
	assert.Equal(t, int64(1), client.submits.Load())
}
