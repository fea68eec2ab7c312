package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/trailstop-api/internal/database"
	"github.com/ksred/trailstop-api/internal/notify"
	"github.com/ksred/trailstop-api/internal/orders"
	"github.com/ksred/trailstop-api/internal/settlement"
	"github.com/ksred/trailstop-api/internal/types"
)

// mockClient scripts settlement outcomes per attempt.
type mockClient struct {
	outcomes []error // error per attempt, nil means success
	calls    atomic.Int64
	lastReq  settlement.Request
}

func (m *mockClient) Submit(ctx context.Context, req settlement.Request) (*settlement.Receipt, error) {
	n := m.calls.Add(1)
	m.lastReq = req
	var err error
	if int(n) <= len(m.outcomes) {
		err = m.outcomes[n-1]
	}
	if err != nil {
		return nil, err
	}
	return &settlement.Receipt{Ref: fmt.Sprintf("STL_%d", n), FilledAt: time.Now()}, nil
}

// failingNotifier always errors; its failures must never propagate.
type failingNotifier struct {
	calls atomic.Int64
}

func (f *failingNotifier) Notify(ctx context.Context, event notify.Event) error {
	f.calls.Add(1)
	return errors.New("sink unavailable")
}

func setup(t *testing.T, client settlement.Client, notifier notify.Notifier) (*Dispatcher, *orders.Database, *types.Order) {
	t.Helper()

	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "dispatcher_test.db"))
	require.NoError(t, err)
	store := orders.NewDatabase(db)

	order := &types.Order{
		OrderID:           "ord-1",
		UserAddress:       "0xabc",
		AssetID:           "ETH",
		Amount:            2,
		EntryPrice:        100,
		HighWaterMark:     120,
		TrailDistance:     10,
		TrailDistanceType: types.TrailTypePercent,
		StopPrice:         108,
		Status:            types.StatusActive,
		CurrentPrice:      107,
		Version:           1,
	}
	require.NoError(t, store.CreateOrder(order))
	require.NoError(t, store.TransitionStatus(order, types.StatusTriggered, nil))

	d := New(store, client, notifier, Options{MaxRetries: 3, InitialBackoff: time.Millisecond})
	return d, store, order
}

func TestDispatch_Success(t *testing.T) {
	client := &mockClient{}
	d, store, order := setup(t, client, notify.LogNotifier{})

	require.NoError(t, d.Claim(order))
	require.NoError(t, d.Dispatch(context.Background(), order))

	stored, err := store.GetOrder(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusExecuted, stored.Status)
	assert.Equal(t, "STL_1", stored.SettlementRef)
	assert.InDelta(t, 107.0, stored.ExecutionPrice, 1e-9)
	assert.NotNil(t, stored.ExecutionTime)
	assert.Equal(t, int64(1), client.calls.Load())

	assert.Equal(t, "0xabc", client.lastReq.UserAddress)
	assert.InDelta(t, 2.0, client.lastReq.Amount, 1e-9)
}

func TestDispatch_TerminalFailureNoRetry(t *testing.T) {
	client := &mockClient{outcomes: []error{
		fmt.Errorf("%w: insufficient funds", types.ErrSettlementTerminal),
	}}
	d, store, order := setup(t, client, notify.LogNotifier{})

	require.NoError(t, d.Claim(order))
	err := d.Dispatch(context.Background(), order)
	assert.ErrorIs(t, err, types.ErrSettlementTerminal)

	stored, getErr := store.GetOrder(order.OrderID)
	require.NoError(t, getErr)
	assert.Equal(t, types.StatusFailed, stored.Status)
	assert.Equal(t, int64(1), client.calls.Load(), "terminal failures must not be retried")
}

func TestDispatch_TransientRetriesThenSucceeds(t *testing.T) {
	client := &mockClient{outcomes: []error{
		fmt.Errorf("%w: timeout", types.ErrSettlementTransient),
		fmt.Errorf("%w: timeout", types.ErrSettlementTransient),
		nil,
	}}
	d, store, order := setup(t, client, notify.LogNotifier{})

	require.NoError(t, d.Claim(order))
	require.NoError(t, d.Dispatch(context.Background(), order))

	stored, err := store.GetOrder(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusExecuted, stored.Status)
	assert.Equal(t, int64(3), client.calls.Load())
}

func TestDispatch_RetryBudgetExhausted(t *testing.T) {
	client := &mockClient{outcomes: []error{
		fmt.Errorf("%w: timeout", types.ErrSettlementTransient),
		fmt.Errorf("%w: timeout", types.ErrSettlementTransient),
		fmt.Errorf("%w: timeout", types.ErrSettlementTransient),
	}}
	d, store, order := setup(t, client, notify.LogNotifier{})

	require.NoError(t, d.Claim(order))
	err := d.Dispatch(context.Background(), order)
	assert.ErrorIs(t, err, types.ErrSettlementTransient)

	stored, getErr := store.GetOrder(order.OrderID)
	require.NoError(t, getErr)
	assert.Equal(t, types.StatusFailed, stored.Status)
	assert.Equal(t, int64(3), client.calls.Load())
}

func TestDispatch_NotifierFailureNotPropagated(t *testing.T) {
	client := &mockClient{}
	sink := &failingNotifier{}
	d, store, order := setup(t, client, sink)

	require.NoError(t, d.Claim(order))
	require.NoError(t, d.Dispatch(context.Background(), order))

	stored, err := store.GetOrder(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusExecuted, stored.Status)

	// delivery happens in the background
	assert.Eventually(t, func() bool {
		return sink.calls.Load() > 0
	}, time.Second, 10*time.Millisecond)
}

func TestDispatch_RequiresClaim(t *testing.T) {
	client := &mockClient{}
	d, _, order := setup(t, client, notify.LogNotifier{})

	// still TRIGGERED, never claimed
	err := d.Dispatch(context.Background(), order)
	assert.ErrorIs(t, err, types.ErrConflictingState)
	assert.Equal(t, int64(0), client.calls.Load())
}

func TestClaim_ExclusiveAcrossRacers(t *testing.T) {
	client := &mockClient{}
	d, _, order := setup(t, client, notify.LogNotifier{})

	first := *order
	second := *order

	require.NoError(t, d.Claim(&first))
	err := d.Claim(&second)
	assert.Error(t, err, "second claim from the same read must lose")
}
