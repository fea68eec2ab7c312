package pricefeed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/trailstop-api/internal/types"
)

// fakeSource is a scriptable source for aggregator tests.
type fakeSource struct {
	name  string
	price float64
	err   error
	calls atomic.Int64
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Fetch(ctx context.Context, assetID string) (float64, error) {
	f.calls.Add(1)
	if f.err != nil {
		return 0, f.err
	}
	return f.price, nil
}

func TestGetPrice_SourceOrder(t *testing.T) {
	primary := &fakeSource{name: "primary", err: errors.New("down")}
	secondary := &fakeSource{name: "secondary", price: 42.5}

	agg := NewAggregator([]Source{primary, secondary}, Options{
		CacheTTL:     time.Minute,
		StaleCeiling: 10 * time.Minute,
	})

	sample, err := agg.GetPrice(context.Background(), "ETH")
	require.NoError(t, err)
	assert.Equal(t, "secondary", sample.Source)
	assert.InDelta(t, 42.5, sample.Price, 1e-9)
	assert.Equal(t, int64(1), primary.calls.Load())
	assert.Equal(t, int64(1), secondary.calls.Load())
}

func TestGetPrice_CacheHit(t *testing.T) {
	src := &fakeSource{name: "primary", price: 10}
	agg := NewAggregator([]Source{src}, Options{
		CacheTTL:     time.Minute,
		StaleCeiling: 10 * time.Minute,
	})

	for i := 0; i < 5; i++ {
		_, err := agg.GetPrice(context.Background(), "ETH")
		require.NoError(t, err)
	}

	assert.Equal(t, int64(1), src.calls.Load(), "cached calls must not hit the source")
}

func TestGetPrice_ConcurrentCallersCollapse(t *testing.T) {
	src := &fakeSource{name: "primary", price: 10}
	agg := NewAggregator([]Source{src}, Options{
		CacheTTL:     time.Minute,
		StaleCeiling: 10 * time.Minute,
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := agg.GetPrice(context.Background(), "ETH")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, src.calls.Load(), int64(2), "concurrent misses must collapse into few flights")
}

func TestGetPrice_ServesStaleWithinCeiling(t *testing.T) {
	src := &fakeSource{name: "primary", price: 10}
	agg := NewAggregator([]Source{src}, Options{
		CacheTTL:     time.Millisecond,
		StaleCeiling: 10 * time.Minute,
	})

	first, err := agg.GetPrice(context.Background(), "ETH")
	require.NoError(t, err)

	// TTL expires, then the source goes down
	time.Sleep(5 * time.Millisecond)
	src.err = errors.New("down")

	stale, err := agg.GetPrice(context.Background(), "ETH")
	require.NoError(t, err)
	assert.Equal(t, first.Price, stale.Price)
	assert.Equal(t, first.ObservedAt, stale.ObservedAt, "stale sample keeps its original observation time")
}

func TestGetPrice_UnavailableBeyondCeiling(t *testing.T) {
	src := &fakeSource{name: "primary", price: 10}
	agg := NewAggregator([]Source{src}, Options{
		CacheTTL:     time.Millisecond,
		StaleCeiling: 2 * time.Millisecond,
	})

	_, err := agg.GetPrice(context.Background(), "ETH")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	src.err = errors.New("down")

	_, err = agg.GetPrice(context.Background(), "ETH")
	assert.ErrorIs(t, err, types.ErrPriceUnavailable)
}

func TestGetPrice_NoCacheNoSources(t *testing.T) {
	agg := NewAggregator([]Source{&fakeSource{name: "down", err: errors.New("down")}}, Options{
		CacheTTL:     time.Minute,
		StaleCeiling: 10 * time.Minute,
	})

	_, err := agg.GetPrice(context.Background(), "ETH")
	assert.ErrorIs(t, err, types.ErrPriceUnavailable)
}

func TestGetPrice_ConfiguredFallbackIsTagged(t *testing.T) {
	agg := NewAggregator([]Source{&fakeSource{name: "down", err: errors.New("down")}}, Options{
		CacheTTL:     time.Minute,
		StaleCeiling: 10 * time.Minute,
	})
	agg.SetFallback("ETH", 1234.5)

	sample, err := agg.GetPrice(context.Background(), "ETH")
	require.NoError(t, err)
	assert.Equal(t, FallbackSource, sample.Source)
	assert.InDelta(t, 1234.5, sample.Price, 1e-9)
}

func TestHTTPSource_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/price/ETH":
			w.Write([]byte(`{"data":{"price":"2456.78"}}`))
		case "/price/ZERO":
			w.Write([]byte(`{"data":{"price":0}}`))
		case "/price/JUNK":
			w.Write([]byte(`{"data":{}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	src := NewHTTPSource("test", srv.URL+"/price/{asset}", "data.price", time.Second)

	tests := []struct {
		name        string
		asset       string
		expected    float64
		expectError bool
	}{
		{name: "numeric string price", asset: "ETH", expected: 2456.78},
		{name: "non-positive price", asset: "ZERO", expectError: true},
		{name: "missing path", asset: "JUNK", expectError: true},
		{name: "http error", asset: "NOPE", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			price, err := src.Fetch(context.Background(), tt.asset)
			if tt.expectError {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.expected, price, 1e-9)
		})
	}
}
