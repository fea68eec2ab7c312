// Package pricefeed aggregates asset prices from an ordered chain of
// redundant upstream sources, with a short-TTL cache in front and a bounded
// stale-serving window behind it.
package pricefeed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/ksred/trailstop-api/internal/types"
)

// FallbackSource is the sample tag used when a configured last-resort constant
// price is served. Downstream logic must be able to tell it from live data.
const FallbackSource = "fallback"

type Options struct {
	CacheTTL     time.Duration // fresh window; cached samples inside it are served directly
	StaleCeiling time.Duration // oldest a cached sample may be when all sources fail
}

// Aggregator resolves asset prices. Safe for concurrent use: the cache takes
// many readers, and concurrent misses for the same asset collapse into one
// upstream flight.
type Aggregator struct {
	sources []Source
	opts    Options

	mu     sync.RWMutex
	cache  map[string]types.PriceSample
	flight singleflight.Group

	// optional last-resort constant prices per asset, served tagged as
	// FallbackSource when even the stale window is exhausted
	fallbacks map[string]float64
}

func NewAggregator(sources []Source, opts Options) *Aggregator {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 15 * time.Second
	}
	if opts.StaleCeiling < opts.CacheTTL {
		opts.StaleCeiling = 10 * time.Minute
	}
	return &Aggregator{
		sources: sources,
		opts:    opts,
		cache:   make(map[string]types.PriceSample),
	}
}

// SetFallback registers a last-resort constant price for an asset.
func (a *Aggregator) SetFallback(assetID string, price float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fallbacks == nil {
		a.fallbacks = make(map[string]float64)
	}
	a.fallbacks[assetID] = price
}

// GetPrice returns a price sample for the asset. Within the cache TTL all
// callers share one sample; beyond it the source chain is walked in order.
// When every source fails, a cached sample younger than the stale ceiling is
// served as-is; otherwise ErrPriceUnavailable.
func (a *Aggregator) GetPrice(ctx context.Context, assetID string) (types.PriceSample, error) {
	now := time.Now()

	a.mu.RLock()
	cached, ok := a.cache[assetID]
	a.mu.RUnlock()
	if ok && cached.Age(now) < a.opts.CacheTTL {
		return cached, nil
	}

	v, err, _ := a.flight.Do(assetID, func() (interface{}, error) {
		// Re-check under the flight: a concurrent caller may have refreshed
		// the cache while this one waited.
		a.mu.RLock()
		cached, ok := a.cache[assetID]
		a.mu.RUnlock()
		if ok && cached.Age(time.Now()) < a.opts.CacheTTL {
			return cached, nil
		}
		return a.refresh(ctx, assetID)
	})
	if err != nil {
		return types.PriceSample{}, err
	}
	return v.(types.PriceSample), nil
}

func (a *Aggregator) refresh(ctx context.Context, assetID string) (types.PriceSample, error) {
	logger := log.With().Str("component", "price_feed").Str("asset_id", assetID).Logger()

	for _, src := range a.sources {
		price, err := src.Fetch(ctx, assetID)
		if err != nil {
			logger.Warn().Err(err).Str("source", src.Name()).Msg("price source failed")
			continue
		}

		sample := types.PriceSample{
			AssetID:    assetID,
			Price:      price,
			ObservedAt: time.Now(),
			Source:     src.Name(),
		}

		a.mu.Lock()
		a.cache[assetID] = sample
		a.mu.Unlock()

		return sample, nil
	}

	// All sources exhausted: serve the last sample if it is still inside the
	// stale window. The original source tag is kept so audits can see the age.
	a.mu.RLock()
	cached, ok := a.cache[assetID]
	fallback, hasFallback := a.fallbacks[assetID]
	a.mu.RUnlock()

	if ok && cached.Age(time.Now()) < a.opts.StaleCeiling {
		logger.Warn().
			Str("source", cached.Source).
			Dur("age", cached.Age(time.Now())).
			Msg("all sources failed, serving stale sample")
		return cached, nil
	}

	if hasFallback {
		logger.Warn().Float64("price", fallback).Msg("all sources failed, serving configured fallback price")
		return types.PriceSample{
			AssetID:    assetID,
			Price:      fallback,
			ObservedAt: time.Now(),
			Source:     FallbackSource,
		}, nil
	}

	return types.PriceSample{}, fmt.Errorf("%w: asset %s", types.ErrPriceUnavailable, assetID)
}
