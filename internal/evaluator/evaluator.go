// Package evaluator implements the trailing-stop arithmetic. It is pure:
// given an order and a fresh price sample it returns the updated order and a
// trigger decision, with no I/O and no clock reads. Staleness checks on the
// sample belong to the caller.
package evaluator

import (
	"fmt"

	"github.com/ksred/trailstop-api/internal/types"
)

// Decision is the outcome of evaluating one order against one price sample.
type Decision struct {
	Triggered bool
	Reason    string // types.ReasonStopLoss or types.ReasonTakeProfit
}

// StopPrice computes the protective stop for a given reference price and
// trail configuration. Shared by order creation (reference = entry price) and
// evaluation (reference = high-water mark).
func StopPrice(reference, distance float64, distanceType string) (float64, error) {
	switch distanceType {
	case types.TrailTypePercent:
		if distance < 0 || distance >= 100 {
			return 0, fmt.Errorf("percent trail distance must be in [0, 100): %v", distance)
		}
		return reference * (1 - distance/100), nil
	case types.TrailTypeAbsolute:
		if distance < 0 || distance >= reference {
			return 0, fmt.Errorf("absolute trail distance must be in [0, reference): %v", distance)
		}
		return reference - distance, nil
	default:
		return 0, fmt.Errorf("unknown trail distance type: %q", distanceType)
	}
}

// Evaluate applies one price sample to an order and decides whether it
// triggers. The order is taken and returned by value; the caller persists.
//
// The high-water mark only ratchets up, and the stop price only ratchets up
// with it: a falling price never moves the stop. A zero trail distance is
// valid and degenerates to stop == high-water mark.
func Evaluate(o types.Order, s types.PriceSample) (types.Order, Decision) {
	o.CurrentPrice = s.Price

	if s.Price > o.HighWaterMark {
		o.HighWaterMark = s.Price
	}

	if candidate, err := StopPrice(o.HighWaterMark, o.TrailDistance, o.TrailDistanceType); err == nil {
		if candidate > o.StopPrice {
			o.StopPrice = candidate
		}
	}

	if o.EntryPrice > 0 {
		o.PnL = (s.Price - o.EntryPrice) * o.Amount
		o.PnLPercent = (s.Price - o.EntryPrice) / o.EntryPrice * 100
	}

	// Stop-loss is checked first; the two conditions never fire together.
	if s.Price <= o.StopPrice {
		return o, Decision{Triggered: true, Reason: types.ReasonStopLoss}
	}
	if o.TakeProfitPrice != nil && s.Price >= *o.TakeProfitPrice {
		return o, Decision{Triggered: true, Reason: types.ReasonTakeProfit}
	}

	return o, Decision{}
}
