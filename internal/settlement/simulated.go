package settlement

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ksred/trailstop-api/internal/types"
)

// SimulatedClient is a stand-in settlement venue for local runs and the
// simulation driver. It produces genuine-looking receipts with configurable
// latency and failure behaviour so the dispatcher's retry and escalation
// paths get exercised.
type SimulatedClient struct {
	MinLatency    time.Duration
	MaxLatency    time.Duration
	TransientRate float64 // probability of a retryable failure per submit
	TerminalRate  float64 // probability of a hard rejection per submit
}

// NewSimulatedClient returns a venue with modest latency and a small failure
// budget.
func NewSimulatedClient() *SimulatedClient {
	return &SimulatedClient{
		MinLatency:    5 * time.Millisecond,
		MaxLatency:    50 * time.Millisecond,
		TransientRate: 0.05,
		TerminalRate:  0.02,
	}
}

func (c *SimulatedClient) Submit(ctx context.Context, req Request) (*Receipt, error) {
	logger := log.With().
		Str("component", "settlement_sim").
		Str("asset_id", req.AssetID).
		Float64("amount", req.Amount).
		Float64("price", req.ExecutionPrice).
		Logger()

	latency := c.MinLatency
	if c.MaxLatency > c.MinLatency {
		latency += time.Duration(rand.Int63n(int64(c.MaxLatency - c.MinLatency)))
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", types.ErrSettlementTransient, ctx.Err())
	case <-time.After(latency):
	}

	roll := rand.Float64()
	switch {
	case roll < c.TerminalRate:
		logger.Warn().Msg("settlement rejected by venue")
		return nil, fmt.Errorf("%w: rejected by venue", types.ErrSettlementTerminal)
	case roll < c.TerminalRate+c.TransientRate:
		logger.Warn().Msg("settlement venue timeout")
		return nil, fmt.Errorf("%w: venue timeout", types.ErrSettlementTransient)
	}

	receipt := &Receipt{
		Ref:        "STL_" + uuid.New().String(),
		FilledAt:   time.Now(),
		FilledCost: req.Amount * req.ExecutionPrice,
	}

	logger.Info().Str("settlement_ref", receipt.Ref).Msg("settlement submitted")
	return receipt, nil
}
