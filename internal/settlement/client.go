// Package settlement defines the boundary to the external settlement venue.
// The engine only ever submits and reads back a receipt; signing, wallets and
// on-chain mechanics live behind this interface.
package settlement

import (
	"context"
	"time"
)

// Request carries everything the venue needs to dispose of a position.
type Request struct {
	AssetID        string
	Amount         float64
	ExecutionPrice float64
	UserAddress    string
}

// Receipt is the venue's acknowledgement of a completed settlement.
type Receipt struct {
	Ref        string
	FilledAt   time.Time
	FilledCost float64
}

// Client submits settlements. Implementations must be safe for concurrent
// use; the dispatcher treats them as possibly slow or unavailable and wraps
// failures in types.ErrSettlementTransient or types.ErrSettlementTerminal.
type Client interface {
	Submit(ctx context.Context, req Request) (*Receipt, error)
}
