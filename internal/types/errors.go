package types

import "errors"

var (
	// ErrPriceUnavailable means every feed source failed and no cached sample
	// is fresh enough to serve. Callers must skip evaluation rather than
	// fabricate a price.
	ErrPriceUnavailable = errors.New("price unavailable")

	// ErrStaleVersion means an optimistic write lost the race: the record's
	// version changed since it was read. The caller re-reads on the next tick.
	ErrStaleVersion = errors.New("stale order version")

	// ErrConflictingState means the requested status transition is illegal for
	// the order's current status (e.g. cancelling a triggered order).
	ErrConflictingState = errors.New("conflicting order state")

	// ErrNotFound means the order does not exist.
	ErrNotFound = errors.New("order not found")

	// ErrSettlementTransient marks a settlement failure worth retrying
	// (timeouts, connectivity). The dispatcher retries with backoff.
	ErrSettlementTransient = errors.New("transient settlement failure")

	// ErrSettlementTerminal marks a settlement rejection that will not succeed
	// on retry (rejected, insufficient funds). The order fails immediately.
	ErrSettlementTerminal = errors.New("terminal settlement failure")
)
