// Package ixerr names the error taxonomy the indexing core recovers from,
// fails over on, or dies on. Components wrap a sentinel with fmt.Errorf's
// %w verb so callers can branch with errors.Is instead of string matching.
package ixerr

import "errors"

var (
	// ErrTransientNetwork covers connection-level failures with no HTTP
	// response at all. Recovered with backoff inside the RPC client.
	ErrTransientNetwork = errors.New("transient network error")

	// ErrRateLimited is raised on HTTP 429. Recovered by honoring
	// Retry-After (or a randomized backoff) and counting against the
	// client's throttle attempt budget.
	ErrRateLimited = errors.New("rate limited")

	// ErrEndpointUnhealthy marks a connection the pool has failed over
	// away from. Recovered by routing to the next healthy connection and
	// scheduling a background reconnect.
	ErrEndpointUnhealthy = errors.New("endpoint unhealthy")

	// ErrEndpointMismatch indicates two endpoints disagree on chain
	// identity (chainId, genesisHash, or runtimeChain). Fatal at init.
	ErrEndpointMismatch = errors.New("endpoint chain identity mismatch")

	// ErrDictionaryUnavailable means the dictionary endpoint could not be
	// reached or timed out. Recovered by falling back to dense RPC fetch
	// for the current cycle.
	ErrDictionaryUnavailable = errors.New("dictionary unavailable")

	// ErrDictionaryBehind means the dictionary's lastProcessedHeight is
	// behind the requested start height. Same recovery as unavailable.
	ErrDictionaryBehind = errors.New("dictionary behind requested range")

	// ErrDictionaryMalformed means the dictionary responded but the
	// payload failed validation. Recovered by dropping the response and
	// falling back for this cycle.
	ErrDictionaryMalformed = errors.New("dictionary response malformed")

	// ErrInvariantViolation indicates upstream gave heights out of order.
	// Always fatal — it means a bug in the fetch service or dispatcher,
	// not a condition any component can recover from.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrHandlerFailure means a user handler failed after internal
	// retries. Fatal for the process: the dispatcher is not allowed to
	// skip a height.
	ErrHandlerFailure = errors.New("handler failure")

	// ErrShutdown is returned by in-flight operations cancelled by a
	// graceful shutdown signal, distinguishing it from a genuine failure.
	ErrShutdown = errors.New("shutting down")
)

// Fatal reports whether an error (which may be a chain of wrapped errors)
// represents a condition the process cannot recover from and should exit.
func Fatal(err error) bool {
	return errors.Is(err, ErrEndpointMismatch) ||
		errors.Is(err, ErrInvariantViolation) ||
		errors.Is(err, ErrHandlerFailure)
}
