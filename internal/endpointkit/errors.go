package endpointkit

import "errors"

// Sentinel errors returned by Acquire and the URL parser. Wrapped with
// fmt.Errorf("...: %w", ...) at call sites so errors.Is still matches.
var (
	// ErrInvalidURL is returned by Parse for any malformed endpoint URL:
	// unknown scheme, missing host (outside serial://), out-of-range port,
	// or an unparseable query string.
	ErrInvalidURL = errors.New("endpointkit: invalid url")

	// ErrUnsupportedScheme is returned when a scheme is syntactically
	// valid but no transport or decorator implements it yet.
	ErrUnsupportedScheme = errors.New("endpointkit: unsupported scheme")

	// ErrPaused is returned by Acquire when the pool is paused, either by
	// backpressure from FrameBus or by a manual control message.
	ErrPaused = errors.New("endpointkit: pool paused")

	// ErrCircuitOpen is returned by Acquire when the circuit breaker has
	// tripped; no connection attempt is made.
	ErrCircuitOpen = errors.New("endpointkit: circuit open")

	// ErrPoolExhausted is returned by Acquire after the configured acquire
	// timeout elapses with no connection available.
	ErrPoolExhausted = errors.New("endpointkit: pool exhausted")
)
