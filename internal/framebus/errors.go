package framebus

import (
	"errors"
	"fmt"
)

var (
	// ErrRingFull is not returned by Publish: when the ring is full,
	// Publish evicts the oldest envelope and counts a drop instead.
	ErrRingFull = errors.New("framebus: ring full")

	// ErrLagged is what the ring reports for a cursor that fell behind by
	// more than the ring's capacity. Subscription.Recv handles it itself,
	// fast-forwarding the cursor to the oldest available seq, and does not
	// return it. Use errors.As to recover the *LaggedError carrying the
	// fast-forwarded seq.
	ErrLagged = errors.New("framebus: subscriber lagged")

	// ErrClosed is returned by Publish/Recv once the bus has been shut
	// down.
	ErrClosed = errors.New("framebus: bus closed")

	// ErrInvalidFilter is returned by TagMatches when a TagRegex pattern
	// fails to compile.
	ErrInvalidFilter = errors.New("framebus: invalid filter")

	// ErrWALPoisoned is fatal: a WAL segment's CRC didn't validate beyond
	// what recovery's torn-record tolerance allows.
	ErrWALPoisoned = errors.New("framebus: wal corrupted")
)

// LaggedError reports that a subscriber's cursor was fast-forwarded to
// OldestSeq because the envelopes it had not yet read were evicted from
// the ring.
type LaggedError struct {
	OldestSeq uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("framebus: subscriber lagged, fast-forwarded to seq %d", e.OldestSeq)
}

func (e *LaggedError) Unwrap() error { return ErrLagged }

func newLaggedError(oldest uint64) error {
	return &LaggedError{OldestSeq: oldest}
}
