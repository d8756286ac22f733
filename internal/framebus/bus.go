package framebus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/gateway-rust-go/internal/endpointkit"
	"github.com/nugget/gateway-rust-go/internal/frame"
)

// Metrics is the subset of gwmetrics counters/gauges the bus updates.
// Defined here as an interface (rather than importing gwmetrics
// directly) to keep framebus independent of the metrics registry's
// construction; cmd/gatewayd wires a concrete implementation in.
type Metrics interface {
	PublishTotal()
	DropTotal()
	RingUsed(n int)
	PauseTotal()
	WALFlushLatency(d time.Duration)
	WALBytes(n int64)
}

type noopMetrics struct{}

func (noopMetrics) PublishTotal()                  {}
func (noopMetrics) DropTotal()                     {}
func (noopMetrics) RingUsed(int)                   {}
func (noopMetrics) PauseTotal()                     {}
func (noopMetrics) WALFlushLatency(time.Duration) {}
func (noopMetrics) WALBytes(int64)                {}

// Bus ties ring + WAL + filter + backpressure together per SPEC_FULL.md
// §3.4. One Bus per process, constructed in cmd/gatewayd and passed by
// reference into producers/consumers — never a package-level global.
type Bus struct {
	cfg     Config
	ring    *ring
	wal     *wal
	bp      *backpressureState
	metrics Metrics

	// publishMu serializes the reserve-seq -> WAL-append -> ring-commit
	// pipeline so that (a) an envelope is always durable in the WAL
	// before it becomes visible to subscribers (§3.3), and (b) concurrent
	// publishers can't write the WAL or commit to the ring out of seq
	// order.
	publishMu sync.Mutex

	mu          sync.Mutex
	producerURL []string
	closed      bool
}

// New opens (or recovers) the WAL under cfg.WALDir, seeds the ring's next
// seq from it, and returns a ready Bus. Pass a non-nil factory to have
// backpressure transitions broadcast Pause/Resume on every registered
// producer URL's EndpointKit control channel; pass nil to disable that
// wiring (e.g. in tests that only exercise ring/WAL behavior).
func New(cfg Config, factory *endpointkit.EndpointFactory, metrics Metrics) (*Bus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}

	w, err := openWAL(cfg.WALDir, cfg.MaxSegmentBytes)
	if err != nil {
		return nil, err
	}
	nextSeq, err := w.recover()
	if err != nil {
		return nil, err
	}

	r := newRing(cfg.RingCapacity())
	r.nextSeq = nextSeq

	b := &Bus{cfg: cfg, ring: r, wal: w, metrics: metrics}

	var pause, resume func()
	if factory != nil {
		pause, resume = b.wrapControlFuncs(factory)
	} else {
		pause = func() {}
		resume = func() {}
	}
	b.bp = newBackpressureState(cfg, func() {
		metrics.PauseTotal()
		pause()
	}, resume)

	return b, nil
}

// wrapControlFuncs returns pause/resume closures that always read the
// bus's current producer URL list, so URLs registered after New still
// receive backpressure broadcasts.
func (b *Bus) wrapControlFuncs(factory *endpointkit.EndpointFactory) (pause, resume func()) {
	pause = func() {
		b.mu.Lock()
		urls := append([]string(nil), b.producerURL...)
		b.mu.Unlock()
		for _, u := range urls {
			if ctrl, err := factory.ControlFor(u); err == nil {
				ctrl.Pause()
			}
		}
	}
	resume = func() {
		b.mu.Lock()
		urls := append([]string(nil), b.producerURL...)
		b.mu.Unlock()
		for _, u := range urls {
			if ctrl, err := factory.ControlFor(u); err == nil {
				ctrl.Resume()
			}
		}
	}
	return pause, resume
}

// RegisterProducerURL tells the bus which EndpointKit URLs to signal
// Pause/Resume on when the ring crosses its watermarks.
func (b *Bus) RegisterProducerURL(url string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.producerURL = append(b.producerURL, url)
}

// Publish stamps a monotonic seq onto env, durably writes it to the WAL,
// and only then makes it visible to live subscribers, per §3.3's
// invariant that WAL commitment precedes (or is atomic with) broadcast
// visibility — a subscriber blocked in Recv must never be able to
// observe and Ack a seq the WAL hasn't persisted yet. In
// HighPerformanceMode, Publish still appends before committing to the
// ring, but doesn't fsync. Nothing syncs the WAL on a timer
// (WALFlushInterval is validated but does not schedule syncs), so in
// that mode the active segment is synced only by Close. GC never
// reclaims a segment past an unacknowledged offset (see DESIGN.md's
// Open Question note).
func (b *Bus) Publish(env frame.Envelope) (uint64, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}

	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	seq := b.ring.reserveSeq()
	env.Seq = seq

	if err := b.wal.append(env); err != nil {
		b.metrics.DropTotal()
		return 0, err
	}
	if !b.cfg.HighPerformanceMode {
		start := time.Now()
		if err := b.wal.flush(); err != nil {
			return 0, err
		}
		b.metrics.WALFlushLatency(time.Since(start))
	}

	occupancy, evicted := b.ring.commit(env)
	if evicted {
		b.metrics.DropTotal()
	}

	b.metrics.PublishTotal()
	b.metrics.RingUsed(occupancy)
	b.metrics.WALBytes(b.wal.totalBytes())
	b.bp.observe(occupancy)

	return seq, nil
}

// Publisher is a thin convenience wrapper handed to drivers, grounded on
// the original ring.rs's FramePublisher: callers publish typed frames
// instead of pre-built Envelopes.
type Publisher struct {
	bus *Bus
}

// NewPublisher wraps bus for frame-typed publishing.
func NewPublisher(bus *Bus) *Publisher { return &Publisher{bus: bus} }

// PublishData wraps and publishes a DataFrame.
func (p *Publisher) PublishData(f frame.DataFrame) (uint64, error) {
	env, err := frame.WrapData(0, f)
	if err != nil {
		return 0, err
	}
	return p.bus.Publish(env)
}

// PublishCmd wraps and publishes a CmdFrame.
func (p *Publisher) PublishCmd(f frame.CmdFrame) (uint64, error) {
	env, err := frame.WrapCmd(0, f)
	if err != nil {
		return 0, err
	}
	return p.bus.Publish(env)
}

// PublishCmdAck wraps and publishes a CmdAckFrame.
func (p *Publisher) PublishCmdAck(f frame.CmdAckFrame) (uint64, error) {
	env, err := frame.WrapCmdAck(0, f)
	if err != nil {
		return 0, err
	}
	return p.bus.Publish(env)
}

// Subscription is a live view into the bus filtered by Filter, optionally
// durable (resuming from a persisted consumer offset across restarts).
type Subscription struct {
	bus     *Bus
	id      string
	filter  Filter
	durable bool
	// cursor is read by the ring's occupancy calculation from a
	// different goroutine than the one calling Recv, so it's atomic
	// rather than a plain uint64.
	cursor atomic.Uint64
}

// cursorValue returns the subscription's current read cursor, for the
// ring's occupancy calculation.
func (s *Subscription) cursorValue() uint64 {
	return s.cursor.Load()
}

// Subscribe returns a Subscription starting from the bus's current tail,
// registered with the ring so backpressure occupancy accounts for it.
// If durable is true and id has acked before, the subscription starts
// just after its last acked seq instead. Envelopes from there on that
// the ring still holds are delivered; the ring is not refilled from the
// WAL, so older ones (all of them after a restart) are not replayed and
// the first Recv fast-forwards past them. Call Close when the subscriber
// is done reading, or it keeps counting toward ring occupancy
// indefinitely.
func (b *Bus) Subscribe(id string, filter Filter, durable bool) *Subscription {
	start := b.ring.currentSeq()
	if durable {
		b.wal.mu.Lock()
		acked, ok := b.wal.offsets[id]
		b.wal.mu.Unlock()
		if ok {
			start = acked + 1
		}
	}
	s := &Subscription{bus: b, id: id, filter: filter, durable: durable}
	s.cursor.Store(start)
	b.ring.addSubscriber(s)
	return s
}

// Close unregisters the subscription from the ring's occupancy
// tracking. Safe to call once a subscriber (e.g. a closed WebSocket)
// will not call Recv again.
func (s *Subscription) Close() {
	s.bus.ring.removeSubscriber(s)
}

// Recv blocks for the next envelope matching the subscription's filter,
// in strictly increasing seq order with no duplicates (§4.2.1's ordering
// guarantee). A lagged cursor is fast-forwarded to the oldest buffered
// seq and counted as a drop; the *LaggedError is not returned to the
// caller, which only sees the next matching envelope.
func (s *Subscription) Recv(ctx context.Context) (frame.Envelope, error) {
	for {
		env, err := s.bus.ring.nextFrom(ctx, s.cursor.Load())
		if err != nil {
			var lag *LaggedError
			if errors.As(err, &lag) {
				s.bus.metrics.DropTotal()
				s.cursor.Store(lag.OldestSeq)
				continue
			}
			return frame.Envelope{}, err
		}
		s.cursor.Store(env.Seq + 1)
		if s.filter.Matches(env) {
			return env, nil
		}
	}
}

// Ack advances this subscription's durable cursor, idempotent and
// monotone per §8 invariant 4.
func (s *Subscription) Ack(seq uint64) error {
	if !s.durable {
		return nil
	}
	return s.bus.wal.ack(s.id, seq)
}

// GC deletes WAL segments, other than the active one, whose max seq is
// below the minimum acked consumer offset, intended to be invoked
// periodically by cmd/gatewayd's GC task (§6.5). cfg.WALMaxBytes is not
// consulted: total WAL size is not capped.
func (b *Bus) GC() error {
	min := b.wal.minLiveOffset()
	if min == 0 {
		return nil // no consumer has acked anything yet; nothing is safe to drop
	}

	b.wal.mu.Lock()
	segs := append([]string(nil), b.wal.segments...)
	cur := b.wal.curPath
	b.wal.mu.Unlock()

	deleted := make(map[string]bool)
	for _, path := range segs {
		if path == cur {
			continue // never delete the active segment
		}
		lastSeq, _, err := scanSegment(path)
		if err != nil {
			return fmt.Errorf("framebus: gc scan %s: %w", path, err)
		}
		if lastSeq >= 0 && uint64(lastSeq) < min {
			if err := deleteSegment(path); err != nil {
				return err
			}
			slog.Info("framebus: gc reclaimed segment", "segment", path, "last_seq", lastSeq, "min_live_offset", min)
			deleted[path] = true
		}
	}
	if len(deleted) > 0 {
		b.wal.mu.Lock()
		remaining := make([]string, 0, len(b.wal.segments))
		for _, s := range b.wal.segments {
			if !deleted[s] {
				remaining = append(remaining, s)
			}
		}
		b.wal.segments = remaining
		b.wal.mu.Unlock()
	}
	return nil
}

// Close stops accepting new publishes, flushes the WAL, and releases its
// file handles, per §6.5's shutdown sequence (ring drain with a bounded
// deadline is the caller's responsibility, since only it knows which
// subscribers still need draining).
func (b *Bus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	b.ring.close()
	if err := b.wal.flush(); err != nil {
		return err
	}
	return b.wal.close()
}
