package framebus

import (
	"context"
	"testing"
	"time"

	"github.com/nugget/gateway-rust-go/internal/frame"
	"github.com/nugget/gateway-rust-go/internal/value"
)

func testConfig(t *testing.T) Config {
	c := DefaultConfig()
	c.WALDir = t.TempDir()
	c.RingPow = 10
	return c
}

func dataEnvelope(t *testing.T, tag string) frame.Envelope {
	t.Helper()
	f := frame.NewDataFrame(tag, value.Float(1.0), 1)
	env, err := frame.WrapData(0, f) // seq is overwritten by Publish
	if err != nil {
		t.Fatal(err)
	}
	return env
}

func TestPublishAssignsMonotonicSeq(t *testing.T) {
	bus, err := New(testConfig(t), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer bus.Close()

	var seqs []uint64
	for i := 0; i < 5; i++ {
		seq, err := bus.Publish(dataEnvelope(t, "tag"))
		if err != nil {
			t.Fatal(err)
		}
		seqs = append(seqs, seq)
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] != seqs[i-1]+1 {
			t.Fatalf("seqs not contiguous: %v", seqs)
		}
	}
}

func TestSubscribeReceivesInOrder(t *testing.T) {
	bus, err := New(testConfig(t), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer bus.Close()

	sub := bus.Subscribe("c1", All(), false)

	for i := 0; i < 3; i++ {
		if _, err := bus.Publish(dataEnvelope(t, "tag")); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var last int64 = -1
	for i := 0; i < 3; i++ {
		env, err := sub.Recv(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if int64(env.Seq) <= last {
			t.Fatalf("out of order delivery: %d after %d", env.Seq, last)
		}
		last = int64(env.Seq)
	}
}

func TestSubscribeFilterSkipsNonMatching(t *testing.T) {
	bus, err := New(testConfig(t), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer bus.Close()

	sub := bus.Subscribe("c1", TagStartsWith("keep."), false)

	if _, err := bus.Publish(dataEnvelope(t, "skip.me")); err != nil {
		t.Fatal(err)
	}
	if _, err := bus.Publish(dataEnvelope(t, "keep.me")); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	env, err := sub.Recv(ctx)
	if err != nil {
		t.Fatal(err)
	}
	tag, err := env.Tag()
	if err != nil {
		t.Fatal(err)
	}
	if tag != "keep.me" {
		t.Fatalf("expected filter to skip to keep.me, got %q", tag)
	}
}

func TestDurableSubscriptionResumesFromAck(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.WALDir = dir
	cfg.RingPow = 10

	bus, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	sub := bus.Subscribe("durable1", All(), true)
	var seqs []uint64
	for i := 0; i < 3; i++ {
		seq, err := bus.Publish(dataEnvelope(t, "tag"))
		if err != nil {
			t.Fatal(err)
		}
		seqs = append(seqs, seq)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	env, err := sub.Recv(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := sub.Ack(env.Seq); err != nil {
		t.Fatal(err)
	}
	bus.Close()

	// Reopen against the same WAL dir and resubscribe durably; it should
	// resume after the acked seq rather than from the current tail.
	bus2, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer bus2.Close()

	sub2 := bus2.Subscribe("durable1", All(), true)
	if got := sub2.cursorValue(); got != env.Seq+1 {
		t.Fatalf("expected durable resume cursor %d, got %d", env.Seq+1, got)
	}
}

func TestAckIsIdempotentAndMonotone(t *testing.T) {
	bus, err := New(testConfig(t), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer bus.Close()

	sub := bus.Subscribe("c1", All(), true)
	if err := sub.Ack(10); err != nil {
		t.Fatal(err)
	}
	if err := sub.Ack(3); err != nil {
		t.Fatal(err)
	}
	if got := bus.wal.cursor("c1"); got != 10 {
		t.Fatalf("expected cursor to remain at 10, got %d", got)
	}
}

func TestBackpressurePauseResumeHysteresis(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WALDir = t.TempDir()
	cfg.RingPow = 10 // capacity 1024
	cfg.PauseHi = 0.5
	cfg.ResumeLo = 0.2

	bus, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer bus.Close()

	pauseEvents := 0
	resumeEvents := 0
	bus.bp.onPause = func() { pauseEvents++ }
	bus.bp.onResume = func() { resumeEvents++ }

	cap := cfg.RingCapacity()
	pauseAt := int(float64(cap) * cfg.PauseHi)

	// Cross pause_hi upward.
	bus.bp.observe(pauseAt)
	if pauseEvents != 1 {
		t.Fatalf("expected one pause event, got %d", pauseEvents)
	}
	// Sitting in the gap should not trigger resume.
	bus.bp.observe(pauseAt - 1)
	if resumeEvents != 0 {
		t.Fatalf("expected no resume while in hysteresis gap, got %d", resumeEvents)
	}
	// Crossing resume_lo downward should fire resume exactly once.
	resumeAt := int(float64(cap) * cfg.ResumeLo)
	bus.bp.observe(resumeAt)
	if resumeEvents != 1 {
		t.Fatalf("expected one resume event, got %d", resumeEvents)
	}
}

// TestRingOccupancyTracksSlowestSubscriber proves occupancy is derived
// from the slowest live subscriber's cursor rather than raw buffer
// length: once the ring is full and a subscriber drains every envelope,
// occupancy must fall back to (near) zero so Paused->Normal is
// reachable, instead of staying pinned at capacity forever.
func TestRingOccupancyTracksSlowestSubscriber(t *testing.T) {
	cfg := testConfig(t)
	cfg.RingPow = 10 // capacity 1024

	bus, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer bus.Close()

	sub := bus.Subscribe("c1", All(), false)
	defer sub.Close()

	cap := cfg.RingCapacity()
	for i := 0; i < cap+50; i++ {
		if _, err := bus.Publish(dataEnvelope(t, "tag")); err != nil {
			t.Fatal(err)
		}
	}
	// Occupancy is clamped to capacity even though more than capacity
	// envelopes have been published and nothing has been read yet.
	if occ := bus.ring.currentOccupancy(); occ != cap {
		t.Fatalf("expected occupancy %d before draining, got %d", cap, occ)
	}

	// The 50 oldest envelopes were evicted, so the first Recv
	// fast-forwards past them and exactly cap envelopes remain to drain.
	ctx := context.Background()
	for i := 0; i < cap; i++ {
		if _, err := sub.Recv(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if occ := bus.ring.currentOccupancy(); occ != 0 {
		t.Fatalf("expected occupancy 0 once the subscriber caught up, got %d", occ)
	}
}

func TestGCReclaimsFullyAckedSegments(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.WALDir = dir
	cfg.RingPow = 10
	cfg.MaxSegmentBytes = 64 // tiny, forces multiple segments

	bus, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer bus.Close()

	sub := bus.Subscribe("c1", All(), true)
	var lastSeq uint64
	for i := 0; i < 20; i++ {
		seq, err := bus.Publish(dataEnvelope(t, "a.fairly.long.tag.to.force.rollover"))
		if err != nil {
			t.Fatal(err)
		}
		lastSeq = seq
	}
	if err := sub.Ack(lastSeq); err != nil {
		t.Fatal(err)
	}

	before := len(bus.wal.segments)
	if before < 2 {
		t.Fatalf("expected multiple segments before GC, got %d", before)
	}
	if err := bus.GC(); err != nil {
		t.Fatal(err)
	}
	after := len(bus.wal.segments)
	if after != 1 {
		t.Fatalf("expected GC to reclaim all but the active segment, got %d remaining", after)
	}
}
