package historian

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nugget/gateway-rust-go/internal/config"
	"github.com/nugget/gateway-rust-go/internal/frame"
	"github.com/nugget/gateway-rust-go/internal/framebus"
	"github.com/nugget/gateway-rust-go/internal/value"
)

func testBus(t *testing.T) *framebus.Bus {
	t.Helper()
	cfg := framebus.DefaultConfig()
	cfg.WALDir = t.TempDir()
	cfg.RingPow = 10
	bus, err := framebus.New(cfg, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { bus.Close() })
	return bus
}

func testHistorian(t *testing.T, bus *framebus.Bus) *Historian {
	t.Helper()
	cfg := config.HistorianConfig{
		Path:          filepath.Join(t.TempDir(), "historian.db"),
		FlushInterval: "20ms",
		RetainDays:    30,
	}
	h, err := New(cfg, bus, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { h.Stop() })
	return h
}

func TestArchiveLoopPersistsPublishedPoints(t *testing.T) {
	bus := testBus(t)
	h := testHistorian(t, bus)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h.Start(ctx)

	pub := framebus.NewPublisher(bus)
	ts := uint64(time.Now().UnixNano())
	if _, err := pub.PublishData(frame.NewDataFrame("plc1.temp", value.Float(72.5), ts)); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var records []Record
	for time.Now().Before(deadline) {
		recs, err := h.Query("plc1.temp", time.Unix(0, 0), time.Now().Add(time.Hour), 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(recs) > 0 {
			records = recs
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	got, ok := records[0].Value.AsF64()
	if !ok || got != 72.5 {
		t.Errorf("value = %v (ok=%v), want 72.5", got, ok)
	}
}

func TestFlushIsNoOpWhenPendingEmpty(t *testing.T) {
	bus := testBus(t)
	h := testHistorian(t, bus)

	h.flush() // must not panic or error with nothing buffered

	recs, err := h.Query("anything", time.Unix(0, 0), time.Now(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Fatalf("got %d records, want 0", len(recs))
	}
}

func TestPruneDeletesOnlyOldRows(t *testing.T) {
	bus := testBus(t)
	h := testHistorian(t, bus)

	now := time.Now()
	oldTS := uint64(now.Add(-40 * 24 * time.Hour).UnixNano())
	freshTS := uint64(now.Add(-time.Hour).UnixNano())

	h.mu.Lock()
	h.pending = append(h.pending,
		frame.NewDataFrame("old.tag", value.Int(1), oldTS),
		frame.NewDataFrame("fresh.tag", value.Int(2), freshTS),
	)
	h.mu.Unlock()
	h.flush()

	if err := h.prune(now); err != nil {
		t.Fatal(err)
	}

	oldRecs, err := h.Query("old.tag", time.Unix(0, 0), now.Add(time.Hour), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(oldRecs) != 0 {
		t.Fatalf("old.tag: got %d records, want 0 (should have been pruned)", len(oldRecs))
	}

	freshRecs, err := h.Query("fresh.tag", time.Unix(0, 0), now.Add(time.Hour), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(freshRecs) != 1 {
		t.Fatalf("fresh.tag: got %d records, want 1", len(freshRecs))
	}
}

func TestPruneNoOpWhenRetainDaysZero(t *testing.T) {
	bus := testBus(t)
	cfg := config.HistorianConfig{
		Path:          filepath.Join(t.TempDir(), "historian.db"),
		FlushInterval: "20ms",
		RetainDays:    0,
	}
	h, err := New(cfg, bus, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { h.Stop() })

	oldTS := uint64(time.Now().Add(-365 * 24 * time.Hour).UnixNano())
	h.mu.Lock()
	h.pending = append(h.pending, frame.NewDataFrame("ancient.tag", value.Int(1), oldTS))
	h.mu.Unlock()
	h.flush()

	if err := h.prune(time.Now()); err != nil {
		t.Fatal(err)
	}

	recs, err := h.Query("ancient.tag", time.Unix(0, 0), time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1 (RetainDays=0 disables pruning)", len(recs))
	}
}
