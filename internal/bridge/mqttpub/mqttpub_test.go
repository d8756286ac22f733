package mqttpub

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/gateway-rust-go/internal/config"
	"github.com/nugget/gateway-rust-go/internal/frame"
	"github.com/nugget/gateway-rust-go/internal/framebus"
)

type fakeMetrics struct {
	publishes int32
	acks      int32
	timeouts  int32
}

func (f *fakeMetrics) PublishTotal()    { atomic.AddInt32(&f.publishes, 1) }
func (f *fakeMetrics) CmdAckTotal()     { atomic.AddInt32(&f.acks, 1) }
func (f *fakeMetrics) CmdTimeoutTotal() { atomic.AddInt32(&f.timeouts, 1) }

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

func testMQTTConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker:          "tcp://localhost:1883",
		TopicPrefix:     "gateway",
		QoS:             1,
		BatchSize:       10,
		BatchTimeout:    "50ms",
		InflightMax:     8,
		InflightTimeout: "100ms",
		KeepAlive:       "60s",
	}
}

func TestTopicHelpers(t *testing.T) {
	b := New(testMQTTConfig(), testBus(t), nil)
	if got, want := b.dataTopic(), "gateway/data"; got != want {
		t.Errorf("dataTopic() = %q, want %q", got, want)
	}
	if got, want := b.cmdTopic(), "gateway/cmd"; got != want {
		t.Errorf("cmdTopic() = %q, want %q", got, want)
	}
	if got, want := b.cmdAckTopic(), "gateway/cmd/ack"; got != want {
		t.Errorf("cmdAckTopic() = %q, want %q", got, want)
	}
	if got, want := b.availabilityTopic(), "gateway/availability"; got != want {
		t.Errorf("availabilityTopic() = %q, want %q", got, want)
	}
}

func TestHandleCommandPublishesCmdFrameAndTracksInflight(t *testing.T) {
	bus := testBus(t)
	b := New(testMQTTConfig(), bus, nil)

	sub := bus.Subscribe("test", framebus.CmdOnly(), false)

	payload := []byte(`{"tag":"plc1.setpoint","value":{"kind":"int","int":42},"origin":"scada"}`)
	b.handleCommand(payload)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	env, err := sub.Recv(ctx)
	if err != nil {
		t.Fatalf("expected a published cmd frame: %v", err)
	}
	cmd, err := env.IntoCmd()
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Tag != "plc1.setpoint" {
		t.Errorf("tag = %q, want plc1.setpoint", cmd.Tag)
	}
	got, _ := cmd.Value.AsI64()
	if got != 42 {
		t.Errorf("value = %d, want 42", got)
	}

	b.mu.Lock()
	n := len(b.inflight)
	b.mu.Unlock()
	if n != 1 {
		t.Fatalf("inflight count = %d, want 1", n)
	}
}

func TestHandleCommandDropsWhenInflightFull(t *testing.T) {
	bus := testBus(t)
	cfg := testMQTTConfig()
	cfg.InflightMax = 1
	b := New(cfg, bus, nil)

	b.handleCommand([]byte(`{"tag":"a","value":{"kind":"int","int":1}}`))
	b.handleCommand([]byte(`{"tag":"b","value":{"kind":"int","int":2}}`))

	b.mu.Lock()
	n := len(b.inflight)
	b.mu.Unlock()
	if n != 1 {
		t.Fatalf("inflight count = %d, want 1 (second command should be dropped)", n)
	}
}

func TestAckLoopResolvesInflightCommand(t *testing.T) {
	bus := testBus(t)
	metrics := &fakeMetrics{}
	b := New(testMQTTConfig(), bus, nil, metrics)

	b.handleCommand([]byte(`{"tag":"plc1.setpoint","value":{"kind":"int","int":1}}`))

	b.mu.Lock()
	var cmdID uint64
	for id := range b.inflight {
		cmdID = id
	}
	b.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.ackLoop(ctx)

	pub := framebus.NewPublisher(bus)
	ack := frame.AckSuccess(cmdID, "plc1.setpoint", "modbus-tcp", nil, uint64(time.Now().UnixNano()))
	if _, err := pub.PublishCmdAck(ack); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		b.mu.Lock()
		_, stillInflight := b.inflight[cmdID]
		b.mu.Unlock()
		if !stillInflight {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	b.mu.Lock()
	_, stillInflight := b.inflight[cmdID]
	b.mu.Unlock()
	if stillInflight {
		t.Fatal("expected command to be resolved from inflight map")
	}
	if atomic.LoadInt32(&metrics.acks) != 1 {
		t.Fatalf("CmdAckTotal calls = %d, want 1", metrics.acks)
	}
}

func TestSweepOnceExpiresOverdueCommands(t *testing.T) {
	bus := testBus(t)
	metrics := &fakeMetrics{}
	b := New(testMQTTConfig(), bus, nil, metrics)

	b.mu.Lock()
	b.inflight[1] = inflightCmd{tag: "x", deadline: time.Now().Add(-time.Second)}
	b.inflight[2] = inflightCmd{tag: "y", deadline: time.Now().Add(time.Hour)}
	b.mu.Unlock()

	b.sweepOnce(time.Now())

	b.mu.Lock()
	_, expiredStillThere := b.inflight[1]
	_, freshStillThere := b.inflight[2]
	b.mu.Unlock()

	if expiredStillThere {
		t.Error("expired command should have been evicted")
	}
	if !freshStillThere {
		t.Error("non-expired command should remain")
	}
	if atomic.LoadInt32(&metrics.timeouts) != 1 {
		t.Fatalf("CmdTimeoutTotal calls = %d, want 1", metrics.timeouts)
	}
}

func TestNewGeneratesClientIDWhenEmpty(t *testing.T) {
	b := New(testMQTTConfig(), testBus(t), nil)
	if b.clientID == "" {
		t.Fatal("expected a generated client ID")
	}
}
