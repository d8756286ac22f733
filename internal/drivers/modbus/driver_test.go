package modbus

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/nugget/gateway-rust-go/internal/driver"
	"github.com/nugget/gateway-rust-go/internal/frame"
	"github.com/nugget/gateway-rust-go/internal/framebus"
	"github.com/nugget/gateway-rust-go/internal/value"
)

// fakePLC answers read-holding-registers requests with a fixed register
// bank and accepts writes into it, enough to drive the MBAP round trip
// without a real network socket.
type fakePLC struct {
	mu   sync.Mutex
	regs map[uint16]uint16
	in   bytes.Buffer
	out  bytes.Buffer
}

func newFakePLC() *fakePLC {
	return &fakePLC{regs: map[uint16]uint16{0: 0x1234, 1: 0x0001}}
}

func (p *fakePLC) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.in.Write(b)
	p.serviceLocked()
	return len(b), nil
}

func (p *fakePLC) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out.Read(b)
}

func (p *fakePLC) Close() error { return nil }

func (p *fakePLC) serviceLocked() {
	for p.in.Len() >= mbapHeaderLen {
		header := p.in.Bytes()[:mbapHeaderLen]
		pduLen := int(binary.BigEndian.Uint16(header[4:6])) - 1
		if p.in.Len() < mbapHeaderLen+pduLen {
			return
		}
		txID := binary.BigEndian.Uint16(header[0:2])
		all := make([]byte, mbapHeaderLen+pduLen)
		copy(all, p.in.Bytes()[:mbapHeaderLen+pduLen])
		p.in.Next(mbapHeaderLen + pduLen)

		pdu := all[mbapHeaderLen:]
		var respPDU []byte
		switch pdu[0] {
		case funcReadHolding:
			start := binary.BigEndian.Uint16(pdu[1:3])
			qty := binary.BigEndian.Uint16(pdu[3:5])
			respPDU = make([]byte, 2+int(qty)*2)
			respPDU[0] = funcReadHolding
			respPDU[1] = byte(qty * 2)
			for i := uint16(0); i < qty; i++ {
				binary.BigEndian.PutUint16(respPDU[2+i*2:4+i*2], p.regs[start+i])
			}
		case funcWriteSingle:
			addr := binary.BigEndian.Uint16(pdu[1:3])
			val := binary.BigEndian.Uint16(pdu[3:5])
			p.regs[addr] = val
			respPDU = append([]byte{funcWriteSingle}, pdu[1:5]...)
		default:
			respPDU = []byte{pdu[0] | 0x80, 0x01}
		}

		respHeader := make([]byte, mbapHeaderLen)
		binary.BigEndian.PutUint16(respHeader[0:2], txID)
		binary.BigEndian.PutUint16(respHeader[4:6], uint16(len(respPDU)+1))
		respHeader[6] = all[6]
		p.out.Write(respHeader)
		p.out.Write(respPDU)
	}
}

func TestDriverReadLoopPublishesConfiguredPoints(t *testing.T) {
	d := New()
	err := d.Init(map[string]any{
		"unit_id": 1,
		"polling": "5ms",
		"points": []any{
			map[string]any{"tag": "plc1.status", "addr": 0, "datatype": "uint16", "access": "r"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	plc := newFakePLC()
	d.conn = plc // Connect would just store the handle; we bypass EndpointKit here

	bus, err := framebus.New(testFramebusConfig(t), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer bus.Close()
	pub := framebus.NewPublisher(bus)
	sub := bus.Subscribe("test", framebus.All(), false)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- d.ReadLoop(ctx, pub) }()

	env, err := sub.Recv(ctx)
	if err != nil {
		t.Fatalf("expected a published data frame: %v", err)
	}
	df, err := env.IntoData()
	if err != nil {
		t.Fatal(err)
	}
	if df.Tag != "plc1.status" {
		t.Fatalf("got tag %q, want plc1.status", df.Tag)
	}
	got, _ := df.Value.AsI64()
	if got != 0x1234 {
		t.Fatalf("got value %x, want 0x1234", got)
	}

	<-done
}

func TestDriverWriteRejectsUnknownTag(t *testing.T) {
	d := New()
	if err := d.Init(map[string]any{"enable_write": true}); err != nil {
		t.Fatal(err)
	}
	d.conn = newFakePLC()

	err := d.Write(context.Background(), frame.CmdFrame{Tag: "no.such.point", Value: value.Int(1)})
	if err == nil {
		t.Fatal("expected error for unknown tag")
	}
}

func TestDriverWriteRejectsWhenDisabled(t *testing.T) {
	d := New()
	if err := d.Init(map[string]any{"enable_write": false}); err != nil {
		t.Fatal(err)
	}
	d.conn = newFakePLC()

	err := d.Write(context.Background(), frame.CmdFrame{Tag: "x", Value: value.Int(1)})
	if err == nil {
		t.Fatal("expected error when writes disabled")
	}
}

func TestDriverWriteSingleRegisterRoundTrips(t *testing.T) {
	d := New()
	err := d.Init(map[string]any{
		"enable_write": true,
		"points": []any{
			map[string]any{"tag": "setpoint", "addr": 0, "datatype": "uint16", "access": "w"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	plc := newFakePLC()
	d.conn = plc

	if err := d.Write(context.Background(), frame.CmdFrame{Tag: "setpoint", Value: value.Int(99)}); err != nil {
		t.Fatal(err)
	}
	if plc.regs[0] != 99 {
		t.Fatalf("register not updated, got %d", plc.regs[0])
	}
}

func TestRegisteredUnderModbusTCP(t *testing.T) {
	if _, ok := driver.Lookup("modbus-tcp"); !ok {
		t.Fatal("expected modbus-tcp to self-register via init()")
	}
}

func testFramebusConfig(t *testing.T) framebus.Config {
	t.Helper()
	cfg := framebus.DefaultConfig()
	cfg.WALDir = t.TempDir()
	cfg.RingPow = 10
	return cfg
}
