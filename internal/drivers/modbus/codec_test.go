package modbus

import (
	"testing"

	"github.com/nugget/gateway-rust-go/internal/value"
)

func TestDecodeUint16BigEndian(t *testing.T) {
	regs := []uint16{0x1234}
	point := RegPoint{Tag: "test", Addr: 0, DataType: DataUint16}

	v, err := decodeRegisters(regs, point, 0, Big)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := v.AsI64()
	if got != 0x1234 {
		t.Fatalf("got %x, want 0x1234", got)
	}
}

func TestDecodeInt16LittleEndian(t *testing.T) {
	regs := []uint16{0x34 | 0xFF<<8} // 0xFF34 little-endian swapped -> 0x34FF
	point := RegPoint{Tag: "t", Addr: 5, DataType: DataInt16}

	v, err := decodeRegisters(regs, point, 5, Little)
	if err != nil {
		t.Fatal(err)
	}
	if v.Kind() != value.KindInt {
		t.Fatalf("expected int kind, got %v", v.Kind())
	}
}

func TestDecodeFloat32RoundTrips(t *testing.T) {
	orig := float32(12.5)
	regs := split32(float32Bits(orig), Big)

	point := RegPoint{Tag: "f", Addr: 100, DataType: DataFloat32}
	v, err := decodeRegisters(regs, point, 100, Big)
	if err != nil {
		t.Fatal(err)
	}
	f, _ := v.AsF64()
	if float32(f) != orig {
		t.Fatalf("got %v, want %v", f, orig)
	}
}

func TestDecodeFloat64RoundTrips(t *testing.T) {
	orig := 3.14159265358979
	regs := split64(float64Bits(orig), Little)

	point := RegPoint{Tag: "d", Addr: 0, DataType: DataFloat64}
	v, err := decodeRegisters(regs, point, 0, Little)
	if err != nil {
		t.Fatal(err)
	}
	f, _ := v.AsF64()
	if f != orig {
		t.Fatalf("got %v, want %v", f, orig)
	}
}

func TestEncodeThenDecodeUint32RoundTrips(t *testing.T) {
	regs, err := encodeValue(value.Int(0xABCD1234), DataUint32, Big)
	if err != nil {
		t.Fatal(err)
	}
	v, err := decodeRegisters(regs, RegPoint{Addr: 0, DataType: DataUint32}, 0, Big)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := v.AsI64()
	if got != 0xABCD1234 {
		t.Fatalf("got %x, want 0xabcd1234", got)
	}
}

func TestOffsetOutOfBoundsFails(t *testing.T) {
	regs := []uint16{1, 2, 3}
	_, err := decodeRegisters(regs, RegPoint{Addr: 10, DataType: DataUint16}, 0, Big)
	if err == nil {
		t.Fatal("expected out-of-bounds error")
	}
}

func TestApplyScaleDivide(t *testing.T) {
	v, err := applyScale(value.Int(123), "value / 10.0")
	if err != nil {
		t.Fatal(err)
	}
	f, _ := v.AsF64()
	if f != 12.3 {
		t.Fatalf("got %v, want 12.3", f)
	}
}

func TestApplyScaleDivisionByZeroFails(t *testing.T) {
	_, err := applyScale(value.Int(10), "value / 0")
	if err == nil {
		t.Fatal("expected division-by-zero error")
	}
}

func TestApplyScaleNoExprIsIdentity(t *testing.T) {
	v, err := applyScale(value.Int(42), "")
	if err != nil {
		t.Fatal(err)
	}
	got, _ := v.AsI64()
	if got != 42 {
		t.Fatalf("got %d, want 42", got)
	}
}

func TestBatchPointsGroupsContiguousPoints(t *testing.T) {
	points := []RegPoint{
		{Tag: "a", Addr: 0, DataType: DataUint16},
		{Tag: "b", Addr: 1, DataType: DataUint16},
		{Tag: "c", Addr: 200, DataType: DataUint16},
	}
	batches := batchPoints(points, 120)
	if len(batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(batches))
	}
	if len(batches[0].points) != 2 {
		t.Fatalf("expected first batch to hold 2 contiguous points, got %d", len(batches[0].points))
	}
}
