package value

import (
	"encoding/json"
	"testing"
)

func TestConstructorsAndAccessors(t *testing.T) {
	tests := []struct {
		name string
		v    Value
		kind Kind
	}{
		{"bool", Bool(true), KindBool},
		{"int", Int(42), KindInt},
		{"float", Float(3.14), KindFloat},
		{"str", Str("hello"), KindStr},
		{"bin", Bin([]byte{1, 2, 3}), KindBin},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.v.Kind() != tt.kind {
				t.Fatalf("Kind() = %v, want %v", tt.v.Kind(), tt.kind)
			}
		})
	}
}

func TestCoercion(t *testing.T) {
	i := Int(5)
	if f, ok := i.AsF64(); !ok || f != 5.0 {
		t.Fatalf("Int.AsF64() = %v, %v", f, ok)
	}
	if b, ok := i.AsBool(); !ok || !b {
		t.Fatalf("Int(5).AsBool() = %v, %v", b, ok)
	}

	s := Str("not a number")
	if _, ok := s.AsF64(); ok {
		t.Fatalf("Str.AsF64() unexpectedly succeeded")
	}

	bin := Bin([]byte("hi"))
	str, ok := bin.AsString()
	if !ok || str == "" {
		t.Fatalf("Bin.AsString() = %q, %v", str, ok)
	}
}

func TestEqual(t *testing.T) {
	if !Int(1).Equal(Int(1)) {
		t.Fatal("Int(1) should equal Int(1)")
	}
	if Int(1).Equal(Float(1.0)) {
		t.Fatal("Int(1) should not equal Float(1.0) — no cross-kind equality")
	}
	if !Bin([]byte{1, 2}).Equal(Bin([]byte{1, 2})) {
		t.Fatal("equal byte slices should compare equal")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	vals := []Value{Bool(true), Int(-7), Float(2.5), Str("tag"), Bin([]byte{0xde, 0xad})}
	for _, v := range vals {
		data, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal %v: %v", v, err)
		}
		var out Value
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		if !v.Equal(out) {
			t.Fatalf("round trip mismatch: %v != %v (json=%s)", v, out, data)
		}
	}
}
