// Package value implements the typed leaf of the gateway's data model: a
// closed tagged union over bool, int64, float64, string and raw bytes.
// Null/absent is never represented here — callers model optionality with
// a pointer or a separate presence flag, the same way frame fields do.
package value

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
)

// Kind identifies which variant of Value is populated.
type Kind int

const (
	KindBool Kind = iota
	KindInt
	KindFloat
	KindStr
	KindBin
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindStr:
		return "str"
	case KindBin:
		return "bin"
	default:
		return "unknown"
	}
}

// Value is a structurally-equal, totally-unordered tagged union. The zero
// Value is KindBool(false); use the constructors below to build one
// explicitly rather than relying on the zero value.
type Value struct {
	kind  Kind
	b     bool
	i     int64
	f     float64
	s     string
	bytes []byte
}

// Bool constructs a KindBool value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Int constructs a KindInt value.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Float constructs a KindFloat value.
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// Str constructs a KindStr value.
func Str(s string) Value { return Value{kind: KindStr, s: s} }

// Bin constructs a KindBin value. The slice is retained, not copied.
func Bin(b []byte) Value { return Value{kind: KindBin, bytes: b} }

// Kind reports which variant is populated.
func (v Value) Kind() Kind { return v.kind }

// AsBool returns the bool variant and whether coercion succeeded. Int and
// Float coerce via "!= 0"; Str and Bin never coerce.
func (v Value) AsBool() (bool, bool) {
	switch v.kind {
	case KindBool:
		return v.b, true
	case KindInt:
		return v.i != 0, true
	case KindFloat:
		return v.f != 0, true
	default:
		return false, false
	}
}

// AsI64 returns the int64 variant and whether coercion succeeded.
func (v Value) AsI64() (int64, bool) {
	switch v.kind {
	case KindInt:
		return v.i, true
	case KindFloat:
		return int64(v.f), true
	case KindBool:
		if v.b {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// AsF64 returns the float64 variant and whether coercion succeeded.
func (v Value) AsF64() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.f, true
	case KindInt:
		return float64(v.i), true
	case KindBool:
		if v.b {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// AsString renders any variant as a string. Bin renders as base64.
func (v Value) AsString() (string, bool) {
	switch v.kind {
	case KindStr:
		return v.s, true
	case KindInt:
		return strconv.FormatInt(v.i, 10), true
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64), true
	case KindBool:
		return strconv.FormatBool(v.b), true
	case KindBin:
		return base64.StdEncoding.EncodeToString(v.bytes), true
	default:
		return "", false
	}
}

// AsBytes returns the raw bytes for a KindBin value.
func (v Value) AsBytes() ([]byte, bool) {
	if v.kind != KindBin {
		return nil, false
	}
	return v.bytes, true
}

// Equal reports structural equality: same kind, same payload.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindBool:
		return v.b == other.b
	case KindInt:
		return v.i == other.i
	case KindFloat:
		return v.f == other.f
	case KindStr:
		return v.s == other.s
	case KindBin:
		if len(v.bytes) != len(other.bytes) {
			return false
		}
		for i := range v.bytes {
			if v.bytes[i] != other.bytes[i] {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// wireValue is the JSON-on-the-wire shape: a kind discriminator plus a
// single payload field, the Go analogue of a serde externally-tagged enum.
type wireValue struct {
	Kind  string `json:"kind"`
	Bool  bool   `json:"bool,omitempty"`
	Int   int64  `json:"int,omitempty"`
	Float float64 `json:"float,omitempty"`
	Str   string  `json:"str,omitempty"`
	Bin   []byte  `json:"bin,omitempty"` // encoding/json base64-encodes []byte
}

// MarshalJSON implements json.Marshaler. Bin encodes as a base64 string
// via the standard []byte JSON encoding.
func (v Value) MarshalJSON() ([]byte, error) {
	w := wireValue{Kind: v.kind.String()}
	switch v.kind {
	case KindBool:
		w.Bool = v.b
	case KindInt:
		w.Int = v.i
	case KindFloat:
		w.Float = v.f
	case KindStr:
		w.Str = v.s
	case KindBin:
		w.Bin = v.bytes
	default:
		return nil, fmt.Errorf("value: unknown kind %d", v.kind)
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Kind {
	case "bool":
		*v = Bool(w.Bool)
	case "int":
		*v = Int(w.Int)
	case "float":
		*v = Float(w.Float)
	case "str":
		*v = Str(w.Str)
	case "bin":
		*v = Bin(w.Bin)
	default:
		return fmt.Errorf("value: unknown kind %q", w.Kind)
	}
	return nil
}
