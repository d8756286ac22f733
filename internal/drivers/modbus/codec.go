package modbus

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/nugget/gateway-rust-go/internal/value"
)

func float32FromBits(bits uint32) float32 { return math.Float32frombits(bits) }
func float64FromBits(bits uint64) float64 { return math.Float64frombits(bits) }
func float32Bits(f float32) uint32        { return math.Float32bits(f) }
func float64Bits(f float64) uint64        { return math.Float64bits(f) }

// decodeRegisters decodes one point's value out of a register window read
// starting at startAddr, ported from codec.rs's decode_registers.
func decodeRegisters(regs []uint16, point RegPoint, startAddr uint16, endian Endian) (value.Value, error) {
	offset := int(point.Addr) - int(startAddr)
	if offset < 0 || offset >= len(regs) {
		return value.Value{}, fmt.Errorf("modbus: register offset %d out of bounds", offset)
	}

	switch point.DataType {
	case DataBool:
		return value.Bool(regs[offset] != 0), nil

	case DataUint16:
		r := applyEndian16(regs[offset], endian)
		return value.Int(int64(r)), nil

	case DataInt16:
		r := applyEndian16(regs[offset], endian)
		return value.Int(int64(int16(r))), nil

	case DataUint32:
		if offset+1 >= len(regs) {
			return value.Value{}, fmt.Errorf("modbus: not enough registers for uint32")
		}
		v := combine32(regs[offset], regs[offset+1], endian)
		return value.Int(int64(v)), nil

	case DataInt32:
		if offset+1 >= len(regs) {
			return value.Value{}, fmt.Errorf("modbus: not enough registers for int32")
		}
		v := int32(combine32(regs[offset], regs[offset+1], endian))
		return value.Int(int64(v)), nil

	case DataFloat32:
		if offset+1 >= len(regs) {
			return value.Value{}, fmt.Errorf("modbus: not enough registers for float32")
		}
		bits := combine32(regs[offset], regs[offset+1], endian)
		return value.Float(float64(float32FromBits(bits))), nil

	case DataFloat64:
		if offset+3 >= len(regs) {
			return value.Value{}, fmt.Errorf("modbus: not enough registers for float64")
		}
		bits := combine64(regs[offset], regs[offset+1], regs[offset+2], regs[offset+3], endian)
		return value.Float(float64FromBits(bits)), nil

	default:
		return value.Value{}, fmt.Errorf("modbus: unknown datatype %v", point.DataType)
	}
}

// encodeValue encodes v for a write targeting datatype, ported from
// codec.rs's encode_value.
func encodeValue(v value.Value, datatype DataType, endian Endian) ([]uint16, error) {
	switch datatype {
	case DataBool:
		b, _ := v.AsBool()
		if b {
			return []uint16{1}, nil
		}
		return []uint16{0}, nil

	case DataUint16:
		n, _ := v.AsI64()
		return []uint16{applyEndian16(uint16(n), endian)}, nil

	case DataInt16:
		n, _ := v.AsI64()
		return []uint16{applyEndian16(uint16(int16(n)), endian)}, nil

	case DataUint32:
		n, _ := v.AsI64()
		return split32(uint32(n), endian), nil

	case DataInt32:
		n, _ := v.AsI64()
		return split32(uint32(int32(n)), endian), nil

	case DataFloat32:
		f, _ := v.AsF64()
		return split32(float32Bits(float32(f)), endian), nil

	case DataFloat64:
		f, _ := v.AsF64()
		return split64(float64Bits(f), endian), nil

	default:
		return nil, fmt.Errorf("modbus: unknown datatype %v", datatype)
	}
}

// applyScale evaluates point.Scale ("value / 10.0" etc.) against a
// decoded value, ported from codec.rs's apply_scale plus its deliberately
// minimal eval_simple_expression — the original's own comment notes a
// full implementation should use an embedded expression language, which
// is out of scope here for the same reason (Non-goal: protocol codecs
// beyond the minimum contract).
func applyScale(v value.Value, scaleExpr string) (value.Value, error) {
	if scaleExpr == "" {
		return v, nil
	}
	raw, ok := v.AsF64()
	if !ok {
		return v, nil
	}
	result, err := evalSimpleExpression(scaleExpr, raw)
	if err != nil {
		return value.Value{}, err
	}
	return value.Float(result), nil
}

// evalSimpleExpression supports exactly one binary op of "value / N",
// "value * N", "value + N", "value - N", matching the original's
// acknowledged-minimal parser.
func evalSimpleExpression(expr string, v float64) (float64, error) {
	expr = strings.ReplaceAll(strings.TrimSpace(expr), "value", strconv.FormatFloat(v, 'g', -1, 64))

	for _, op := range []byte{'/', '*', '+', '-'} {
		if pos := strings.IndexByte(expr, op); pos > 0 {
			left, err := strconv.ParseFloat(strings.TrimSpace(expr[:pos]), 64)
			if err != nil {
				return 0, fmt.Errorf("modbus: scale expr %q: %w", expr, err)
			}
			right, err := strconv.ParseFloat(strings.TrimSpace(expr[pos+1:]), 64)
			if err != nil {
				return 0, fmt.Errorf("modbus: scale expr %q: %w", expr, err)
			}
			switch op {
			case '/':
				if right == 0 {
					return 0, fmt.Errorf("modbus: scale expr %q: division by zero", expr)
				}
				return left / right, nil
			case '*':
				return left * right, nil
			case '+':
				return left + right, nil
			case '-':
				return left - right, nil
			}
		}
	}
	return strconv.ParseFloat(strings.TrimSpace(expr), 64)
}

func applyEndian16(reg uint16, endian Endian) uint16 {
	if endian == Little {
		return reg>>8 | reg<<8
	}
	return reg
}

func combine32(a, b uint16, endian Endian) uint32 {
	if endian == Little {
		return uint32(b)<<16 | uint32(a)
	}
	return uint32(a)<<16 | uint32(b)
}

func split32(v uint32, endian Endian) []uint16 {
	hi, lo := uint16(v>>16), uint16(v)
	if endian == Little {
		return []uint16{lo, hi}
	}
	return []uint16{hi, lo}
}

func combine64(a, b, c, d uint16, endian Endian) uint64 {
	if endian == Little {
		return uint64(d)<<48 | uint64(c)<<32 | uint64(b)<<16 | uint64(a)
	}
	return uint64(a)<<48 | uint64(b)<<32 | uint64(c)<<16 | uint64(d)
}

func split64(v uint64, endian Endian) []uint16 {
	r := []uint16{uint16(v >> 48), uint16(v >> 32), uint16(v >> 16), uint16(v)}
	if endian == Little {
		return []uint16{r[3], r[2], r[1], r[0]}
	}
	return r
}
