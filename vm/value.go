package vm

import (
	"fmt"
	"math"
)

// ---------------------------------------------------------------------------
// Value: Typed operand values
// ---------------------------------------------------------------------------

// ValueType identifies the numeric type of an operand value.
type ValueType uint8

const (
	TypeI32 ValueType = iota
	TypeI64
	TypeF32
	TypeF64
)

// String returns the canonical type name.
func (t ValueType) String() string {
	switch t {
	case TypeI32:
		return "i32"
	case TypeI64:
		return "i64"
	case TypeF32:
		return "f32"
	case TypeF64:
		return "f64"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Value is a single typed operand. The payload is stored as a raw 64-bit
// pattern; narrower types occupy the low bits.
type Value struct {
	Type ValueType `cbor:"1,keyasint"`
	Bits uint64    `cbor:"2,keyasint"`
}

// I32 constructs an i32 value.
func I32(v int32) Value {
	return Value{Type: TypeI32, Bits: uint64(uint32(v))}
}

// I64 constructs an i64 value.
func I64(v int64) Value {
	return Value{Type: TypeI64, Bits: uint64(v)}
}

// F32 constructs an f32 value.
func F32(v float32) Value {
	return Value{Type: TypeF32, Bits: uint64(math.Float32bits(v))}
}

// F64 constructs an f64 value.
func F64(v float64) Value {
	return Value{Type: TypeF64, Bits: math.Float64bits(v)}
}

// AsI32 returns the value as a signed 32-bit integer.
func (v Value) AsI32() int32 {
	return int32(uint32(v.Bits))
}

// AsU32 returns the value as an unsigned 32-bit integer.
func (v Value) AsU32() uint32 {
	return uint32(v.Bits)
}

// AsI64 returns the value as a signed 64-bit integer.
func (v Value) AsI64() int64 {
	return int64(v.Bits)
}

// AsF32 returns the value as a 32-bit float.
func (v Value) AsF32() float32 {
	return math.Float32frombits(uint32(v.Bits))
}

// AsF64 returns the value as a 64-bit float.
func (v Value) AsF64() float64 {
	return math.Float64frombits(v.Bits)
}

// Zero returns the zero value of the given type.
func Zero(t ValueType) Value {
	return Value{Type: t}
}

// String formats the value with its type prefix, e.g. "i32:42".
func (v Value) String() string {
	switch v.Type {
	case TypeI32:
		return fmt.Sprintf("i32:%d", v.AsI32())
	case TypeI64:
		return fmt.Sprintf("i64:%d", v.AsI64())
	case TypeF32:
		return fmt.Sprintf("f32:%g", v.AsF32())
	case TypeF64:
		return fmt.Sprintf("f64:%g", v.AsF64())
	default:
		return fmt.Sprintf("?:%#x", v.Bits)
	}
}
