package value

import (
	"errors"
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// Wire limits. A string is length-prefixed with 2 bytes and an event
// carries a 1-byte argument count.
const (
	MaxStringBytes = math.MaxUint16
	MaxArgs        = math.MaxUint8
)

var ErrTooLong = errors.New("value exceeds wire limit")

// Kind tags the primitive carried by a Value. The numeric values are part of
// the wire format and must not be reordered.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindBool
	KindInt32
	KindUint32
	KindFloat
	KindByte
	KindString
	KindVector3
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt32:
		return "int32"
	case KindUint32:
		return "uint32"
	case KindFloat:
		return "float"
	case KindByte:
		return "byte"
	case KindString:
		return "string"
	case KindVector3:
		return "vector3"
	default:
		return fmt.Sprintf("invalid(%d)", uint8(k))
	}
}

// ParseKind maps a manifest type name to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "bool":
		return KindBool, nil
	case "int", "int32":
		return KindInt32, nil
	case "uint", "uint32":
		return KindUint32, nil
	case "float", "float32":
		return KindFloat, nil
	case "byte", "uint8":
		return KindByte, nil
	case "string":
		return KindString, nil
	case "vector3", "vec3":
		return KindVector3, nil
	}
	return KindInvalid, fmt.Errorf("unknown value type %q", s)
}

// Value is one typed primitive: a replicated field's backing value or a
// NetEvent argument. The zero Value is invalid. Values compare by content.
type Value struct {
	kind Kind
	n    uint64 // bool, int32, uint32, byte, float bits
	s    string
	v    mgl32.Vec3
}

func Bool(b bool) Value {
	var n uint64
	if b {
		n = 1
	}
	return Value{kind: KindBool, n: n}
}

func Int32(i int32) Value        { return Value{kind: KindInt32, n: uint64(uint32(i))} }
func Uint32(u uint32) Value      { return Value{kind: KindUint32, n: uint64(u)} }
func Float(f float32) Value      { return Value{kind: KindFloat, n: uint64(math.Float32bits(f))} }
func Byte(b byte) Value          { return Value{kind: KindByte, n: uint64(b)} }
func String(s string) Value      { return Value{kind: KindString, s: s} }
func Vector3(v mgl32.Vec3) Value { return Value{kind: KindVector3, v: v} }

// Zero returns the zero value of kind k.
func Zero(k Kind) Value {
	return Value{kind: k}
}

func (v Value) Kind() Kind     { return v.kind }
func (v Value) Valid() bool    { return v.kind != KindInvalid }
func (v Value) Bool() bool     { return v.n != 0 }
func (v Value) Int32() int32   { return int32(uint32(v.n)) }
func (v Value) Uint32() uint32 { return uint32(v.n) }
func (v Value) Float() float32 { return math.Float32frombits(uint32(v.n)) }
func (v Value) Byte() byte     { return byte(v.n) }
func (v Value) Str() string    { return v.s }

func (v Value) Vector3() mgl32.Vec3 { return v.v }

// Equal compares kind and content. Floats compare by bit pattern so that a
// NaN written twice does not look like a change every tick.
func (v Value) Equal(o Value) bool {
	return v.kind == o.kind && v.n == o.n && v.s == o.s && v.v == o.v
}

// Check reports whether v can be sent as is. Only strings have a limit.
func (v Value) Check() error {
	if v.kind == KindString && len(v.s) > MaxStringBytes {
		return fmt.Errorf("string of %d bytes, max %d: %w", len(v.s), MaxStringBytes, ErrTooLong)
	}
	return nil
}

// Number returns numeric kinds widened to float64, for script bindings.
func (v Value) Number() (float64, bool) {
	switch v.kind {
	case KindInt32:
		return float64(v.Int32()), true
	case KindUint32:
		return float64(v.Uint32()), true
	case KindFloat:
		return float64(v.Float()), true
	case KindByte:
		return float64(v.Byte()), true
	}
	return 0, false
}

func (v Value) String() string {
	switch v.kind {
	case KindBool:
		return fmt.Sprintf("%t", v.Bool())
	case KindInt32:
		return fmt.Sprintf("%d", v.Int32())
	case KindUint32:
		return fmt.Sprintf("%du", v.Uint32())
	case KindFloat:
		return fmt.Sprintf("%g", v.Float())
	case KindByte:
		return fmt.Sprintf("0x%02X", v.Byte())
	case KindString:
		return fmt.Sprintf("%q", v.s)
	case KindVector3:
		return fmt.Sprintf("(%g, %g, %g)", v.v[0], v.v[1], v.v[2])
	}
	return "<invalid>"
}

// Convert coerces a loosely typed input (manifest default, script argument)
// into a Value of kind k.
func Convert(k Kind, in any) (Value, error) {
	switch k {
	case KindBool:
		if b, ok := in.(bool); ok {
			return Bool(b), nil
		}
	case KindString:
		if s, ok := in.(string); ok {
			v := String(s)
			if err := v.Check(); err != nil {
				return Value{}, err
			}
			return v, nil
		}
	case KindVector3:
		switch t := in.(type) {
		case mgl32.Vec3:
			return Vector3(t), nil
		case []any:
			if len(t) != 3 {
				return Value{}, fmt.Errorf("vector3 needs 3 components, got %d", len(t))
			}
			var out mgl32.Vec3
			for i, c := range t {
				f, ok := toFloat(c)
				if !ok {
					return Value{}, fmt.Errorf("vector3 component %d: not a number", i)
				}
				out[i] = float32(f)
			}
			return Vector3(out), nil
		}
	case KindInt32, KindUint32, KindFloat, KindByte:
		f, ok := toFloat(in)
		if !ok {
			break
		}
		switch k {
		case KindInt32:
			return Int32(int32(f)), nil
		case KindUint32:
			if f < 0 {
				return Value{}, fmt.Errorf("negative value %v for uint32", f)
			}
			return Uint32(uint32(f)), nil
		case KindByte:
			if f < 0 || f > 255 {
				return Value{}, fmt.Errorf("value %v out of byte range", f)
			}
			return Byte(byte(f)), nil
		default:
			return Float(float32(f)), nil
		}
	}
	return Value{}, fmt.Errorf("cannot convert %T to %s", in, k)
}

func toFloat(in any) (float64, bool) {
	switch n := in.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
