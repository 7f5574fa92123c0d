package value

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
)

func TestConvert(t *testing.T) {
	cases := []struct {
		kind Kind
		in   any
		want Value
	}{
		{KindInt32, 25.0, Int32(25)},
		{KindInt32, -3, Int32(-3)},
		{KindUint32, int64(7), Uint32(7)},
		{KindFloat, 25, Float(25)},
		{KindByte, 255.0, Byte(255)},
		{KindBool, true, Bool(true)},
		{KindString, "gate", String("gate")},
		{KindVector3, []any{1, 2.5, -1}, Vector3(mgl32.Vec3{1, 2.5, -1})},
	}
	for _, c := range cases {
		got, err := Convert(c.kind, c.in)
		if err != nil {
			t.Fatalf("Convert(%s, %v): %v", c.kind, c.in, err)
		}
		if !got.Equal(c.want) {
			t.Fatalf("Convert(%s, %v) = %v, want %v", c.kind, c.in, got, c.want)
		}
	}
}

func TestConvertRejects(t *testing.T) {
	bad := []struct {
		kind Kind
		in   any
	}{
		{KindUint32, -1.0},
		{KindByte, 256},
		{KindInt32, "ten"},
		{KindBool, 1},
		{KindVector3, []any{1, 2}},
		{KindVector3, []any{1, "y", 3}},
		{KindInvalid, 1},
	}
	for _, b := range bad {
		if _, err := Convert(b.kind, b.in); err == nil {
			t.Fatalf("Convert(%s, %v) accepted", b.kind, b.in)
		}
	}
}

func TestEqualByContent(t *testing.T) {
	if !Float(float32(math.NaN())).Equal(Float(float32(math.NaN()))) {
		t.Fatalf("same NaN bits compared unequal")
	}
	if Int32(1).Equal(Uint32(1)) {
		t.Fatalf("different kinds compared equal")
	}
	if (Value{}).Valid() {
		t.Fatalf("zero value valid")
	}
	if !Zero(KindString).Equal(String("")) {
		t.Fatalf("zero string = %v", Zero(KindString))
	}
}

func TestParseKind(t *testing.T) {
	for name, want := range map[string]Kind{"int": KindInt32, "float": KindFloat, "vec3": KindVector3, "uint8": KindByte} {
		got, err := ParseKind(name)
		if err != nil || got != want {
			t.Fatalf("ParseKind(%q) = %v, %v", name, got, err)
		}
	}
	if _, err := ParseKind("double"); err == nil {
		t.Fatalf("unknown type accepted")
	}
}

func TestStringsOverWireLimitAreRefused(t *testing.T) {
	long := strings.Repeat("é", 40000)
	if _, err := Convert(KindString, long); !errors.Is(err, ErrTooLong) {
		t.Fatalf("err = %v", err)
	}
	if err := String(long).Check(); !errors.Is(err, ErrTooLong) {
		t.Fatalf("Check = %v", err)
	}
	edge := strings.Repeat("a", MaxStringBytes)
	if _, err := Convert(KindString, edge); err != nil {
		t.Fatalf("string at the limit refused: %v", err)
	}
}
