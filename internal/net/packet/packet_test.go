package packet

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/netscene/netscene/internal/core/value"
	"go.uber.org/zap"
)

func TestValuesSurviveTheWire(t *testing.T) {
	in := []value.Value{
		value.Bool(true),
		value.Int32(-25),
		value.Uint32(4000000000),
		value.Float(25.5),
		value.Byte(0xAB),
		value.String("héllo"),
		value.Vector3(mgl32.Vec3{1, -2, 3.5}),
	}
	w := NewWriter(OpEvent, nil)
	w.WriteQ(1 << 40)
	for _, v := range in {
		w.WriteValue(v)
	}

	r := NewReader(w.Bytes(), nil)
	if r.Opcode() != OpEvent {
		t.Fatalf("opcode = %d", r.Opcode())
	}
	if q := r.ReadQ(); q != 1<<40 {
		t.Fatalf("ReadQ = %d", q)
	}
	for i, want := range in {
		if got := r.ReadValue(); !got.Equal(want) {
			t.Fatalf("value %d: got %v want %v", i, got, want)
		}
	}
	if r.Err() != nil || r.Remaining() != 0 {
		t.Fatalf("err=%v remaining=%d", r.Err(), r.Remaining())
	}
}

func TestOverlongStringIsCutOnCharacterBoundary(t *testing.T) {
	long := strings.Repeat("é", 40000)
	w := NewWriter(OpFieldUpdate, nil)
	w.WriteS(long)
	w.WriteC(0x7F)

	r := NewReader(w.Bytes(), nil)
	got := r.ReadS()
	if !utf8.ValidString(got) || !strings.HasPrefix(long, got) {
		t.Fatalf("cut inside a character: %d bytes", len(got))
	}
	if len(got) != 65534 {
		t.Fatalf("kept %d bytes", len(got))
	}
	if c := r.ReadC(); c != 0x7F || r.Err() != nil {
		t.Fatalf("trailer = 0x%02X, err=%v", c, r.Err())
	}
}

func TestShortReadIsSticky(t *testing.T) {
	r := NewReader([]byte{OpEvent, 0x01}, nil)
	_ = r.ReadQ()
	_ = r.ReadC()
	if !errors.Is(r.Err(), ErrShortPacket) {
		t.Fatalf("err = %v", r.Err())
	}
}

func TestBig5Charset(t *testing.T) {
	cs, err := LookupCharset("Big5")
	if err != nil {
		t.Fatal(err)
	}
	w := NewWriter(OpReject, cs)
	w.WriteS("密碼錯誤")
	r := NewReader(w.Bytes(), cs)
	if got := r.ReadS(); got != "密碼錯誤" {
		t.Fatalf("ReadS = %q", got)
	}
	if _, err := LookupCharset("no-such-charset"); err == nil {
		t.Fatalf("bogus charset accepted")
	}
}

func TestRegistryGatesByState(t *testing.T) {
	reg := NewRegistry(nil, zap.NewNop())
	calls := 0
	reg.Register(OpEvent, []PeerState{StateConnected}, func(_ any, r *Reader) {
		calls++
		r.ReadQ()
	})
	reg.Register(OpSpawn, []PeerState{StateConnected}, func(_ any, _ *Reader) {
		panic("boom")
	})

	msg := NewWriter(OpEvent, nil)
	msg.WriteQ(7)
	if err := reg.Dispatch(nil, StateHandshake, msg.Bytes()); err == nil {
		t.Fatalf("handshake-state dispatch allowed")
	}
	if err := reg.Dispatch(nil, StateConnected, msg.Bytes()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d", calls)
	}
	if err := reg.Dispatch(nil, StateConnected, []byte{OpSpawn}); err == nil {
		t.Fatalf("panic not reported")
	}
	if err := reg.Dispatch(nil, StateConnected, []byte{0xEE}); err != nil {
		t.Fatalf("unknown opcode: %v", err)
	}
}
