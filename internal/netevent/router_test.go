package netevent

import (
	"strings"
	"testing"

	"github.com/netscene/netscene/internal/core/role"
	"github.com/netscene/netscene/internal/core/value"
	"github.com/netscene/netscene/internal/identity"
	"go.uber.org/zap"
)

const kindHit Kind = 1

type applied struct {
	local identity.LocalID
	kind  Kind
	args  []value.Value
}

type handlerRecorder struct {
	got []applied
}

func (h *handlerRecorder) InvokeEvent(local identity.LocalID, kind Kind, args []value.Value) error {
	h.got = append(h.got, applied{local: local, kind: kind, args: args})
	return nil
}

func newTestRouter(t *testing.T, ro role.Role, local identity.LocalID) (*Router, *handlerRecorder) {
	t.Helper()
	ids := identity.NewRegistry(zap.NewNop())
	if err := ids.Register(local, 7); err != nil {
		t.Fatal(err)
	}
	h := &handlerRecorder{}
	r := NewRouter(ids, h, zap.NewNop())
	r.SetRole(ro)
	return r, h
}

func TestHostAppliesAndQueues(t *testing.T) {
	r, h := newTestRouter(t, role.Host, 3)
	if !r.TriggerFromLocal(3, kindHit, value.Float(25), value.Int32(0)) {
		t.Fatalf("trigger dropped")
	}
	if len(h.got) != 1 || h.got[0].local != 3 {
		t.Fatalf("host did not apply: %+v", h.got)
	}
	out := r.Flush()
	if len(out) != 1 {
		t.Fatalf("queued %d events", len(out))
	}
	ev := out[0]
	if ev.Target != 7 || ev.Kind != kindHit || ev.Seq != 1 {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Args[0].Float() != 25 || ev.Args[1].Int32() != 0 {
		t.Fatalf("args = %v", ev.Args)
	}
	if again := r.Flush(); len(again) != 0 {
		t.Fatalf("flush not drained")
	}
}

func TestHostStampsPerTargetSequence(t *testing.T) {
	r, _ := newTestRouter(t, role.Host, 3)
	for i := 0; i < 3; i++ {
		r.TriggerFromNetwork(7, kindHit)
	}
	out := r.Flush()
	for i, ev := range out {
		if ev.Seq != uint64(i+1) {
			t.Fatalf("event %d seq = %d", i, ev.Seq)
		}
	}
}

func TestClientForwardsWithoutApplying(t *testing.T) {
	r, h := newTestRouter(t, role.Client, 5)
	r.TriggerFromLocal(5, kindHit, value.Float(1))
	if len(h.got) != 0 {
		t.Fatalf("client applied its own trigger")
	}
	out := r.Flush()
	if len(out) != 1 || out[0].Target != 7 || out[0].Seq != 0 {
		t.Fatalf("forwarded = %+v", out)
	}

	// The host echo is what applies it.
	echo := out[0]
	echo.Seq = 1
	if !r.Deliver(echo) {
		t.Fatalf("echo rejected")
	}
	if len(h.got) != 1 || h.got[0].local != 5 {
		t.Fatalf("echo not applied: %+v", h.got)
	}
}

func TestClientDropsDuplicateSequence(t *testing.T) {
	r, h := newTestRouter(t, role.Client, 5)
	r.Deliver(NetEvent{Target: 7, Kind: kindHit, Seq: 1})
	r.Deliver(NetEvent{Target: 7, Kind: kindHit, Seq: 2})
	if r.Deliver(NetEvent{Target: 7, Kind: kindHit, Seq: 2}) {
		t.Fatalf("duplicate delivered")
	}
	if len(h.got) != 2 {
		t.Fatalf("applied %d events", len(h.got))
	}
}

func TestHostDeliverEchoesToAll(t *testing.T) {
	r, h := newTestRouter(t, role.Host, 3)
	r.Deliver(NetEvent{Target: 7, Kind: kindHit, Args: []value.Value{value.Bool(true)}})
	if len(h.got) != 1 {
		t.Fatalf("host did not apply forwarded event")
	}
	out := r.Flush()
	if len(out) != 1 || out[0].Seq != 1 || !out[0].Args[0].Bool() {
		t.Fatalf("echo = %+v", out)
	}
}

func TestUnresolvedTargetIsDropped(t *testing.T) {
	for _, ro := range []role.Role{role.Host, role.Client, role.SinglePlayer} {
		t.Run(ro.String(), func(t *testing.T) {
			r, h := newTestRouter(t, ro, 3)
			if r.TriggerFromLocal(4, kindHit) || r.TriggerFromNetwork(8, kindHit) {
				t.Fatalf("unknown target accepted")
			}
			if len(h.got) != 0 || len(r.Flush()) != 0 {
				t.Fatalf("dropped event leaked")
			}
		})
	}
}

func TestSinglePlayerAppliesLocallyOnly(t *testing.T) {
	r, h := newTestRouter(t, role.SinglePlayer, 3)
	r.TriggerFromLocal(3, kindHit)
	if len(h.got) != 1 {
		t.Fatalf("not applied")
	}
	if out := r.Flush(); len(out) != 0 {
		t.Fatalf("single player queued %+v", out)
	}
}

func TestArgsAreCopied(t *testing.T) {
	r, _ := newTestRouter(t, role.Host, 3)
	args := []value.Value{value.Int32(1)}
	r.TriggerFromLocal(3, kindHit, args...)
	args[0] = value.Int32(2)
	if got := r.Flush()[0].Args[0].Int32(); got != 1 {
		t.Fatalf("queued arg mutated to %d", got)
	}
}

func TestKindsTable(t *testing.T) {
	k := NewKinds()
	if err := k.Register("Hit", 1); err != nil {
		t.Fatal(err)
	}
	if err := k.Register("Hit", 2); err == nil {
		t.Fatalf("duplicate name accepted")
	}
	if err := k.Register("Die", 1); err == nil {
		t.Fatalf("duplicate kind accepted")
	}
	if n, _ := k.Name(1); n != "Hit" {
		t.Fatalf("Name(1) = %q", n)
	}
}

func TestOversizeEventIsRefused(t *testing.T) {
	r, h := newTestRouter(t, role.Host, 3)
	many := make([]value.Value, value.MaxArgs+1)
	for i := range many {
		many[i] = value.Byte(1)
	}
	if r.TriggerFromLocal(3, kindHit, many...) {
		t.Fatalf("%d arguments accepted", len(many))
	}
	if r.TriggerFromLocal(3, kindHit, value.String(strings.Repeat("x", value.MaxStringBytes+1))) {
		t.Fatalf("long string accepted")
	}
	if len(h.got) != 0 || len(r.Flush()) != 0 {
		t.Fatalf("refused event applied or queued")
	}
	if !r.TriggerFromLocal(3, kindHit, many[:value.MaxArgs]...) {
		t.Fatalf("event at the limit refused")
	}
}

func TestResetForgetsDeliveredSequence(t *testing.T) {
	r, h := newTestRouter(t, role.Client, 3)
	for seq := uint64(1); seq <= 3; seq++ {
		r.Deliver(NetEvent{Target: 7, Kind: kindHit, Seq: seq})
	}
	r.Reset()
	// A new host numbers events on the same id from 1 again.
	if !r.Deliver(NetEvent{Target: 7, Kind: kindHit, Seq: 1}) {
		t.Fatalf("event after reset dropped")
	}
	if len(h.got) != 4 {
		t.Fatalf("applied %d", len(h.got))
	}
}
