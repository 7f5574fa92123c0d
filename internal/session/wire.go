package session

import (
	"github.com/go-gl/mathgl/mgl32"
	"github.com/netscene/netscene/internal/core/value"
	"github.com/netscene/netscene/internal/identity"
	"github.com/netscene/netscene/internal/net/packet"
	"github.com/netscene/netscene/internal/netevent"
	"github.com/netscene/netscene/internal/replication"
	"github.com/netscene/netscene/internal/spawn"
)

// Message layouts. Every message starts with its opcode byte.
//
//	Hello       [H version][S name][S password]
//	Welcome     [Q peer id][H tick rate][S session id][Q snapshot watermark]
//	Reject      [S reason]
//	Spawn       [Q net id][DU prefab][F×3 position][F×3 rotation]
//	Destroy     [Q net id]
//	FieldUpdate [Q net id][S field][value]
//	Event       [Q net id][H kind][Q seq][C argc][value × argc]

type hello struct {
	Version  uint16
	Name     string
	Password string
}

type welcome struct {
	PeerID    uint64
	TickRate  uint16
	SessionID string
	Watermark identity.NetworkID
}

func buildHello(cs *packet.Charset, h hello) []byte {
	w := packet.NewWriter(packet.OpHello, cs)
	w.WriteH(h.Version)
	w.WriteS(h.Name)
	w.WriteS(h.Password)
	return w.Bytes()
}

func readHello(r *packet.Reader) hello {
	return hello{Version: r.ReadH(), Name: r.ReadS(), Password: r.ReadS()}
}

func buildWelcome(cs *packet.Charset, wm welcome) []byte {
	w := packet.NewWriter(packet.OpWelcome, cs)
	w.WriteQ(wm.PeerID)
	w.WriteH(wm.TickRate)
	w.WriteS(wm.SessionID)
	w.WriteQ(uint64(wm.Watermark))
	return w.Bytes()
}

func readWelcome(r *packet.Reader) welcome {
	return welcome{
		PeerID:    r.ReadQ(),
		TickRate:  r.ReadH(),
		SessionID: r.ReadS(),
		Watermark: identity.NetworkID(r.ReadQ()),
	}
}

func buildReject(cs *packet.Charset, reason string) []byte {
	w := packet.NewWriter(packet.OpReject, cs)
	w.WriteS(reason)
	return w.Bytes()
}

func writeVec3(w *packet.Writer, v mgl32.Vec3) {
	w.WriteF(v[0])
	w.WriteF(v[1])
	w.WriteF(v[2])
}

func readVec3(r *packet.Reader) mgl32.Vec3 {
	return mgl32.Vec3{r.ReadF(), r.ReadF(), r.ReadF()}
}

func buildSpawn(cs *packet.Charset, cr spawn.Creation) []byte {
	w := packet.NewWriter(packet.OpSpawn, cs)
	w.WriteQ(uint64(cr.ID))
	w.WriteDU(uint32(cr.Prefab))
	writeVec3(w, cr.Transform.Position)
	writeVec3(w, cr.Transform.Rotation)
	return w.Bytes()
}

func readSpawn(r *packet.Reader) spawn.Creation {
	return spawn.Creation{
		ID:     identity.NetworkID(r.ReadQ()),
		Prefab: spawn.PrefabHandle(r.ReadDU()),
		Transform: spawn.Transform{
			Position: readVec3(r),
			Rotation: readVec3(r),
		},
	}
}

func buildDestroy(cs *packet.Charset, id identity.NetworkID) []byte {
	w := packet.NewWriter(packet.OpDestroy, cs)
	w.WriteQ(uint64(id))
	return w.Bytes()
}

func buildFieldUpdate(cs *packet.Charset, u replication.FieldUpdate) []byte {
	w := packet.NewWriter(packet.OpFieldUpdate, cs)
	w.WriteQ(uint64(u.Target))
	w.WriteS(u.Field)
	w.WriteValue(u.Value)
	return w.Bytes()
}

func readFieldUpdate(r *packet.Reader) replication.FieldUpdate {
	return replication.FieldUpdate{
		Target: identity.NetworkID(r.ReadQ()),
		Field:  r.ReadS(),
		Value:  r.ReadValue(),
	}
}

func buildEvent(cs *packet.Charset, ev netevent.NetEvent) []byte {
	w := packet.NewWriter(packet.OpEvent, cs)
	w.WriteQ(uint64(ev.Target))
	w.WriteH(uint16(ev.Kind))
	w.WriteQ(ev.Seq)
	// The router refuses events with more than value.MaxArgs arguments.
	w.WriteC(byte(len(ev.Args)))
	for _, a := range ev.Args {
		w.WriteValue(a)
	}
	return w.Bytes()
}

func readEvent(r *packet.Reader) netevent.NetEvent {
	ev := netevent.NetEvent{
		Target: identity.NetworkID(r.ReadQ()),
		Kind:   netevent.Kind(r.ReadH()),
		Seq:    r.ReadQ(),
	}
	n := int(r.ReadC())
	if n > 0 && r.Err() == nil {
		ev.Args = make([]value.Value, 0, n)
		for i := 0; i < n; i++ {
			v := r.ReadValue()
			if r.Err() != nil {
				break
			}
			ev.Args = append(ev.Args, v)
		}
	}
	return ev
}
