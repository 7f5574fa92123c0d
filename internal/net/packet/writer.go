package packet

import (
	"encoding/binary"
	"math"
	"unicode/utf8"

	"github.com/netscene/netscene/internal/core/value"
)

// Writer builds one outbound message. All multi-byte writes are
// little-endian. Byte 0 is the opcode.
type Writer struct {
	buf []byte
	cs  *Charset
}

func NewWriter(opcode byte, cs *Charset) *Writer {
	w := &Writer{buf: make([]byte, 0, 64), cs: cs}
	w.WriteC(opcode)
	return w
}

// WriteC writes one byte: the opcode, value kind tags, byte values and an
// event's argument count.
func (w *Writer) WriteC(v byte) {
	w.buf = append(w.buf, v)
}

// WriteH carries the protocol version, tick rate and event kind.
func (w *Writer) WriteH(v uint16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

// WriteD is the int32 value encoding.
func (w *Writer) WriteD(v int32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(v))
}

// WriteDU writes prefab handles and uint32 values.
func (w *Writer) WriteDU(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

// WriteQ writes 64-bit ids: NetworkIDs, peer ids and event sequence
// numbers.
func (w *Writer) WriteQ(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

// WriteF writes float values and the components of positions and
// rotations.
func (w *Writer) WriteF(v float32) {
	w.WriteDU(math.Float32bits(v))
}

// WriteS writes [H length][bytes] in the session charset. String values are
// refused above the limit before they reach a message; the cut here only
// guards a charset that encodes wider than UTF-8 and never splits a
// character.
func (w *Writer) WriteS(s string) {
	b := w.cs.encode(s)
	for len(b) > math.MaxUint16 {
		s = trimRunes(s, len(b)-math.MaxUint16)
		b = w.cs.encode(s)
	}
	w.WriteH(uint16(len(b)))
	w.buf = append(w.buf, b...)
}

// trimRunes drops at least n bytes from the end of s at a rune boundary.
func trimRunes(s string, n int) string {
	cut := len(s) - n
	if cut <= 0 {
		return ""
	}
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// WriteValue writes [C kind] followed by the kind's encoding. Field
// updates carry one, events argc of them.
func (w *Writer) WriteValue(v value.Value) {
	w.WriteC(byte(v.Kind()))
	switch v.Kind() {
	case value.KindBool:
		if v.Bool() {
			w.WriteC(1)
		} else {
			w.WriteC(0)
		}
	case value.KindInt32:
		w.WriteD(v.Int32())
	case value.KindUint32:
		w.WriteDU(v.Uint32())
	case value.KindFloat:
		w.WriteF(v.Float())
	case value.KindByte:
		w.WriteC(v.Byte())
	case value.KindString:
		w.WriteS(v.Str())
	case value.KindVector3:
		vec := v.Vector3()
		w.WriteF(vec[0])
		w.WriteF(vec[1])
		w.WriteF(vec[2])
	}
}

// Bytes returns the message, ready for the frame codec.
func (w *Writer) Bytes() []byte {
	return w.buf
}
