package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/netscene/netscene/internal/core/value"
)

var ErrShortPacket = errors.New("packet too short")

// Reader reads fields from an inbound message. Byte 0 is always the opcode.
// Reads past the end return zero values and set a sticky error checked with
// Err once the message is decoded.
type Reader struct {
	data []byte
	off  int
	cs   *Charset
	err  error
}

func NewReader(data []byte, cs *Charset) *Reader {
	return &Reader{data: data, off: 1, cs: cs} // skip opcode byte
}

func (r *Reader) Opcode() byte {
	if len(r.data) == 0 {
		return 0
	}
	return r.data[0]
}

// Err returns the first decoding error, if any.
func (r *Reader) Err() error {
	return r.err
}

func (r *Reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.off+n > len(r.data) {
		r.err = fmt.Errorf("opcode 0x%02X: need %d bytes at %d of %d: %w",
			r.Opcode(), n, r.off, len(r.data), ErrShortPacket)
		return false
	}
	return true
}

// ReadC reads value kind tags, byte values and the event argument count.
func (r *Reader) ReadC() byte {
	if !r.need(1) {
		return 0
	}
	v := r.data[r.off]
	r.off++
	return v
}

// ReadH reads the protocol version, tick rate and event kind.
func (r *Reader) ReadH() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(r.data[r.off:])
	r.off += 2
	return v
}

func (r *Reader) ReadD() int32 {
	return int32(r.ReadDU())
}

// ReadDU reads prefab handles and uint32 values.
func (r *Reader) ReadDU() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v
}

// ReadQ reads NetworkIDs, peer ids and event sequence numbers.
func (r *Reader) ReadQ() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(r.data[r.off:])
	r.off += 8
	return v
}

func (r *Reader) ReadF() float32 {
	return math.Float32frombits(r.ReadDU())
}

// ReadS reads a length-prefixed string in the session charset and returns
// it as UTF-8.
func (r *Reader) ReadS() string {
	n := int(r.ReadH())
	if !r.need(n) {
		return ""
	}
	raw := r.data[r.off : r.off+n]
	r.off += n
	return r.cs.decode(raw)
}

// ReadValue reads a kind-tagged value. An unknown kind poisons the reader:
// the rest of the message cannot be framed.
func (r *Reader) ReadValue() value.Value {
	k := value.Kind(r.ReadC())
	switch k {
	case value.KindBool:
		return value.Bool(r.ReadC() != 0)
	case value.KindInt32:
		return value.Int32(r.ReadD())
	case value.KindUint32:
		return value.Uint32(r.ReadDU())
	case value.KindFloat:
		return value.Float(r.ReadF())
	case value.KindByte:
		return value.Byte(r.ReadC())
	case value.KindString:
		return value.String(r.ReadS())
	case value.KindVector3:
		x, y, z := r.ReadF(), r.ReadF(), r.ReadF()
		return value.Vector3(mgl32.Vec3{x, y, z})
	}
	if r.err == nil {
		r.err = fmt.Errorf("opcode 0x%02X: unknown value kind %d", r.Opcode(), uint8(k))
	}
	return value.Value{}
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.data) - r.off
}
