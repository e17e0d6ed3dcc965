package frame

import (
	"encoding/binary"
	"math"
)

const (
	finBit   = 0x80
	rsvBits  = 0x70
	maskBit  = 0x80
	len7Max  = 125
	len16Tag = 126
	len64Tag = 127

	// MaxControlPayload is the RFC 6455 limit for control frame payloads.
	MaxControlPayload = 125
	// MaxPayload is the largest length the 64-bit length field can carry.
	MaxPayload = math.MaxInt64
)

// Frame is a single decoded WebSocket frame.
type Frame struct {
	Opcode Opcode
	Final  bool
	Masked bool
	Length uint64 // declared payload length
	// Payload is unmasked and always len(Payload) == Length.
	Payload []byte
}

// Encode serializes a server-to-client frame. The MASK bit is never set.
func Encode(op Opcode, final bool, payload []byte) []byte {
	n := len(payload)
	var hdr [10]byte
	hdr[0] = byte(op) & 0x0F
	if final {
		hdr[0] |= finBit
	}
	h := 2
	switch {
	case n <= len7Max:
		hdr[1] = byte(n)
	case n <= math.MaxUint16:
		hdr[1] = len16Tag
		binary.BigEndian.PutUint16(hdr[2:], uint16(n))
		h = 4
	default:
		hdr[1] = len64Tag
		binary.BigEndian.PutUint64(hdr[2:], uint64(n))
		h = 10
	}
	buf := make([]byte, h+n)
	copy(buf, hdr[:h])
	copy(buf[h:], payload)
	return buf
}

// Decode parses the frame at the front of b and returns it together with the
// number of bytes consumed; b[n:] is the trailer. When b holds less than a
// whole frame Decode returns ErrIncomplete and consumes nothing.
func Decode(b []byte) (Frame, int, error) {
	return DecodeLimit(b, MaxPayload)
}

// DecodeLimit is Decode with an upper bound on the declared payload length.
func DecodeLimit(b []byte, limit uint64) (Frame, int, error) {
	if len(b) < 2 {
		return Frame{}, 0, ErrIncomplete
	}
	if b[0]&rsvBits != 0 {
		return Frame{}, 0, ErrReservedBits
	}
	f := Frame{
		Opcode: Opcode(b[0] & 0x0F),
		Final:  b[0]&finBit != 0,
		Masked: b[1]&maskBit != 0,
	}
	length := uint64(b[1] & 0x7F)
	off := 2
	switch length {
	case len16Tag:
		if len(b) < off+2 {
			return Frame{}, 0, ErrIncomplete
		}
		length = uint64(binary.BigEndian.Uint16(b[off:]))
		off += 2
		if length <= len7Max {
			return Frame{}, 0, ErrInvalidLength
		}
	case len64Tag:
		if len(b) < off+8 {
			return Frame{}, 0, ErrIncomplete
		}
		length = binary.BigEndian.Uint64(b[off:])
		off += 8
		if length>>63 != 0 || length <= math.MaxUint16 {
			return Frame{}, 0, ErrInvalidLength
		}
	}
	if length > limit {
		return Frame{}, 0, ErrTooLarge
	}
	f.Length = length

	var key [4]byte
	if f.Masked {
		if len(b) < off+4 {
			return Frame{}, 0, ErrIncomplete
		}
		copy(key[:], b[off:off+4])
		off += 4
	}
	if uint64(len(b)-off) < length {
		return Frame{}, 0, ErrIncomplete
	}
	end := off + int(length)
	f.Payload = make([]byte, length)
	copy(f.Payload, b[off:end])
	if f.Masked {
		Mask(f.Payload, key)
	}
	return f, end, nil
}

// Mask XORs p in place against key. Applying it twice restores p.
func Mask(p []byte, key [4]byte) {
	for i := range p {
		p[i] ^= key[i&3]
	}
}

// Fragment encodes a message as one or more frames carrying at most maxSize
// payload bytes each. The first frame carries op, the rest OpContinuation, and
// only the last has FIN set. maxSize < 1 means no limit.
func Fragment(op Opcode, payload []byte, maxSize int) [][]byte {
	if maxSize < 1 || maxSize > len(payload) {
		maxSize = len(payload)
	}
	if maxSize == 0 {
		return [][]byte{Encode(op, true, nil)}
	}
	frames := make([][]byte, 0, (len(payload)+maxSize-1)/maxSize)
	for len(payload) > 0 {
		n := min(maxSize, len(payload))
		frames = append(frames, Encode(op, n == len(payload), payload[:n]))
		payload = payload[n:]
		op = OpContinuation
	}
	return frames
}
