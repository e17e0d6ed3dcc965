package frame

import "encoding/binary"

// Close status codes used by this package's callers.
const (
	CloseNormal        = 1000
	CloseGoingAway     = 1001
	CloseProtocolError = 1002
	CloseAbnormal      = 1006
	CloseTooBig        = 1009
)

// ClosePayload builds a close frame body: the status code in network byte
// order followed by the UTF-8 reason. A zero code yields an empty body.
func ClosePayload(code int, reason string) []byte {
	if code == 0 {
		return nil
	}
	p := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(p, uint16(code))
	copy(p[2:], reason)
	return p
}

// ParseClosePayload splits a close frame body into status code and reason.
// ok is false when the body is too short to carry a code.
func ParseClosePayload(p []byte) (code int, reason string, ok bool) {
	if len(p) < 2 {
		return 0, "", false
	}
	return int(binary.BigEndian.Uint16(p)), string(p[2:]), true
}
