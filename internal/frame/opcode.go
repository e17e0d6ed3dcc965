package frame

// Opcode identifies the purpose of a frame.
type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	// 0x3-0x7 are reserved for further data frames.
	OpClose Opcode = 0x8
	OpPing  Opcode = 0x9
	OpPong  Opcode = 0xA
	// 0xB-0xF are reserved for further control frames.
)

// String returns the opcode name used in logs and events.
func (op Opcode) String() string {
	switch op {
	case OpContinuation:
		return "continue"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return "unknown"
	}
}

// IsControl reports whether op is a control opcode (close, ping, pong).
func (op Opcode) IsControl() bool { return op&0x8 != 0 }

// IsData reports whether op starts a data message (text or binary).
func (op Opcode) IsData() bool { return op == OpText || op == OpBinary }
