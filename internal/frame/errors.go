package frame

import "errors"

var (
	// ErrIncomplete means the buffer ends before the frame does. Keep the
	// bytes and decode again once more data has arrived.
	ErrIncomplete = errors.New("frame: incomplete frame")
	// ErrInvalidLength is returned for extended lengths that are not
	// minimally encoded or that set the most significant bit.
	ErrInvalidLength = errors.New("frame: invalid payload length encoding")
	// ErrTooLarge is returned when the declared length exceeds the limit.
	ErrTooLarge = errors.New("frame: payload exceeds limit")
	// ErrReservedBits is returned when RSV1-3 are set; no extensions are
	// ever negotiated.
	ErrReservedBits = errors.New("frame: reserved bits set")
)
