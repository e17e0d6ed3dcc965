package pack

import (
	"errors"
	"fmt"
)

var (
	// ErrEmpty is returned when there is nothing to decode.
	ErrEmpty = errors.New("Cannot unpack empty buffer")
	// ErrTruncated is returned when a value's body runs past the buffer.
	ErrTruncated = errors.New("pack: truncated value")
)

// TagError reports an unrecognised type tag.
type TagError struct {
	Tag byte
}

func (e *TagError) Error() string {
	return fmt.Sprintf("Unrecognised type identifier: 0x%02X", e.Tag)
}
