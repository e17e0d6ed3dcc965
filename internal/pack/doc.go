// Package pack implements the packed value stream used to carry RPC argument
// lists over channels.
//
// A stream is an 8-byte big-endian value count followed by each value as a
// one-byte type tag and a tag-specific body. Scalars and sentinels use fixed
// widths; strings, dates, regular expressions, typed slices, big integers and
// the JSON fallback carry an 8-byte big-endian byte length before their body.
//
// The format is private and unversioned: both ends must use this package.
//
// Go values map onto tags as follows. Integer kinds and integral floats are
// classified by value into the smallest fixed-width tag and come back as int
// (uint64 above math.MaxInt). Fractional floats come back as float64.
// *big.Int always uses the arbitrary-precision tags so the type survives a
// round trip. Values no other case covers are JSON-encoded and come back in
// encoding/json's generic form, except that numbers inside them follow the
// same int, uint64 and *big.Int rules as top-level numbers.
package pack
