package pack

import "fmt"

// Tag is the one-byte type identifier that precedes every packed value.
type Tag byte

const (
	TagUndefined Tag = iota
	TagNull
	TagNaN
	TagTrue
	TagFalse
	TagInfinity
	TagNegInfinity
	TagNegZero

	TagUint8
	TagInt8
	TagUint16
	TagInt16
	TagUint32
	TagInt32
	TagUint64
	TagInt64

	TagArrayBuffer
	TagInt8Array
	TagUint8Array
	TagUint8ClampedArray
	TagInt16Array
	TagUint16Array
	TagInt32Array
	TagUint32Array
	TagFloat32Array
	TagFloat64Array
	TagBigInt64Array
	TagBigUint64Array

	TagFloat
	TagBigUint
	TagBigNeg
	TagDate
	TagString
	TagRegExp
	TagJSON
)

func (t Tag) String() string {
	if int(t) < len(tagNames) {
		return tagNames[t]
	}
	return fmt.Sprintf("Tag(0x%02X)", byte(t))
}

var tagNames = [...]string{
	"undefined", "null", "NaN", "true", "false", "Infinity", "-Infinity", "-0",
	"uint8", "int8", "uint16", "int16", "uint32", "int32", "uint64", "int64",
	"ArrayBuffer", "Int8Array", "Uint8Array", "Uint8ClampedArray",
	"Int16Array", "Uint16Array", "Int32Array", "Uint32Array",
	"Float32Array", "Float64Array", "BigInt64Array", "BigUint64Array",
	"float", "biguint", "bigneg", "date", "string", "regexp", "json",
}

// Undefined is the absent-value sentinel, distinct from nil (null).
type Undefined struct{}

// ArrayBuffer is an untyped byte buffer. It packs under its own tag so it
// stays distinguishable from []byte.
type ArrayBuffer []byte

// Uint8Clamped is a byte slice whose producer clamps values to 0-255.
type Uint8Clamped []uint8

// InvalidDate stands in for a date that carries no valid instant.
type InvalidDate struct{}

func (InvalidDate) String() string { return invalidDateText }

const invalidDateText = "Invalid Date"
