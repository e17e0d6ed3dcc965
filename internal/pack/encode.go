package pack

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"regexp"
	"time"
)

// Pack encodes values as a packed value stream.
func Pack(values ...any) ([]byte, error) {
	buf := make([]byte, 8, 64)
	binary.BigEndian.PutUint64(buf, uint64(len(values)))
	for i, v := range values {
		var err error
		if buf, err = AppendValue(buf, v); err != nil {
			return nil, fmt.Errorf("pack: value %d: %w", i, err)
		}
	}
	return buf, nil
}

// AppendValue appends the tagged encoding of v to dst.
func AppendValue(dst []byte, v any) ([]byte, error) {
	switch v := v.(type) {
	case nil:
		return append(dst, byte(TagNull)), nil
	case Undefined:
		return append(dst, byte(TagUndefined)), nil
	case bool:
		if v {
			return append(dst, byte(TagTrue)), nil
		}
		return append(dst, byte(TagFalse)), nil

	case int:
		return appendInt(dst, int64(v)), nil
	case int8:
		return appendInt(dst, int64(v)), nil
	case int16:
		return appendInt(dst, int64(v)), nil
	case int32:
		return appendInt(dst, int64(v)), nil
	case int64:
		return appendInt(dst, v), nil
	case uint:
		return appendUint(dst, uint64(v)), nil
	case uint8:
		return appendUint(dst, uint64(v)), nil
	case uint16:
		return appendUint(dst, uint64(v)), nil
	case uint32:
		return appendUint(dst, uint64(v)), nil
	case uint64:
		return appendUint(dst, v), nil
	case float32:
		return appendFloat(dst, float64(v)), nil
	case float64:
		return appendFloat(dst, v), nil
	case *big.Int:
		if v == nil {
			return append(dst, byte(TagNull)), nil
		}
		return appendBig(dst, v), nil

	case string:
		return appendBody(dst, TagString, []byte(v)), nil
	case time.Time:
		return appendBody(dst, TagDate, []byte(v.UTC().Format(time.RFC3339Nano))), nil
	case InvalidDate:
		return appendBody(dst, TagDate, []byte(invalidDateText)), nil
	case *regexp.Regexp:
		if v == nil {
			return append(dst, byte(TagNull)), nil
		}
		return appendBody(dst, TagRegExp, []byte(v.String())), nil

	case ArrayBuffer:
		return appendBody(dst, TagArrayBuffer, v), nil
	case []byte:
		return appendBody(dst, TagUint8Array, v), nil
	case Uint8Clamped:
		return appendBody(dst, TagUint8ClampedArray, v), nil
	case []int8:
		return appendElems(dst, TagInt8Array, v, 1, func(b []byte, x int8) { b[0] = byte(x) }), nil
	case []int16:
		return appendElems(dst, TagInt16Array, v, 2, func(b []byte, x int16) {
			binary.BigEndian.PutUint16(b, uint16(x))
		}), nil
	case []uint16:
		return appendElems(dst, TagUint16Array, v, 2, binary.BigEndian.PutUint16), nil
	case []int32:
		return appendElems(dst, TagInt32Array, v, 4, func(b []byte, x int32) {
			binary.BigEndian.PutUint32(b, uint32(x))
		}), nil
	case []uint32:
		return appendElems(dst, TagUint32Array, v, 4, binary.BigEndian.PutUint32), nil
	case []float32:
		return appendElems(dst, TagFloat32Array, v, 4, func(b []byte, x float32) {
			binary.BigEndian.PutUint32(b, math.Float32bits(x))
		}), nil
	case []float64:
		return appendElems(dst, TagFloat64Array, v, 8, func(b []byte, x float64) {
			binary.BigEndian.PutUint64(b, math.Float64bits(x))
		}), nil
	case []int64:
		return appendElems(dst, TagBigInt64Array, v, 8, func(b []byte, x int64) {
			binary.BigEndian.PutUint64(b, uint64(x))
		}), nil
	case []uint64:
		return appendElems(dst, TagBigUint64Array, v, 8, binary.BigEndian.PutUint64), nil
	}

	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json fallback for %T: %w", v, err)
	}
	return appendBody(dst, TagJSON, b), nil
}

func appendUint(dst []byte, u uint64) []byte {
	switch {
	case u <= math.MaxUint8:
		return append(dst, byte(TagUint8), byte(u))
	case u <= math.MaxUint16:
		return binary.BigEndian.AppendUint16(append(dst, byte(TagUint16)), uint16(u))
	case u <= math.MaxUint32:
		return binary.BigEndian.AppendUint32(append(dst, byte(TagUint32)), uint32(u))
	default:
		return binary.BigEndian.AppendUint64(append(dst, byte(TagUint64)), u)
	}
}

func appendInt(dst []byte, n int64) []byte {
	switch {
	case n >= 0:
		return appendUint(dst, uint64(n))
	case n >= math.MinInt8:
		return append(dst, byte(TagInt8), byte(n))
	case n >= math.MinInt16:
		return binary.BigEndian.AppendUint16(append(dst, byte(TagInt16)), uint16(n))
	case n >= math.MinInt32:
		return binary.BigEndian.AppendUint32(append(dst, byte(TagInt32)), uint32(n))
	default:
		return binary.BigEndian.AppendUint64(append(dst, byte(TagInt64)), uint64(n))
	}
}

// appendFloat maps the special values onto their sentinel tags and integral
// values onto the integer tags; only fractional values use TagFloat.
func appendFloat(dst []byte, f float64) []byte {
	switch {
	case math.IsNaN(f):
		return append(dst, byte(TagNaN))
	case math.IsInf(f, 1):
		return append(dst, byte(TagInfinity))
	case math.IsInf(f, -1):
		return append(dst, byte(TagNegInfinity))
	case f == 0 && math.Signbit(f):
		return append(dst, byte(TagNegZero))
	case f == math.Trunc(f) && f >= math.MinInt64 && f < 0:
		return appendInt(dst, int64(f))
	case f == math.Trunc(f) && f >= 0 && f < math.MaxUint64:
		return appendUint(dst, uint64(f))
	}
	return binary.BigEndian.AppendUint64(append(dst, byte(TagFloat)), math.Float64bits(f))
}

func appendBig(dst []byte, v *big.Int) []byte {
	tag := TagBigUint
	if v.Sign() < 0 {
		tag = TagBigNeg
	}
	return appendBody(dst, tag, new(big.Int).Abs(v).Bytes())
}

func appendBody(dst []byte, tag Tag, body []byte) []byte {
	dst = append(dst, byte(tag))
	dst = binary.BigEndian.AppendUint64(dst, uint64(len(body)))
	return append(dst, body...)
}

func appendElems[T any](dst []byte, tag Tag, xs []T, size int, put func([]byte, T)) []byte {
	dst = append(dst, byte(tag))
	dst = binary.BigEndian.AppendUint64(dst, uint64(len(xs)*size))
	start := len(dst)
	dst = append(dst, make([]byte, len(xs)*size)...)
	for i, x := range xs {
		put(dst[start+i*size:], x)
	}
	return dst
}
