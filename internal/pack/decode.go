package pack

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Unpack decodes a packed value stream produced by Pack.
func Unpack(b []byte) ([]any, error) {
	if len(b) == 0 {
		return nil, ErrEmpty
	}
	if len(b) < 8 {
		return nil, fmt.Errorf("value count: %w", ErrTruncated)
	}
	count := binary.BigEndian.Uint64(b)
	b = b[8:]
	// every value takes at least its tag byte
	if count > uint64(len(b)) {
		return nil, fmt.Errorf("%d values declared in %d bytes: %w", count, len(b), ErrTruncated)
	}
	values := make([]any, 0, count)
	for i := uint64(0); i < count; i++ {
		v, n, err := UnpackValue(b)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
		b = b[n:]
	}
	return values, nil
}

// UnpackValue decodes the tagged value at the front of b and reports how many
// bytes it occupied.
func UnpackValue(b []byte) (any, int, error) {
	if len(b) == 0 {
		return nil, 0, ErrEmpty
	}
	tag := Tag(b[0])
	switch tag {
	case TagUndefined:
		return Undefined{}, 1, nil
	case TagNull:
		return nil, 1, nil
	case TagNaN:
		return math.NaN(), 1, nil
	case TagTrue:
		return true, 1, nil
	case TagFalse:
		return false, 1, nil
	case TagInfinity:
		return math.Inf(1), 1, nil
	case TagNegInfinity:
		return math.Inf(-1), 1, nil
	case TagNegZero:
		return math.Copysign(0, -1), 1, nil

	case TagUint8, TagInt8:
		if len(b) < 2 {
			return nil, 0, truncated(tag)
		}
		if tag == TagInt8 {
			return int(int8(b[1])), 2, nil
		}
		return int(b[1]), 2, nil
	case TagUint16, TagInt16:
		if len(b) < 3 {
			return nil, 0, truncated(tag)
		}
		u := binary.BigEndian.Uint16(b[1:])
		if tag == TagInt16 {
			return int(int16(u)), 3, nil
		}
		return int(u), 3, nil
	case TagUint32, TagInt32:
		if len(b) < 5 {
			return nil, 0, truncated(tag)
		}
		u := binary.BigEndian.Uint32(b[1:])
		if tag == TagInt32 {
			return int(int32(u)), 5, nil
		}
		return intValue(int64(u)), 5, nil
	case TagUint64, TagInt64, TagFloat:
		if len(b) < 9 {
			return nil, 0, truncated(tag)
		}
		u := binary.BigEndian.Uint64(b[1:])
		switch {
		case tag == TagFloat:
			return math.Float64frombits(u), 9, nil
		case tag == TagInt64:
			return intValue(int64(u)), 9, nil
		case u <= math.MaxInt64:
			return intValue(int64(u)), 9, nil
		}
		return u, 9, nil
	}

	if tag > TagJSON {
		return nil, 0, &TagError{Tag: byte(tag)}
	}

	body, n, err := readBody(b, tag)
	if err != nil {
		return nil, 0, err
	}
	v, err := decodeBody(tag, body)
	if err != nil {
		return nil, 0, err
	}
	return v, n, nil
}

func decodeBody(tag Tag, body []byte) (any, error) {
	switch tag {
	case TagString:
		return string(body), nil
	case TagDate:
		s := string(body)
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return InvalidDate{}, nil
		}
		return t, nil
	case TagRegExp:
		re, err := regexp.Compile(string(body))
		if err != nil {
			return nil, fmt.Errorf("pack: regexp: %w", err)
		}
		return re, nil
	case TagJSON:
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("pack: json: %w", err)
		}
		return normalizeJSON(v), nil
	case TagBigUint, TagBigNeg:
		v := new(big.Int).SetBytes(body)
		if tag == TagBigNeg {
			v.Neg(v)
		}
		return v, nil

	case TagArrayBuffer:
		return ArrayBuffer(clone(body)), nil
	case TagUint8Array:
		return clone(body), nil
	case TagUint8ClampedArray:
		return Uint8Clamped(clone(body)), nil
	case TagInt8Array:
		return decodeElems(tag, body, 1, func(b []byte) int8 { return int8(b[0]) })
	case TagInt16Array:
		return decodeElems(tag, body, 2, func(b []byte) int16 { return int16(binary.BigEndian.Uint16(b)) })
	case TagUint16Array:
		return decodeElems(tag, body, 2, binary.BigEndian.Uint16)
	case TagInt32Array:
		return decodeElems(tag, body, 4, func(b []byte) int32 { return int32(binary.BigEndian.Uint32(b)) })
	case TagUint32Array:
		return decodeElems(tag, body, 4, binary.BigEndian.Uint32)
	case TagFloat32Array:
		return decodeElems(tag, body, 4, func(b []byte) float32 { return math.Float32frombits(binary.BigEndian.Uint32(b)) })
	case TagFloat64Array:
		return decodeElems(tag, body, 8, func(b []byte) float64 { return math.Float64frombits(binary.BigEndian.Uint64(b)) })
	case TagBigInt64Array:
		return decodeElems(tag, body, 8, func(b []byte) int64 { return int64(binary.BigEndian.Uint64(b)) })
	case TagBigUint64Array:
		return decodeElems(tag, body, 8, binary.BigEndian.Uint64)
	}
	return nil, &TagError{Tag: byte(tag)}
}

// readBody returns the length-prefixed body following the tag byte and the
// total encoded size of the value.
func readBody(b []byte, tag Tag) ([]byte, int, error) {
	if len(b) < 9 {
		return nil, 0, truncated(tag)
	}
	l := binary.BigEndian.Uint64(b[1:])
	if l > uint64(len(b)-9) {
		return nil, 0, truncated(tag)
	}
	end := 9 + int(l)
	return b[9:end], end, nil
}

func decodeElems[T any](tag Tag, body []byte, size int, get func([]byte) T) ([]T, error) {
	if len(body)%size != 0 {
		return nil, fmt.Errorf("pack: %s body of %d bytes is not a multiple of %d", tag, len(body), size)
	}
	xs := make([]T, len(body)/size)
	for i := range xs {
		xs[i] = get(body[i*size:])
	}
	return xs, nil
}

// normalizeJSON replaces the json.Numbers inside v with the types top-level
// numbers unpack to: int, uint64 above math.MaxInt64, *big.Int beyond that,
// float64 for everything fractional or in exponent form.
func normalizeJSON(v any) any {
	switch x := v.(type) {
	case json.Number:
		return jsonNumber(x)
	case []any:
		for i := range x {
			x[i] = normalizeJSON(x[i])
		}
	case map[string]any:
		for k, e := range x {
			x[k] = normalizeJSON(e)
		}
	}
	return v
}

func jsonNumber(n json.Number) any {
	s := n.String()
	if strings.ContainsAny(s, ".eE") {
		f, _ := n.Float64()
		return f
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return intValue(i)
	}
	if u, err := strconv.ParseUint(s, 10, 64); err == nil {
		return u
	}
	if b, ok := new(big.Int).SetString(s, 10); ok {
		return b
	}
	f, _ := n.Float64()
	return f
}

func truncated(tag Tag) error {
	return fmt.Errorf("%s: %w", tag, ErrTruncated)
}

// intValue narrows n to int whenever the platform int can hold it.
func intValue(n int64) any {
	if n >= math.MinInt && n <= math.MaxInt {
		return int(n)
	}
	return n
}

func clone(b []byte) []byte {
	return append([]byte{}, b...)
}
