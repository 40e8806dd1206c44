package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/ltdc/ltdc/internal/errs"
)

type intCodec struct{}

func newIntCodec() Codec { return intCodec{} }

func (intCodec) ID() ID { return Int }

// Encode stores the value as a fixed 8-byte little-endian signed integer.
// A fixed width keeps decode allocation-free and matches the raw
// little-endian convention the chunk format uses throughout.
func (intCodec) Encode(value any) ([]byte, error) {
	i, err := toInt64(value)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(i))
	return buf, nil
}

func (intCodec) Decode(data []byte) (any, error) {
	if len(data) != 8 {
		return nil, errs.Format("", errLen("int", 8, len(data)))
	}
	return int64(binary.LittleEndian.Uint64(data)), nil
}

func (intCodec) FrameLen(data []byte) (int, error) {
	if len(data) < 8 {
		return 0, errs.Format("", errLen("int", 8, len(data)))
	}
	return 8, nil
}

func toInt64(value any) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint32:
		return int64(v), nil
	case uint64:
		return int64(v), nil
	default:
		return 0, errs.Config("int codec: unsupported value type %T", value)
	}
}

type floatCodec struct{}

func newFloatCodec() Codec { return floatCodec{} }

func (floatCodec) ID() ID { return Float }

func (floatCodec) Encode(value any) ([]byte, error) {
	var f float64
	switch v := value.(type) {
	case float32:
		f = float64(v)
	case float64:
		f = v
	default:
		return nil, errs.Config("float codec: unsupported value type %T", value)
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, math.Float64bits(f))
	return buf, nil
}

func (floatCodec) Decode(data []byte) (any, error) {
	if len(data) != 8 {
		return nil, errs.Format("", errLen("float", 8, len(data)))
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(data)), nil
}

func (floatCodec) FrameLen(data []byte) (int, error) {
	if len(data) < 8 {
		return 0, errs.Format("", errLen("float", 8, len(data)))
	}
	return 8, nil
}

// strCodec is UTF-8, length-prefixed with a uint32 little-endian length so
// it self-frames within a multi-field sample blob without needing a
// terminator byte.
type strCodec struct{}

func newStrCodec() Codec { return strCodec{} }

func (strCodec) ID() ID { return Str }

func (strCodec) Encode(value any) ([]byte, error) {
	s, ok := value.(string)
	if !ok {
		return nil, errs.Config("str codec: unsupported value type %T", value)
	}
	buf := make([]byte, 4+len(s))
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(s)))
	copy(buf[4:], s)
	return buf, nil
}

func (strCodec) Decode(data []byte) (any, error) {
	n, err := lengthPrefixed(data, "str")
	if err != nil {
		return nil, err
	}
	return string(data[4 : 4+n]), nil
}

func (strCodec) FrameLen(data []byte) (int, error) {
	n, err := lengthPrefixed(data, "str")
	if err != nil {
		return 0, err
	}
	return 4 + n, nil
}

// bytesCodec is length-prefixed the same way strCodec is: within a single
// field that's the chunk's own payload range this prefix is redundant, but
// it is required so a multi-field sample blob can be split back into
// fields without relying on external per-field boundaries.
type bytesCodec struct{}

func newBytesCodec() Codec { return bytesCodec{} }

func (bytesCodec) ID() ID { return Bytes }

func (bytesCodec) Encode(value any) ([]byte, error) {
	b, ok := value.([]byte)
	if !ok {
		return nil, errs.Config("bytes codec: unsupported value type %T", value)
	}
	buf := make([]byte, 4+len(b))
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(b)))
	copy(buf[4:], b)
	return buf, nil
}

func (bytesCodec) Decode(data []byte) (any, error) {
	n, err := lengthPrefixed(data, "bytes")
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, data[4:4+n])
	return out, nil
}

func (bytesCodec) FrameLen(data []byte) (int, error) {
	n, err := lengthPrefixed(data, "bytes")
	if err != nil {
		return 0, err
	}
	return 4 + n, nil
}

// lengthPrefixed reads a uint32 little-endian length prefix and validates
// that the remaining buffer is at least that long, returning the length.
func lengthPrefixed(data []byte, what string) (int, error) {
	if len(data) < 4 {
		return 0, errs.Format("", errLen(what+" header", 4, len(data)))
	}
	n := int(binary.LittleEndian.Uint32(data[:4]))
	if len(data)-4 < n {
		return 0, errs.Format("", errLen(what+" body", n, len(data)-4))
	}
	return n, nil
}

func errLen(what string, want, got int) error {
	return fmt.Errorf("%s: expected %d bytes, got %d", what, want, got)
}
