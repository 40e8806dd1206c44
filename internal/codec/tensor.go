package codec

import (
	"encoding/binary"

	"github.com/ltdc/ltdc/internal/errs"
)

// DType enumerates the raw payload element types a Tensor may carry.
type DType uint8

const (
	DTypeFloat32 DType = iota
	DTypeFloat64
	DTypeInt32
	DTypeInt64
	DTypeUint8
)

var dtypeSize = map[DType]int{
	DTypeFloat32: 4,
	DTypeFloat64: 8,
	DTypeInt32:   4,
	DTypeInt64:   8,
	DTypeUint8:   1,
}

// Tensor is the in-memory value produced/consumed by the "tensor" codec: a
// dtype tag, a shape, and the raw little-endian element payload.
type Tensor struct {
	DType DType
	Shape []int64
	Data  []byte
}

// tensorCodec wire layout: 1 byte dtype, 1 byte rank, rank*8 bytes shape
// (little-endian int64), then the raw payload.
type tensorCodec struct{}

func newTensorCodec() Codec { return tensorCodec{} }

func (tensorCodec) ID() ID { return TensorID }

func (tensorCodec) Encode(value any) ([]byte, error) {
	t, ok := value.(Tensor)
	if !ok {
		return nil, errs.Config("tensor codec: unsupported value type %T", value)
	}
	if len(t.Shape) > 255 {
		return nil, errs.Config("tensor codec: rank %d exceeds 255", len(t.Shape))
	}
	elemSize, ok := dtypeSize[t.DType]
	if !ok {
		return nil, errs.Config("tensor codec: unknown dtype %d", t.DType)
	}
	want := elemSize
	for _, d := range t.Shape {
		want *= int(d)
	}
	if want != len(t.Data) {
		return nil, errs.Config("tensor codec: shape implies %d bytes, got %d", want, len(t.Data))
	}

	buf := make([]byte, 2+8*len(t.Shape)+len(t.Data))
	buf[0] = byte(t.DType)
	buf[1] = byte(len(t.Shape))
	off := 2
	for _, d := range t.Shape {
		binary.LittleEndian.PutUint64(buf[off:off+8], uint64(d))
		off += 8
	}
	copy(buf[off:], t.Data)
	return buf, nil
}

func (tensorCodec) Decode(data []byte) (any, error) {
	dtype, shape, headerLen, err := parseTensorHeader(data)
	if err != nil {
		return nil, err
	}
	elemSize := dtypeSize[dtype]
	payloadLen := elemSize
	for _, d := range shape {
		payloadLen *= int(d)
	}
	if len(data) < headerLen+payloadLen {
		return nil, errs.Format("", errLen("tensor payload", payloadLen, len(data)-headerLen))
	}
	payload := make([]byte, payloadLen)
	copy(payload, data[headerLen:headerLen+payloadLen])
	return Tensor{DType: dtype, Shape: shape, Data: payload}, nil
}

// FrameLen reports the total bytes this tensor's encoding occupies: the
// header is fully self-describing (dtype + shape imply the payload size),
// so no separate outer length prefix is needed.
func (tensorCodec) FrameLen(data []byte) (int, error) {
	dtype, shape, headerLen, err := parseTensorHeader(data)
	if err != nil {
		return 0, err
	}
	elemSize, ok := dtypeSize[dtype]
	if !ok {
		return 0, errs.Format("", errLen("tensor dtype", 0, int(dtype)))
	}
	payloadLen := elemSize
	for _, d := range shape {
		payloadLen *= int(d)
	}
	if len(data) < headerLen+payloadLen {
		return 0, errs.Format("", errLen("tensor payload", payloadLen, len(data)-headerLen))
	}
	return headerLen + payloadLen, nil
}

func parseTensorHeader(data []byte) (DType, []int64, int, error) {
	if len(data) < 2 {
		return 0, nil, 0, errs.Format("", errLen("tensor header", 2, len(data)))
	}
	dtype := DType(data[0])
	rank := int(data[1])
	headerLen := 2 + 8*rank
	if len(data) < headerLen {
		return 0, nil, 0, errs.Format("", errLen("tensor shape", headerLen, len(data)))
	}
	shape := make([]int64, rank)
	off := 2
	for i := 0; i < rank; i++ {
		shape[i] = int64(binary.LittleEndian.Uint64(data[off : off+8]))
		off += 8
	}
	return dtype, shape, headerLen, nil
}
