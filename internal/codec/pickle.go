package codec

import (
	"encoding/binary"

	"github.com/ltdc/ltdc/internal/errs"
)

// opaqueEnvelopeCodec implements the "pickle" codec id as a plain
// length-prefixed byte envelope -- never an actual Python pickle stream.
// It exists only for callers that explicitly called
// Registry.AllowOpaqueEnvelope(true), documenting that such fields are not
// portable across language runtimes, so it is opt-in rather than registered by default.
type opaqueEnvelopeCodec struct{}

func newOpaqueEnvelopeCodec() Codec { return opaqueEnvelopeCodec{} }

func (opaqueEnvelopeCodec) ID() ID { return Pickle }

func (opaqueEnvelopeCodec) Encode(value any) ([]byte, error) {
	b, ok := value.([]byte)
	if !ok {
		return nil, errs.Config("pickle envelope: unsupported value type %T (opaque bytes only)", value)
	}
	buf := make([]byte, 4+len(b))
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(b)))
	copy(buf[4:], b)
	return buf, nil
}

func (opaqueEnvelopeCodec) Decode(data []byte) (any, error) {
	n, err := lengthPrefixed(data, "pickle envelope")
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, data[4:4+n])
	return out, nil
}

func (opaqueEnvelopeCodec) FrameLen(data []byte) (int, error) {
	n, err := lengthPrefixed(data, "pickle envelope")
	if err != nil {
		return 0, err
	}
	return 4 + n, nil
}
