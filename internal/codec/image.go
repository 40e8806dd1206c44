package codec

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/jpeg"
	"image/png"

	"github.com/ltdc/ltdc/internal/errs"
)

// pilCodec encodes image.Image values the way the source project's "pil"
// field type does: lossless PNG by default, JPEG when the codec was
// constructed with jpeg=true. The encoded blob starts with a 4-byte length
// prefix so the field self-frames within a multi-field sample blob; the
// first byte after the prefix records the chosen format.
type pilCodec struct {
	jpeg    bool
	quality int
}

func newPILCodec(useJPEG bool) Codec {
	return &pilCodec{jpeg: useJPEG, quality: 90}
}

const (
	imgFormatPNG  byte = 0
	imgFormatJPEG byte = 1
)

func (c *pilCodec) ID() ID { return PIL }

func (c *pilCodec) Encode(value any) ([]byte, error) {
	img, ok := value.(image.Image)
	if !ok {
		return nil, errs.Config("pil codec: unsupported value type %T", value)
	}
	var body bytes.Buffer
	if c.jpeg {
		body.WriteByte(imgFormatJPEG)
		if err := jpeg.Encode(&body, img, &jpeg.Options{Quality: c.quality}); err != nil {
			return nil, err
		}
	} else {
		body.WriteByte(imgFormatPNG)
		if err := png.Encode(&body, img); err != nil {
			return nil, err
		}
	}
	buf := make([]byte, 4+body.Len())
	binary.LittleEndian.PutUint32(buf[:4], uint32(body.Len()))
	copy(buf[4:], body.Bytes())
	return buf, nil
}

func (c *pilCodec) Decode(data []byte) (any, error) {
	n, err := lengthPrefixed(data, "pil")
	if err != nil {
		return nil, err
	}
	body := data[4 : 4+n]
	if len(body) < 1 {
		return nil, errs.Format("", errLen("pil format byte", 1, len(body)))
	}
	r := bytes.NewReader(body[1:])
	switch body[0] {
	case imgFormatPNG:
		return png.Decode(r)
	case imgFormatJPEG:
		return jpeg.Decode(r)
	default:
		return nil, errs.Format("", errLen("pil format byte", 0, int(body[0])))
	}
}

func (c *pilCodec) FrameLen(data []byte) (int, error) {
	n, err := lengthPrefixed(data, "pil")
	if err != nil {
		return 0, err
	}
	return 4 + n, nil
}
