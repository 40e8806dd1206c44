package codec

import (
	"encoding/binary"

	"github.com/ltdc/ltdc/internal/errs"
)

// Tokens is the in-memory value for the "tokens" codec: a flat array of
// token ids, either uint16 or uint32 width depending on vocabulary size.
type Tokens struct {
	Wide bool // true => uint32 elements, false => uint16 elements
	IDs  []uint32
}

// tokensCodec wire layout: 1 byte width flag, 4 byte little-endian element
// count, then the raw little-endian array. The count makes the frame
// length self-describing from the header alone, independent of any
// external per-field boundary.
type tokensCodec struct{}

func newTokensCodec() Codec { return tokensCodec{} }

func (tokensCodec) ID() ID { return TokensID }

func (tokensCodec) Encode(value any) ([]byte, error) {
	t, ok := value.(Tokens)
	if !ok {
		return nil, errs.Config("tokens codec: unsupported value type %T", value)
	}
	width := 2
	if t.Wide {
		width = 4
	}
	buf := make([]byte, 5+width*len(t.IDs))
	if t.Wide {
		buf[0] = 1
	}
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(t.IDs)))
	off := 5
	for _, id := range t.IDs {
		if t.Wide {
			binary.LittleEndian.PutUint32(buf[off:off+4], id)
			off += 4
		} else {
			if id > 0xFFFF {
				return nil, errs.Config("tokens codec: id %d overflows uint16 field", id)
			}
			binary.LittleEndian.PutUint16(buf[off:off+2], uint16(id))
			off += 2
		}
	}
	return buf, nil
}

func (tokensCodec) Decode(data []byte) (any, error) {
	wide, count, width, err := parseTokensHeader(data)
	if err != nil {
		return nil, err
	}
	body := data[5 : 5+count*width]
	ids := make([]uint32, count)
	for i := 0; i < count; i++ {
		if wide {
			ids[i] = binary.LittleEndian.Uint32(body[i*4 : i*4+4])
		} else {
			ids[i] = uint32(binary.LittleEndian.Uint16(body[i*2 : i*2+2]))
		}
	}
	return Tokens{Wide: wide, IDs: ids}, nil
}

func (tokensCodec) FrameLen(data []byte) (int, error) {
	_, count, width, err := parseTokensHeader(data)
	if err != nil {
		return 0, err
	}
	return 5 + count*width, nil
}

func parseTokensHeader(data []byte) (wide bool, count, width int, err error) {
	if len(data) < 5 {
		return false, 0, 0, errs.Format("", errLen("tokens header", 5, len(data)))
	}
	wide = data[0] == 1
	count = int(binary.LittleEndian.Uint32(data[1:5]))
	width = 2
	if wide {
		width = 4
	}
	if len(data)-5 < count*width {
		return false, 0, 0, errs.Format("", errLen("tokens body", count*width, len(data)-5))
	}
	return wide, count, width, nil
}
