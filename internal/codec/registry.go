// Package codec implements the bidirectional, self-describing field
// serializers used by the chunk writer/reader. Each codec is
// keyed by a short stable ASCII id that is recorded per-field in the
// dataset schema, so a reader never needs out-of-band type information.
package codec

import (
	"fmt"

	"github.com/ltdc/ltdc/internal/errs"
)

// ID is the stable, on-disk discriminator for a field codec.
type ID string

const (
	Int     ID = "int"
	Float   ID = "float"
	Str     ID = "str"
	Bytes   ID = "bytes"
	PIL     ID = "pil"
	TensorID ID = "tensor"
	TokensID ID = "tokens"
	Pickle  ID = "pickle"
)

// Codec is a deterministic, pure encode/decode pair for one field type.
// Encode must be a pure function of value; Decode must be its exact
// inverse. Implementations must reject cyclic or reference-bearing values
// at the caller's registration boundary -- in practice this means Codec
// implementations only accept tree-shaped Go values.
type Codec interface {
	ID() ID
	Encode(value any) ([]byte, error)
	Decode(data []byte) (any, error)
	// FrameLen returns how many bytes at the start of data this codec's
	// encoding occupies, without fully decoding it. Sample fields are
	// concatenated with no external boundary, so every codec
	// must be able to report its own frame length from a header prefix
	// alone; this is what lets EncodeSample/DecodeSample split a
	// multi-field blob back into fields.
	FrameLen(data []byte) (int, error)
}

// Registry maps field codec ids to their Codec implementation. The default
// registry is built once and is safe to share across writer/reader
// instances; callers needing custom codecs construct their own via New()
// and Register rather than mutating package-level state.
type Registry struct {
	codecs        map[ID]Codec
	allowOpaque   bool
}

// New returns an empty registry. Use Default() for the built-in codec set.
func New() *Registry {
	return &Registry{codecs: make(map[ID]Codec)}
}

// Default returns a registry pre-populated with every built-in codec
// except pickle, which is refused at registration time unless the caller
// opts in via AllowOpaqueEnvelope.
func Default() *Registry {
	r := New()
	r.mustRegister(newIntCodec())
	r.mustRegister(newFloatCodec())
	r.mustRegister(newStrCodec())
	r.mustRegister(newBytesCodec())
	r.mustRegister(newPILCodec(false))
	r.mustRegister(newTensorCodec())
	r.mustRegister(newTokensCodec())
	return r
}

// AllowOpaqueEnvelope enables the pickle codec id as a length-prefixed
// opaque-bytes envelope. It is never a real language-specific pickle and
// is non-portable across language runtimes, so it stays opt-in.
func (r *Registry) AllowOpaqueEnvelope(allow bool) {
	r.allowOpaque = allow
	if allow {
		r.codecs[Pickle] = newOpaqueEnvelopeCodec()
	} else {
		delete(r.codecs, Pickle)
	}
}

func (r *Registry) mustRegister(c Codec) {
	if err := r.Register(c); err != nil {
		panic(err)
	}
}

// Register adds (or replaces) a codec. Registering the reserved "pickle"
// id directly is rejected; callers must go through AllowOpaqueEnvelope so
// the non-portability tradeoff is explicit rather than silently enabled.
func (r *Registry) Register(c Codec) error {
	if c.ID() == Pickle {
		return errs.Config("codec id %q is reserved: call AllowOpaqueEnvelope to opt in", Pickle)
	}
	r.codecs[c.ID()] = c
	return nil
}

// Resolve looks up a codec by id.
func (r *Registry) Resolve(id ID) (Codec, error) {
	c, ok := r.codecs[id]
	if !ok {
		return nil, errs.Config("unknown codec id %q", id)
	}
	return c, nil
}

// Encode resolves id and encodes value, wrapping resolution/encode errors
// identically so callers don't need to distinguish the two failure sites.
func (r *Registry) Encode(id ID, value any) ([]byte, error) {
	c, err := r.Resolve(id)
	if err != nil {
		return nil, err
	}
	b, err := c.Encode(value)
	if err != nil {
		return nil, fmt.Errorf("encode field codec %q: %w", id, err)
	}
	return b, nil
}

// Decode resolves id and decodes data.
func (r *Registry) Decode(id ID, data []byte) (any, error) {
	c, err := r.Resolve(id)
	if err != nil {
		return nil, err
	}
	v, err := c.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode field codec %q: %w", id, err)
	}
	return v, nil
}
