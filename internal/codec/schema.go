package codec

// FieldSchema pins one named field to its codec id, in the field order
// fixed at dataset creation. Field order never changes once a dataset
// has been written.
type FieldSchema struct {
	Name  string `json:"name"`
	Codec ID     `json:"codec"`
}

// Sample is the value a writer ingests and a reader yields: a named field
// set whose keys must exactly match the dataset's FieldSchema names.
type Sample map[string]any

// EncodeSample serializes every field of sample in schema order, returning
// their concatenation -- this is exactly one chunk payload blob: the
// per-field serialized bytes, one after another, in declared field order.
func EncodeSample(r *Registry, schema []FieldSchema, sample Sample) ([]byte, error) {
	var out []byte
	for _, f := range schema {
		v, ok := sample[f.Name]
		if !ok {
			return nil, errMissingField(f.Name)
		}
		b, err := r.Encode(f.Codec, v)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

// DecodeSample splits a sample blob back into named fields by walking the
// schema in order and asking each field's codec how many bytes it
// consumed, then decoding exactly that slice.
func DecodeSample(r *Registry, schema []FieldSchema, blob []byte) (Sample, error) {
	sample := make(Sample, len(schema))
	off := 0
	for _, f := range schema {
		c, err := r.Resolve(f.Codec)
		if err != nil {
			return nil, err
		}
		n, err := c.FrameLen(blob[off:])
		if err != nil {
			return nil, err
		}
		v, err := c.Decode(blob[off : off+n])
		if err != nil {
			return nil, err
		}
		sample[f.Name] = v
		off += n
	}
	return sample, nil
}

func errMissingField(name string) error {
	return &missingFieldError{name: name}
}

type missingFieldError struct{ name string }

func (e *missingFieldError) Error() string { return "sample missing field " + e.name }
