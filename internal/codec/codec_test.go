package codec

import (
	"bytes"
	"image"
	"image/color"
	"reflect"
	"testing"
)

func TestBuiltinCodecRoundTrip(t *testing.T) {
	r := Default()

	cases := []struct {
		id    ID
		value any
	}{
		{Int, int64(-42)},
		{Float, 3.14159},
		{Str, "hello, world"},
		{Bytes, []byte{1, 2, 3, 4, 5}},
		{TensorID, Tensor{DType: DTypeFloat32, Shape: []int64{2, 2}, Data: make([]byte, 16)}},
		{TokensID, Tokens{Wide: false, IDs: []uint32{1, 2, 3, 65535}}},
	}

	for _, c := range cases {
		t.Run(string(c.id), func(t *testing.T) {
			enc, err := r.Encode(c.id, c.value)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			dec, err := r.Decode(c.id, enc)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !reflect.DeepEqual(dec, c.value) {
				t.Fatalf("round-trip mismatch: got %#v, want %#v", dec, c.value)
			}
		})
	}
}

func TestPILCodecRoundTrip(t *testing.T) {
	r := Default()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 10), G: uint8(y * 10), B: 0, A: 255})
		}
	}
	enc, err := r.Encode(PIL, img)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	dec, err := r.Decode(PIL, enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, ok := dec.(image.Image)
	if !ok {
		t.Fatalf("decoded value is not an image.Image: %T", dec)
	}
	if got.Bounds() != img.Bounds() {
		t.Fatalf("bounds mismatch: got %v, want %v", got.Bounds(), img.Bounds())
	}
}

func TestPickleRequiresOptIn(t *testing.T) {
	r := Default()
	if _, err := r.Encode(Pickle, []byte("x")); err == nil {
		t.Fatal("expected pickle codec to be unavailable by default")
	}
	r.AllowOpaqueEnvelope(true)
	enc, err := r.Encode(Pickle, []byte("opaque payload"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	dec, err := r.Decode(Pickle, enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(dec.([]byte), []byte("opaque payload")) {
		t.Fatalf("round-trip mismatch: %v", dec)
	}
}

func TestEncodeDecodeSampleMultiField(t *testing.T) {
	r := Default()
	schema := []FieldSchema{
		{Name: "id", Codec: Int},
		{Name: "label", Codec: Str},
		{Name: "payload", Codec: Bytes},
		{Name: "score", Codec: Float},
	}
	sample := Sample{
		"id":      int64(7),
		"label":   "cat",
		"payload": []byte{0xde, 0xad, 0xbe, 0xef},
		"score":   0.987,
	}

	blob, err := EncodeSample(r, schema, sample)
	if err != nil {
		t.Fatalf("encode sample: %v", err)
	}
	decoded, err := DecodeSample(r, schema, blob)
	if err != nil {
		t.Fatalf("decode sample: %v", err)
	}
	for k, v := range sample {
		if !reflect.DeepEqual(decoded[k], v) {
			t.Fatalf("field %q mismatch: got %#v, want %#v", k, decoded[k], v)
		}
	}
}

func TestRegisterRejectsPickleID(t *testing.T) {
	r := New()
	if err := r.Register(opaqueEnvelopeCodec{}); err == nil {
		t.Fatal("expected direct registration of the pickle id to be rejected")
	}
}
