package btree

import (
	"github.com/ugorji/go/codec"
)

// Codec converts between a typed key/value and the raw bytes a Node stores,
// realizing spec §9's "Btree node is polymorphic over key/value codecs."
type Codec interface {
	EncodeKey(key any) ([]byte, error)
	EncodeValue(value any) ([]byte, error)
	DecodeKey(raw []byte) (any, error)
	DecodeValue(raw []byte) (any, error)
}

// RawCodec is the default Codec: keys and values are already []byte, so
// encode/decode are identity operations. Most callers that only need
// internal/compare's byte ordering use this.
type RawCodec struct{}

func (RawCodec) EncodeKey(key any) ([]byte, error) {
	b, ok := key.([]byte)
	if !ok {
		return nil, errNotBytes
	}
	return b, nil
}

func (RawCodec) EncodeValue(value any) ([]byte, error) {
	b, ok := value.([]byte)
	if !ok {
		return nil, errNotBytes
	}
	return b, nil
}

func (RawCodec) DecodeKey(raw []byte) (any, error)   { return raw, nil }
func (RawCodec) DecodeValue(raw []byte) (any, error) { return raw, nil }

var errNotBytes = &codecError{"btree: RawCodec requires []byte keys/values"}

type codecError struct{ msg string }

func (e *codecError) Error() string { return e.msg }

// CBORCodec marshals typed keys/values with github.com/ugorji/go/codec's CBOR
// encoding, for callers who want struct-tagged keys/values instead of raw
// bytes (spec §9's named alternative to RawCodec).
type CBORCodec struct {
	KeyProto   func() any
	ValueProto func() any
	handle     codec.CborHandle
}

func NewCBORCodec(keyProto, valueProto func() any) *CBORCodec {
	return &CBORCodec{KeyProto: keyProto, ValueProto: valueProto}
}

func (c *CBORCodec) EncodeKey(key any) ([]byte, error) {
	return c.encode(key)
}

func (c *CBORCodec) EncodeValue(value any) ([]byte, error) {
	return c.encode(value)
}

func (c *CBORCodec) encode(v any) ([]byte, error) {
	var out []byte
	enc := codec.NewEncoderBytes(&out, &c.handle)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *CBORCodec) DecodeKey(raw []byte) (any, error) {
	v := c.KeyProto()
	dec := codec.NewDecoderBytes(raw, &c.handle)
	if err := dec.Decode(v); err != nil {
		return nil, err
	}
	return v, nil
}

func (c *CBORCodec) DecodeValue(raw []byte) (any, error) {
	v := c.ValueProto()
	dec := codec.NewDecoderBytes(raw, &c.handle)
	if err := dec.Decode(v); err != nil {
		return nil, err
	}
	return v, nil
}
