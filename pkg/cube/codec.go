package cube

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	decoder, _ = zstd.NewReader(nil)
)

const (
	kindString uint8 = iota + 1
	kindInt
	kindFloat
	kindBool
)

type wireKey struct {
	Kind uint8   `cbor:"k"`
	S    string  `cbor:"s,omitempty"`
	I    int64   `cbor:"i,omitempty"`
	F    float64 `cbor:"f,omitempty"`
	B    bool    `cbor:"b,omitempty"`
}

type wireEntry struct {
	Keys     []wireKey          `cbor:"k"`
	Measures map[string]float64 `cbor:"m"`
}

type wireCube struct {
	Dims    []string    `cbor:"d"`
	Entries []wireEntry `cbor:"e"`
}

// MarshalBinary encodes the cube as zstd-compressed CBOR.
func (c *Cube) MarshalBinary() ([]byte, error) {
	w := wireCube{Dims: c.dims}
	for keys, m := range c.All() {
		e := wireEntry{Keys: make([]wireKey, len(keys)), Measures: m}
		for i, k := range keys {
			switch v := k.(type) {
			case string:
				e.Keys[i] = wireKey{Kind: kindString, S: v}
			case int64:
				e.Keys[i] = wireKey{Kind: kindInt, I: v}
			case float64:
				e.Keys[i] = wireKey{Kind: kindFloat, F: v}
			case bool:
				e.Keys[i] = wireKey{Kind: kindBool, B: v}
			default:
				return nil, fmt.Errorf("%w: %T", ErrInvalidKey, k)
			}
		}
		w.Entries = append(w.Entries, e)
	}
	body, err := cbor.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("failed to encode cube: %w", err)
	}
	return encoder.EncodeAll(body, nil), nil
}

// UnmarshalBinary replaces the cube's contents with the decoded data.
func (c *Cube) UnmarshalBinary(data []byte) error {
	body, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return fmt.Errorf("failed to decompress cube: %w", err)
	}
	var w wireCube
	if err := cbor.Unmarshal(body, &w); err != nil {
		return fmt.Errorf("failed to decode cube: %w", err)
	}
	out, err := New(w.Dims...)
	if err != nil {
		return err
	}
	keys := make([]any, len(w.Dims))
	for _, e := range w.Entries {
		if len(e.Keys) != len(w.Dims) {
			return fmt.Errorf("%w: encoded entry has %d keys", ErrShape, len(e.Keys))
		}
		for i, k := range e.Keys {
			switch k.Kind {
			case kindString:
				keys[i] = k.S
			case kindInt:
				keys[i] = k.I
			case kindFloat:
				keys[i] = k.F
			case kindBool:
				keys[i] = k.B
			default:
				return fmt.Errorf("%w: encoded kind %d", ErrInvalidKey, k.Kind)
			}
		}
		if err := out.Aggregate(keys, e.Measures); err != nil {
			return err
		}
	}
	*c = *out
	return nil
}
