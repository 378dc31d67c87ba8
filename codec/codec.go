package codec

import "fmt"

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

// ByName returns the codec configured under name: "json", "msgpack" or "cbor".
// An empty name selects msgpack. maxDecode > 0 wraps the result in a LimitCodec.
func ByName[V any](name string, maxDecode int) (Codec[V], error) {
	var inner Codec[V]
	switch name {
	case "", "msgpack":
		inner = Msgpack[V]{}
	case "json":
		inner = JSON[V]{}
	case "cbor":
		c, err := NewCBOR[V](true)
		if err != nil {
			return nil, err
		}
		inner = c
	default:
		return nil, fmt.Errorf("codec: unknown codec %q", name)
	}
	if maxDecode > 0 {
		return LimitCodec[V]{Inner: inner, MaxDecode: maxDecode}, nil
	}
	return inner, nil
}
