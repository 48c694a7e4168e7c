package plugin

// Codec converts between the host framework's request/response objects and
// the opaque wire payloads the coordinator transports. The plugin never
// inspects the bytes; the codec and the UI agree on the encoding
// out-of-band.
//
// A host framework integrates the interceptor by calling Intercept from its
// pre-model-call hook with a codec wrapping its own serializer and
// deserializer.
type Codec interface {
	EncodeRequest(req any) ([]byte, error)
	DecodeResponse(data []byte) (any, error)
}

// RawCodec passes []byte payloads through unchanged. Useful for tests and
// for hosts that serialize before calling the interceptor.
type RawCodec struct{}

func (RawCodec) EncodeRequest(req any) ([]byte, error) {
	b, ok := req.([]byte)
	if !ok {
		return nil, errNotBytes
	}
	return b, nil
}

func (RawCodec) DecodeResponse(data []byte) (any, error) {
	return data, nil
}
