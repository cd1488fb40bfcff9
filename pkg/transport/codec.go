package transport

import "encoding/json"

// jsonCodec is a grpc/encoding.Codec that marshals messages as JSON. The
// collision protocol carries one small, stable struct and gains nothing
// from protobuf code generation, so unary calls are (de)serialized through
// this codec instead, registered under the "json" content-subtype.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return "json"
}
